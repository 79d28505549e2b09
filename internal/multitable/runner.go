package multitable

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"singerwh/internal/checkpoint"
	"singerwh/internal/config"
	"singerwh/internal/loader"
	"singerwh/internal/objectstore"
	"singerwh/internal/reconcile"
	"singerwh/internal/schemacache"
	"singerwh/internal/stage"
	"singerwh/internal/storage"
)

// Runner assembles the components for one configuration and runs the engine.
type Runner struct {
	// storage-agnostic factory seam
	NewWarehouse func(ctx context.Context, cfg storage.Config) (storage.Warehouse, error)

	// NewS3 opens the staging bucket. Tests swap in a local store.
	NewS3 func(cfg objectstore.S3Config) (objectstore.Store, error)

	// Stdout receives STATE lines.
	Stdout io.Writer

	Log *zap.Logger
}

// NewDefaultRunner returns a Runner using the registered warehouse backends,
// S3 and os.Stdout.
func NewDefaultRunner(log *zap.Logger) *Runner {
	return &Runner{
		NewWarehouse: storage.New,
		NewS3: func(cfg objectstore.S3Config) (objectstore.Store, error) {
			return objectstore.NewS3(cfg)
		},
		Stdout: os.Stdout,
		Log:    log,
	}
}

// Run validates cfg, connects to the warehouse and loads in until EOF.
func (r *Runner) Run(ctx context.Context, cfg config.Config, in io.Reader) (Stats, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	var problems []string
	for _, iss := range config.Validate(cfg) {
		if iss.Severity == config.SeverityError {
			problems = append(problems, iss.Path+": "+iss.Message)
			continue
		}
		log.Warn("config", zap.String("path", iss.Path), zap.String("issue", iss.Message))
	}
	if len(problems) > 0 {
		return Stats{}, fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}

	wh, err := r.NewWarehouse(ctx, cfg.StorageConfig())
	if err != nil {
		return Stats{}, fmt.Errorf("warehouse: %w", err)
	}
	defer wh.Close()

	cache := schemacache.New(wh)
	if !cfg.DisableTableCache {
		start := time.Now()
		for _, s := range cfg.TargetSchemas() {
			n, err := cache.Preload(ctx, wh.NormalizeIdent(s))
			if err != nil {
				return Stats{}, fmt.Errorf("preload table cache %s: %w", s, err)
			}
			log.Debug("stage=cache_preload ok", zap.String("schema", s), zap.Int("tables", n), zap.Duration("duration", time.Since(start)))
		}
	}

	var masterKey []byte
	if cfg.ClientSideEncryptionMasterKey != "" {
		if masterKey, err = stage.ParseMasterKey(cfg.ClientSideEncryptionMasterKey); err != nil {
			return Stats{}, err
		}
	}
	mat, err := stage.New(stage.Options{
		Dir:         cfg.TempDir,
		Format:      storage.Format(cfg.FileFormat),
		Compression: cfg.ArtifactCompression(),
		MasterKey:   masterKey,
	})
	if err != nil {
		return Stats{}, err
	}

	store, err := r.store(cfg)
	if err != nil {
		return Stats{}, err
	}

	rec := reconcile.New(wh, cache, log).WithGrantees(cfg.SelectPermissions)
	ld := loader.New(wh, rec, mat, loader.Options{
		HardDelete:    cfg.HardDelete,
		Store:         store,
		KeyPrefix:     cfg.S3KeyPrefix,
		Archive:       cfg.ArchiveLoadFiles,
		ArchiveBucket: cfg.ArchiveLoadFilesS3Bucket,
		ArchivePrefix: cfg.ArchiveLoadFilesS3Prefix,
		Retry:         cfg.RetryPolicy(),
		Log:           log,
	})

	stdout := r.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	eng := NewEngine(ld, wh.NormalizeIdent, checkpoint.New(stdout), OptionsFrom(cfg), log)
	err = eng.Run(ctx, in)
	return eng.Stats(), err
}

func (r *Runner) store(cfg config.Config) (objectstore.Store, error) {
	switch {
	case cfg.S3Bucket != "":
		s, err := r.NewS3(objectstore.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3RegionName,
			Endpoint: cfg.S3EndpointURL,
			ACL:      cfg.S3ACL,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		return s, nil
	case cfg.StageDir != "":
		return objectstore.NewLocal(cfg.StageDir)
	}
	return nil, nil
}
