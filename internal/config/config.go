// Package config loads and validates the target configuration.
//
// Configuration files are JSON (the Singer convention) or YAML, chosen by file
// extension. String values may reference environment variables as ${NAME}.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"singerwh/internal/buffer"
	"singerwh/internal/retry"
	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

// Defaults for the flush thresholds.
const (
	DefaultBatchSizeRows  = 100000
	DefaultBatchSizeBytes = 100 << 20
)

// Warehouse selects the backend.
type Warehouse struct {
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`
}

// SchemaMapping routes the streams of one source schema.
type SchemaMapping struct {
	TargetSchema string `json:"target_schema" yaml:"target_schema"`
	// TargetSchemaSelectPermissions replaces the default grantees when set,
	// even to an empty list.
	TargetSchemaSelectPermissions Roles `json:"target_schema_select_permissions" yaml:"target_schema_select_permissions"`
}

// Roles is a list of warehouse roles. It decodes from a single string or a
// list of strings.
type Roles []string

func (r *Roles) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*r = Roles{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("roles: want a string or a list of strings: %w", err)
	}
	*r = append(Roles{}, many...)
	return nil
}

func (r *Roles) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var one string
		if err := n.Decode(&one); err != nil {
			return err
		}
		*r = Roles{one}
		return nil
	}
	var many []string
	if err := n.Decode(&many); err != nil {
		return fmt.Errorf("roles: want a string or a list of strings: %w", err)
	}
	*r = append(Roles{}, many...)
	return nil
}

// Retry tunes the backoff applied to transfers, DDL and loads.
type Retry struct {
	MaxAttempts      int `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoffMS int `json:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMS     int `json:"max_backoff_ms" yaml:"max_backoff_ms"`
}

// Config is the full target configuration.
type Config struct {
	Warehouse Warehouse `json:"warehouse" yaml:"warehouse"`

	DefaultTargetSchema string                   `json:"default_target_schema" yaml:"default_target_schema"`
	SchemaMapping       map[string]SchemaMapping `json:"schema_mapping" yaml:"schema_mapping"`

	// DefaultTargetSchemaSelectPermissions are granted read access to a
	// target schema whenever a table is created in it.
	DefaultTargetSchemaSelectPermissions Roles `json:"default_target_schema_select_permissions" yaml:"default_target_schema_select_permissions"`

	BatchSizeRows         int   `json:"batch_size_rows" yaml:"batch_size_rows"`
	BatchSizeBytes        int64 `json:"batch_size_bytes" yaml:"batch_size_bytes"`
	BatchWaitLimitSeconds int   `json:"batch_wait_limit_seconds" yaml:"batch_wait_limit_seconds"`
	FlushAllStreams       bool  `json:"flush_all_streams" yaml:"flush_all_streams"`
	Parallelism           int   `json:"parallelism" yaml:"parallelism"`
	MaxParallelism        int   `json:"max_parallelism" yaml:"max_parallelism"`
	FlushTimeoutSeconds   int   `json:"flush_timeout_seconds" yaml:"flush_timeout_seconds"`

	PrimaryKeyRequired     bool `json:"primary_key_required" yaml:"primary_key_required"`
	AddMetadataColumns     bool `json:"add_metadata_columns" yaml:"add_metadata_columns"`
	HardDelete             bool `json:"hard_delete" yaml:"hard_delete"`
	DataFlatteningMaxLevel int  `json:"data_flattening_max_level" yaml:"data_flattening_max_level"`
	ValidateRecords        bool `json:"validate_records" yaml:"validate_records"`
	DisableTableCache      bool `json:"disable_table_cache" yaml:"disable_table_cache"`

	Compression                   string `json:"compression" yaml:"compression"`
	NoCompression                 bool   `json:"no_compression" yaml:"no_compression"`
	ClientSideEncryptionMasterKey string `json:"client_side_encryption_master_key" yaml:"client_side_encryption_master_key"`
	FileFormat                    string `json:"file_format" yaml:"file_format"`
	TempDir                       string `json:"temp_dir" yaml:"temp_dir"`

	S3Bucket      string `json:"s3_bucket" yaml:"s3_bucket"`
	S3KeyPrefix   string `json:"s3_key_prefix" yaml:"s3_key_prefix"`
	S3RegionName  string `json:"s3_region_name" yaml:"s3_region_name"`
	S3EndpointURL string `json:"s3_endpoint_url" yaml:"s3_endpoint_url"`
	S3ACL         string `json:"s3_acl" yaml:"s3_acl"`
	Stage         string `json:"stage" yaml:"stage"`
	// StageDir stages artifacts in a local directory instead of S3, for
	// warehouses that read from a shared filesystem.
	StageDir string `json:"stage_dir" yaml:"stage_dir"`

	ArchiveLoadFiles         bool   `json:"archive_load_files" yaml:"archive_load_files"`
	ArchiveLoadFilesS3Bucket string `json:"archive_load_files_s3_bucket" yaml:"archive_load_files_s3_bucket"`
	ArchiveLoadFilesS3Prefix string `json:"archive_load_files_s3_prefix" yaml:"archive_load_files_s3_prefix"`

	Retry Retry `json:"retry" yaml:"retry"`
}

// Defaults returns a Config with every default applied.
func Defaults() Config {
	return Config{
		BatchSizeRows:      DefaultBatchSizeRows,
		BatchSizeBytes:     DefaultBatchSizeBytes,
		MaxParallelism:     16,
		PrimaryKeyRequired: true,
		Compression:        string(storage.CompressionGzip),
		FileFormat:         string(storage.FormatCSV),
		Retry: Retry{
			MaxAttempts:      5,
			InitialBackoffMS: 500,
			MaxBackoffMS:     30000,
		},
	}
}

// Load reads path over Defaults. Keys absent from the file keep their default.
//
// Errors:
//   - the file cannot be read or decoded.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(b, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes b as YAML when ext is ".yaml" or ".yml", JSON otherwise.
func Parse(b []byte, ext string) (Config, error) {
	cfg := Defaults()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode json: %w", err)
		}
	}
	cfg.expandEnv()
	return cfg, nil
}

func (c *Config) expandEnv() {
	for _, s := range []*string{
		&c.Warehouse.DSN,
		&c.DefaultTargetSchema,
		&c.ClientSideEncryptionMasterKey,
		&c.TempDir,
		&c.S3Bucket,
		&c.S3KeyPrefix,
		&c.S3RegionName,
		&c.S3EndpointURL,
		&c.Stage,
		&c.StageDir,
		&c.ArchiveLoadFilesS3Bucket,
		&c.ArchiveLoadFilesS3Prefix,
	} {
		*s = os.ExpandEnv(*s)
	}
}

// Limits are the buffer flush thresholds.
func (c Config) Limits() buffer.Limits {
	return buffer.Limits{MaxRows: c.BatchSizeRows, MaxBytes: c.BatchSizeBytes}
}

// ArtifactCompression resolves compression and no_compression. Parquet files
// carry their own column compression, so the setting passes through unchanged.
func (c Config) ArtifactCompression() storage.Compression {
	switch {
	case c.NoCompression:
		return storage.CompressionNone
	case c.Compression == "":
		return storage.CompressionGzip
	}
	return storage.Compression(c.Compression)
}

// RetryPolicy builds the retry policy. Each attempt is bounded by
// FlushTimeout. Classification is left to the caller.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Initial:     time.Duration(c.Retry.InitialBackoffMS) * time.Millisecond,
		Max:         time.Duration(c.Retry.MaxBackoffMS) * time.Millisecond,
		Timeout:     c.FlushTimeout(),
	}
}

// FlushTimeout bounds one attempt of a flush step. Zero disables it.
func (c Config) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutSeconds) * time.Second
}

// BatchWaitLimit is the maximum age of a buffer before a forced flush. Zero
// disables it.
func (c Config) BatchWaitLimit() time.Duration {
	return time.Duration(c.BatchWaitLimitSeconds) * time.Second
}

// TargetSchema returns the target schema for stream: the schema_mapping entry
// of its source schema, else default_target_schema. Empty when neither applies.
func (c Config) TargetSchema(stream string) string {
	src := schema.ParseStreamName(stream).Schema
	if m, ok := c.SchemaMapping[src]; ok && src != "" && m.TargetSchema != "" {
		return m.TargetSchema
	}
	return c.DefaultTargetSchema
}

// SelectPermissions returns the roles granted read access when a table for
// stream is created: the schema_mapping entry of its source schema when it
// sets target_schema_select_permissions, else the default.
func (c Config) SelectPermissions(stream string) []string {
	src := schema.ParseStreamName(stream).Schema
	if m, ok := c.SchemaMapping[src]; ok && src != "" && m.TargetSchemaSelectPermissions != nil {
		return m.TargetSchemaSelectPermissions
	}
	return c.DefaultTargetSchemaSelectPermissions
}

// TargetSchemas lists every schema the configuration may write to, for cache
// preloading.
func (c Config) TargetSchemas() []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(c.DefaultTargetSchema)
	for _, m := range c.SchemaMapping {
		add(m.TargetSchema)
	}
	return out
}

// StorageConfig is the backend configuration for storage.New.
func (c Config) StorageConfig() storage.Config {
	stage := ""
	if c.S3Bucket != "" {
		stage = c.Stage
	}
	return storage.Config{Kind: c.Warehouse.Kind, DSN: c.Warehouse.DSN, Stage: stage}
}
