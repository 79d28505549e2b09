package config

import (
	"fmt"
	"slices"
	"strings"

	"singerwh/internal/stage"
	"singerwh/internal/storage"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the offending key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks cfg and returns every problem found, errors and warnings
// mixed, in key order. The backend kind is checked against the registered
// warehouse backends.
func Validate(cfg Config) []Issue {
	var out []Issue
	errf := func(path, format string, args ...any) {
		out = append(out, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		out = append(out, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	kind := cfg.Warehouse.Kind
	switch {
	case kind == "":
		errf("warehouse.kind", "required")
	case !slices.Contains(storage.Kinds(), kind):
		errf("warehouse.kind", "unknown kind %q (have %s)", kind, strings.Join(storage.Kinds(), ", "))
	}
	if cfg.Warehouse.DSN == "" {
		errf("warehouse.dsn", "required")
	}

	if cfg.DefaultTargetSchema == "" && len(cfg.SchemaMapping) == 0 && kind != "sqlite" {
		errf("default_target_schema", "neither default_target_schema nor schema_mapping is defined")
	}
	for src, m := range cfg.SchemaMapping {
		if m.TargetSchema == "" {
			errf("schema_mapping."+src+".target_schema", "required")
		}
		checkRoles("schema_mapping."+src+".target_schema_select_permissions", m.TargetSchemaSelectPermissions, errf)
	}
	checkRoles("default_target_schema_select_permissions", cfg.DefaultTargetSchemaSelectPermissions, errf)
	if kind == "sqlite" && (len(cfg.DefaultTargetSchemaSelectPermissions) > 0 || anyMappingRoles(cfg.SchemaMapping)) {
		warnf("default_target_schema_select_permissions", "sqlite has no roles; select permissions are ignored")
	}

	if cfg.BatchSizeRows < 0 {
		errf("batch_size_rows", "must not be negative")
	}
	if cfg.BatchSizeBytes < 0 {
		errf("batch_size_bytes", "must not be negative")
	}
	if cfg.BatchSizeRows == 0 && cfg.BatchSizeBytes == 0 {
		warnf("batch_size_rows", "no flush threshold; rows load only at end of input, on FLUSH or batch_wait_limit_seconds")
	}
	if cfg.BatchWaitLimitSeconds < 0 {
		errf("batch_wait_limit_seconds", "must not be negative")
	}
	if cfg.Parallelism < -1 {
		errf("parallelism", "must be -1, 0 or positive")
	}
	if cfg.MaxParallelism < 0 {
		errf("max_parallelism", "must not be negative")
	}
	if cfg.FlushTimeoutSeconds < 0 {
		errf("flush_timeout_seconds", "must not be negative")
	}
	if cfg.DataFlatteningMaxLevel < 0 {
		errf("data_flattening_max_level", "must not be negative")
	}
	if cfg.Retry.MaxAttempts < 0 {
		errf("retry.max_attempts", "must not be negative")
	}
	if cfg.Retry.MaxBackoffMS > 0 && cfg.Retry.InitialBackoffMS > cfg.Retry.MaxBackoffMS {
		errf("retry.initial_backoff_ms", "exceeds retry.max_backoff_ms")
	}

	switch storage.Compression(cfg.Compression) {
	case "", storage.CompressionNone, storage.CompressionGzip, storage.CompressionZstd:
	default:
		errf("compression", "unknown compression %q", cfg.Compression)
	}

	snowflake := kind == "snowflake"
	switch storage.Format(cfg.FileFormat) {
	case "", storage.FormatCSV:
	case storage.FormatParquet:
		if !snowflake {
			errf("file_format", "parquet is only supported by the snowflake warehouse")
		}
	default:
		errf("file_format", "unknown file format %q", cfg.FileFormat)
	}

	if cfg.ClientSideEncryptionMasterKey != "" {
		if _, err := stage.ParseMasterKey(cfg.ClientSideEncryptionMasterKey); err != nil {
			errf("client_side_encryption_master_key", "%v", err)
		}
		if snowflake && (cfg.S3Bucket == "" || cfg.Stage == "") {
			errf("client_side_encryption_master_key", "snowflake needs s3_bucket and an external stage to load encrypted files")
		}
	}

	if cfg.S3Bucket != "" && cfg.StageDir != "" {
		errf("stage_dir", "s3_bucket and stage_dir are mutually exclusive")
	}
	if snowflake {
		if cfg.S3Bucket != "" && cfg.Stage == "" {
			errf("stage", "s3_bucket is set but stage is missing")
		}
		if cfg.Stage != "" && cfg.S3Bucket == "" {
			errf("s3_bucket", "stage is set but s3_bucket is missing")
		}
	} else {
		if cfg.S3Bucket != "" {
			warnf("s3_bucket", "%s loads from local files; objects are staged for archiving only", kind)
		}
		if cfg.Stage != "" {
			warnf("stage", "ignored by %s", kind)
		}
	}

	if cfg.ArchiveLoadFiles && cfg.S3Bucket == "" && cfg.StageDir == "" {
		errf("archive_load_files", "requires s3_bucket or stage_dir")
	}
	if !cfg.ArchiveLoadFiles && (cfg.ArchiveLoadFilesS3Bucket != "" || cfg.ArchiveLoadFilesS3Prefix != "") {
		warnf("archive_load_files", "archive bucket or prefix set but archive_load_files is false")
	}
	return out
}

func checkRoles(path string, roles Roles, errf func(path, format string, args ...any)) {
	for i, r := range roles {
		if strings.TrimSpace(r) == "" {
			errf(fmt.Sprintf("%s[%d]", path, i), "role name is empty")
		}
	}
}

func anyMappingRoles(m map[string]SchemaMapping) bool {
	for _, sm := range m {
		if len(sm.TargetSchemaSelectPermissions) > 0 {
			return true
		}
	}
	return false
}
