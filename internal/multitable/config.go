package multitable

// Options is the slice of the target configuration the engine consumes. It is
// derived from config.Config by OptionsFrom; tests build it directly.

import (
	"time"

	"singerwh/internal/buffer"
	"singerwh/internal/config"
)

type Options struct {
	Limits buffer.Limits

	// FlushAllStreams flushes every buffer whenever one reaches a threshold.
	FlushAllStreams bool

	// BatchWaitLimit forces a flush of every non-empty buffer at this interval.
	// Zero disables it.
	BatchWaitLimit time.Duration

	// PrimaryKeyRequired rejects SCHEMA messages without key properties.
	PrimaryKeyRequired bool

	// Metadata adds the _sdc_* columns. Hard delete implies it.
	Metadata bool

	// MaxLevel is the object flattening depth.
	MaxLevel int

	// ValidateRecords checks each record against its JSON schema. Invalid
	// records are rejected and counted; the stream continues.
	ValidateRecords bool

	// TargetSchema maps a stream to its warehouse schema.
	TargetSchema func(stream string) string

	Parallelism    int
	MaxParallelism int

	// Now stamps _sdc_batched_at. Defaults to time.Now.
	Now func() time.Time
}

// OptionsFrom derives engine options from cfg.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		Limits:             cfg.Limits(),
		FlushAllStreams:    cfg.FlushAllStreams,
		BatchWaitLimit:     cfg.BatchWaitLimit(),
		PrimaryKeyRequired: cfg.PrimaryKeyRequired,
		Metadata:           cfg.AddMetadataColumns || cfg.HardDelete,
		MaxLevel:           cfg.DataFlatteningMaxLevel,
		ValidateRecords:    cfg.ValidateRecords,
		TargetSchema:       cfg.TargetSchema,
		Parallelism:        cfg.Parallelism,
		MaxParallelism:     cfg.MaxParallelism,
	}
}
