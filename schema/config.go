package schema

import (
	"errors"
	"time"
)

// ServiceConfig defines defaults and limits for the session service.
type ServiceConfig struct {
	DefaultVariant KernelVariant
	RunningLabel   string
	QueuedLabel    string
	TickInterval   time.Duration
	MinElapsed     time.Duration
	// SaveTranscripts writes each session's records to the transcript store on shutdown.
	SaveTranscripts bool
}

const (
	// DefaultRunningLabel marks a record that is executing.
	DefaultRunningLabel = "Computing..."
	// DefaultQueuedLabel marks a record waiting for the worker.
	DefaultQueuedLabel = "Queued"
	// DefaultTickInterval is how often a running record's elapsed time is refreshed.
	DefaultTickInterval = 500 * time.Millisecond
	// DefaultMinElapsed is the run time below which no duration is shown.
	DefaultMinElapsed = time.Second
	// DefaultVariant is the kernel spec used when a start request names none.
	DefaultVariant KernelVariant = "python3"
)

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.DefaultVariant == "" {
		cfg.DefaultVariant = DefaultVariant
	}
	if cfg.RunningLabel == "" {
		cfg.RunningLabel = DefaultRunningLabel
	}
	if cfg.QueuedLabel == "" {
		cfg.QueuedLabel = DefaultQueuedLabel
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MinElapsed < 0 {
		return ServiceConfig{}, errors.New("min elapsed must not be negative")
	}
	if cfg.MinElapsed == 0 {
		cfg.MinElapsed = DefaultMinElapsed
	}
	return cfg, nil
}
