package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/kernelq/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Jupyter       JupyterConfig `mapstructure:"jupyter" yaml:"jupyter"`
	Session       SessionConfig `mapstructure:"session" yaml:"session"`
	Images        ImagesConfig  `mapstructure:"images" yaml:"images"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// JupyterConfig points at the Jupyter server that hosts the kernels.
type JupyterConfig struct {
	URL                   string `mapstructure:"url" yaml:"url"`
	Token                 string `mapstructure:"token" yaml:"token"`
	DefaultKernel         string `mapstructure:"default_kernel" yaml:"default_kernel"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	EventBuffer           int    `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// SessionConfig controls per-session rendering and lifecycle.
type SessionConfig struct {
	RunningLabel    string `mapstructure:"running_label" yaml:"running_label"`
	QueuedLabel     string `mapstructure:"queued_label" yaml:"queued_label"`
	TickIntervalMS  int    `mapstructure:"tick_interval_ms" yaml:"tick_interval_ms"`
	MinElapsedMS    int    `mapstructure:"min_elapsed_ms" yaml:"min_elapsed_ms"`
	SaveTranscripts bool   `mapstructure:"save_transcripts" yaml:"save_transcripts"`
}

// ImagesConfig controls where images are written and how they are shown.
type ImagesConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Viewer is a command line the image path is appended to. Empty picks
	// the platform opener.
	Viewer string `mapstructure:"viewer" yaml:"viewer"`
	Show   bool   `mapstructure:"show" yaml:"show"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr       string `mapstructure:"addr" yaml:"addr"`
	BasePath   string `mapstructure:"base_path" yaml:"base_path"`
	HubHistory int    `mapstructure:"hub_history" yaml:"hub_history"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".kernelq", "state"),
		Jupyter: JupyterConfig{
			URL:                   "http://127.0.0.1:8888",
			Token:                 "${JUPYTER_TOKEN}",
			DefaultKernel:         string(schema.DefaultVariant),
			ConnectTimeoutSeconds: 30,
			EventBuffer:           1024,
		},
		Session: SessionConfig{
			RunningLabel:    schema.DefaultRunningLabel,
			QueuedLabel:     schema.DefaultQueuedLabel,
			TickIntervalMS:  int(schema.DefaultTickInterval.Milliseconds()),
			MinElapsedMS:    int(schema.DefaultMinElapsed.Milliseconds()),
			SaveTranscripts: true,
		},
		Images: ImagesConfig{
			Dir:    "",
			Viewer: "",
			Show:   true,
		},
		HTTP: HTTPConfig{
			Addr:       "127.0.0.1:27490",
			BasePath:   "",
			HubHistory: 1000,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kernelq", "config.yaml"), nil
}

// TranscriptDir is where session transcripts are written.
func (c Config) TranscriptDir() string {
	return filepath.Join(c.StateDir, "transcripts")
}

// ServiceConfig converts the session settings into the core service config.
func (c Config) ServiceConfig() schema.ServiceConfig {
	return schema.ServiceConfig{
		DefaultVariant:  schema.KernelVariant(c.Jupyter.DefaultKernel),
		RunningLabel:    c.Session.RunningLabel,
		QueuedLabel:     c.Session.QueuedLabel,
		TickInterval:    time.Duration(c.Session.TickIntervalMS) * time.Millisecond,
		MinElapsed:      time.Duration(c.Session.MinElapsedMS) * time.Millisecond,
		SaveTranscripts: c.Session.SaveTranscripts,
	}
}
