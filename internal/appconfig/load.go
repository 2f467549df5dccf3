package appconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("jupyter.url", cfg.Jupyter.URL)
	v.SetDefault("jupyter.token", cfg.Jupyter.Token)
	v.SetDefault("jupyter.default_kernel", cfg.Jupyter.DefaultKernel)
	v.SetDefault("jupyter.connect_timeout_seconds", cfg.Jupyter.ConnectTimeoutSeconds)
	v.SetDefault("jupyter.event_buffer", cfg.Jupyter.EventBuffer)
	v.SetDefault("session.running_label", cfg.Session.RunningLabel)
	v.SetDefault("session.queued_label", cfg.Session.QueuedLabel)
	v.SetDefault("session.tick_interval_ms", cfg.Session.TickIntervalMS)
	v.SetDefault("session.min_elapsed_ms", cfg.Session.MinElapsedMS)
	v.SetDefault("session.save_transcripts", cfg.Session.SaveTranscripts)
	v.SetDefault("images.dir", cfg.Images.Dir)
	v.SetDefault("images.viewer", cfg.Images.Viewer)
	v.SetDefault("images.show", cfg.Images.Show)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.hub_history", cfg.HTTP.HubHistory)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateJupyterConfig(cfg.Jupyter); err != nil {
		return Config{}, err
	}
	if err := validateSessionConfig(cfg.Session); err != nil {
		return Config{}, err
	}
	if err := validateHTTPConfig(cfg.HTTP); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateJupyterConfig(cfg JupyterConfig) error {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return fmt.Errorf("jupyter.url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("jupyter.url must be an http or https URL (e.g. http://127.0.0.1:8888)")
	}
	if cfg.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("jupyter.connect_timeout_seconds must not be negative")
	}
	if cfg.EventBuffer < 0 {
		return fmt.Errorf("jupyter.event_buffer must not be negative")
	}
	return nil
}

func validateSessionConfig(cfg SessionConfig) error {
	if cfg.TickIntervalMS < 0 {
		return fmt.Errorf("session.tick_interval_ms must not be negative")
	}
	if cfg.MinElapsedMS < 0 {
		return fmt.Errorf("session.min_elapsed_ms must not be negative")
	}
	return nil
}

func validateHTTPConfig(cfg HTTPConfig) error {
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Jupyter.URL = expandEnv(cfg.Jupyter.URL)
	cfg.Jupyter.Token = expandEnv(cfg.Jupyter.Token)
	cfg.Images.Dir = expandEnv(cfg.Images.Dir)
	cfg.Images.Viewer = expandEnv(cfg.Images.Viewer)
}

// expandEnv substitutes $VAR and ${VAR}. Unset variables expand to the
// empty string except UID and GID, which fall back to the process ids.
func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return ""
	})
}

func lookupEnv(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

const defaultHeader = "# kernelq configuration. Values may reference $VAR or ${VAR}.\n"

// WriteDefault writes the default config to path and returns the path
// written. An existing file is only replaced when overwrite is set.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}
	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.WriteString(defaultHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("encode default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("config already exists at %s", path)
		}
		return "", err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return "", err
	}
	return path, f.Close()
}
