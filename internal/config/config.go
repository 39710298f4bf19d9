// Package config loads the broker's structured configuration from a YAML
// file, a sibling .env, and environment overrides, and can watch the YAML
// file for hot reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"codegate-broker/internal/oauthflow"
	"codegate-broker/internal/usage"
)

// Config is the full set of knobs the broker reads at startup.
type Config struct {
	ListenAddr       string                   `yaml:"listen_addr"`
	MetricsAddr      string                   `yaml:"metrics_addr"`
	DatabasePath     string                   `yaml:"database_path"`
	LogLevel         string                   `yaml:"log_level"`
	LogJSON          bool                     `yaml:"log_json"`
	SessionWindowMs  int64                    `yaml:"session_window_ms"`
	RefreshLeewayMs  int64                    `yaml:"refresh_leeway_ms"`
	RefreshSweepCron string                   `yaml:"refresh_sweep_cron"`
	EncryptionKeyHex string                   `yaml:"encryption_key_hex"`
	ClientID         string                   `yaml:"client_id"`
	Pricing          map[string]usage.Pricing `yaml:"pricing"`
}

func defaults() Config {
	return Config{
		ListenAddr:       ":8787",
		MetricsAddr:      ":9090",
		DatabasePath:     "~/.codegate-broker/broker.db",
		LogLevel:         "info",
		LogJSON:          false,
		SessionWindowMs:  int64(5 * 60 * 60 * 1000),
		RefreshLeewayMs:  int64(2 * 60 * 1000),
		RefreshSweepCron: "*/5 * * * *",
		ClientID:         oauthflow.DefaultAnthropicClientID,
	}
}

// Load reads path (YAML), a sibling .env in the same directory if present,
// applies environment variable overrides, and expands ~ in DatabasePath.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if envPath := filepath.Join(filepath.Dir(path), ".env"); fileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	if fileExists(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	expanded, err := homedir.Expand(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("expand database_path: %w", err)
	}
	cfg.DatabasePath = expanded

	if len(cfg.Pricing) == 0 {
		cfg.Pricing = usage.DefaultPricing
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODEGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CODEGATE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CODEGATE_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("CODEGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CODEGATE_ENCRYPTION_KEY_HEX"); v != "" {
		cfg.EncryptionKeyHex = v
	}
	if v := os.Getenv("CODEGATE_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Watcher reloads a Config whenever its source file changes on disk.
type Watcher struct {
	fsw *fsnotify.Watcher
	mu  sync.Mutex
}

// Watch starts watching path for writes and calls onChange with the
// freshly reloaded Config after each one. Parse errors are swallowed (the
// previous valid Config keeps being used) since a reload is triggered by an
// editor that may write a file mid-save, in multiple steps.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{fsw: fsw}

	go func() {
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if cfg, err := Load(path); err == nil {
					onChange(cfg)
				}
			case _, ok := <-fsw.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsw.Close()
}
