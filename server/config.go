package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/relay"
	"github.com/papercomputeco/chatrelay/pkg/upstream"
)

// Config is the server configuration, loaded from a TOML file with
// environment overrides applied on top.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
}

// ServerConfig controls the HTTP surface and storage.
type ServerConfig struct {
	// Address to listen on (e.g., ":5000")
	ListenAddr string `toml:"listen"`

	// DBPath is the path to the SQLite database file.
	// Empty or ":memory:" keeps everything in memory.
	DBPath string `toml:"db_path"`

	Debug bool `toml:"debug"`

	// Stream requests streaming completions for the send-stream endpoint.
	Stream bool `toml:"stream"`

	HistoryLimit int `toml:"history_limit"`
}

// UpstreamConfig holds the default upstream settings. Values saved at
// runtime through the admin endpoints take precedence.
type UpstreamConfig struct {
	URL          string        `toml:"url"`
	Key          string        `toml:"key"`
	Model        string        `toml:"model"`
	ChatTimeout  time.Duration `toml:"chat_timeout"`
	TestTimeout  time.Duration `toml:"test_timeout"`
	StallTimeout time.Duration `toml:"stall_timeout"`
	DemoDelay    time.Duration `toml:"demo_delay"`
	Temperature  float32       `toml:"temperature"`
	MaxTokens    int           `toml:"max_tokens"`
}

// Environment variables overriding the file.
const (
	EnvAPIURL = "OPENAI_API_URL"
	EnvAPIKey = "OPENAI_API_KEY"
	EnvModel  = "OPENAI_MODEL"
	EnvListen = "CHATRELAY_LISTEN"
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	uc := upstream.DefaultConfig()
	rc := relay.DefaultConfig()

	return Config{
		Server: ServerConfig{
			ListenAddr:   ":5000",
			Stream:       rc.Stream,
			HistoryLimit: rc.HistoryLimit,
		},
		Upstream: UpstreamConfig{
			URL:          upstream.DefaultURL,
			Model:        upstream.DefaultModel,
			ChatTimeout:  uc.ChatTimeout,
			TestTimeout:  uc.TestTimeout,
			StallTimeout: uc.StallTimeout,
			DemoDelay:    uc.DemoDelay,
			Temperature:  uc.Options.Temperature,
			MaxTokens:    uc.Options.MaxTokens,
		},
	}
}

// LoadConfig reads path over the defaults and applies environment
// overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("could not decode config %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides replaces file values with any set environment variables.
func (c *Config) ApplyEnvOverrides() {
	if url := os.Getenv(EnvAPIURL); url != "" {
		c.Upstream.URL = url
	}

	if key := os.Getenv(EnvAPIKey); key != "" {
		c.Upstream.Key = key
	}

	if model := os.Getenv(EnvModel); model != "" {
		c.Upstream.Model = model
	}

	if listen := os.Getenv(EnvListen); listen != "" {
		c.Server.ListenAddr = listen
	}
}

// Settings returns the default upstream settings.
func (c Config) Settings() upstream.Settings {
	return upstream.Settings{
		URL:   strings.TrimSpace(c.Upstream.URL),
		Key:   strings.TrimSpace(c.Upstream.Key),
		Model: strings.TrimSpace(c.Upstream.Model),
	}
}

// UpstreamClientConfig returns the upstream client tuning.
func (c Config) UpstreamClientConfig() upstream.Config {
	return upstream.Config{
		ChatTimeout:  c.Upstream.ChatTimeout,
		TestTimeout:  c.Upstream.TestTimeout,
		StallTimeout: c.Upstream.StallTimeout,
		DemoDelay:    c.Upstream.DemoDelay,
		Options: llm.Options{
			Temperature: c.Upstream.Temperature,
			MaxTokens:   c.Upstream.MaxTokens,
		},
	}
}

// RelayConfig returns the relay tuning.
func (c Config) RelayConfig() relay.Config {
	return relay.Config{
		HistoryLimit: c.Server.HistoryLimit,
		Stream:       c.Server.Stream,
	}
}

// WatchConfig reloads path whenever it changes and passes the result to
// onChange. It watches the parent directory so editors that replace the
// file on save are still seen. It blocks until ctx is done.
func WatchConfig(ctx context.Context, path string, logger *zap.Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("could not watch %s: %w", filepath.Dir(abs), err)
	}

	logger.Debug("watching config file", zap.String("path", abs))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := LoadConfig(abs)
			if err != nil {
				logger.Warn("ignoring invalid config change", zap.Error(err))
				continue
			}

			logger.Info("config reloaded", zap.String("path", abs))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warn("config watcher overflowed", zap.Error(err))
				continue
			}
			logger.Error("config watcher failed", zap.Error(err))
		}
	}
}
