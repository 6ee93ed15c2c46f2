package upstream

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/papercomputeco/chatrelay/pkg/store"
)

// ConfigStore keys holding the runtime upstream settings.
const (
	KeyAPIURL = "openai_api_url"
	KeyAPIKey = "openai_api_key"
	KeyModel  = "openai_model"
)

const (
	DefaultURL   = "https://api.siliconflow.cn/v1/chat/completions"
	DefaultModel = "Qwen/Qwen2-7B-Instruct"
)

// Settings locate and authenticate the upstream chat completion endpoint.
type Settings struct {
	URL   string `json:"api_url" toml:"url"`
	Key   string `json:"api_key" toml:"key"`
	Model string `json:"model" toml:"model"`
}

// Masked returns a copy safe to show to callers.
func (s Settings) Masked() Settings {
	if len(s.Key) > 8 {
		s.Key = s.Key[:4] + "..." + s.Key[len(s.Key)-4:]
	} else if s.Key != "" {
		s.Key = "****"
	}
	return s
}

// merge fills empty fields of s from fallback.
func (s Settings) merge(fallback Settings) Settings {
	if s.URL == "" {
		s.URL = fallback.URL
	}
	if s.Key == "" {
		s.Key = fallback.Key
	}
	if s.Model == "" {
		s.Model = fallback.Model
	}
	return s
}

// Resolver produces the effective Settings: values saved in the
// ConfigStore win over the process defaults (config file and environment).
type Resolver struct {
	store    store.ConfigStore
	defaults atomic.Pointer[Settings]
}

// NewResolver creates a Resolver reading overrides from cs.
func NewResolver(cs store.ConfigStore, defaults Settings) *Resolver {
	r := &Resolver{store: cs}
	r.SetDefaults(defaults)
	return r
}

// SetDefaults replaces the process defaults, e.g. after a config reload.
func (r *Resolver) SetDefaults(defaults Settings) {
	defaults = defaults.merge(Settings{URL: DefaultURL, Model: DefaultModel})
	r.defaults.Store(&defaults)
}

// Defaults returns the current process defaults.
func (r *Resolver) Defaults() Settings {
	return *r.defaults.Load()
}

// Resolve returns the effective settings.
func (r *Resolver) Resolve(ctx context.Context) (Settings, error) {
	var (
		s   Settings
		err error
	)

	if s.URL, err = r.store.GetConfig(ctx, KeyAPIURL, ""); err != nil {
		return Settings{}, fmt.Errorf("read %s: %w", KeyAPIURL, err)
	}
	if s.Key, err = r.store.GetConfig(ctx, KeyAPIKey, ""); err != nil {
		return Settings{}, fmt.Errorf("read %s: %w", KeyAPIKey, err)
	}
	if s.Model, err = r.store.GetConfig(ctx, KeyModel, ""); err != nil {
		return Settings{}, fmt.Errorf("read %s: %w", KeyModel, err)
	}

	return s.merge(r.Defaults()), nil
}

// Save persists s as the runtime override.
func (r *Resolver) Save(ctx context.Context, s Settings) error {
	if err := r.store.SetConfig(ctx, KeyAPIURL, s.URL, "OpenAI API URL"); err != nil {
		return err
	}
	if err := r.store.SetConfig(ctx, KeyAPIKey, s.Key, "OpenAI API Key"); err != nil {
		return err
	}
	return r.store.SetConfig(ctx, KeyModel, s.Model, "OpenAI Model Name")
}
