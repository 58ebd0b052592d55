package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// secretKeys never leave the process through Settings
var secretKeys = []string{
	"store.redis.password",
	"store.http.token",
	"tools.token",
}

// Runtime holds the live configuration. Rollback captures it with Settings
// and re-applies a captured copy with Apply.
type Runtime struct {
	mu        sync.RWMutex
	v         *viper.Viper
	cfg       *Config
	listeners []func(*Config)
}

// Load reads the configuration from path, or from config/config.yaml or
// ./config.yaml when path is empty. A missing default file is not an error;
// defaults and TIARA_ environment overrides still apply.
func Load(path string) (*Runtime, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Runtime{v: v, cfg: cfg}, nil
}

// FromMap builds a runtime from in-memory settings on top of the defaults
func FromMap(settings map[string]any) (*Runtime, error) {
	v := newViper()
	if len(settings) > 0 {
		if err := v.MergeConfigMap(settings); err != nil {
			return nil, fmt.Errorf("failed to merge settings: %w", err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Runtime{v: v, cfg: cfg}, nil
}

// Config returns the current configuration
func (r *Runtime) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// ConfigFile returns the file the configuration was read from, if any
func (r *Runtime) ConfigFile() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.v.ConfigFileUsed()
}

// OnChange registers fn to run after every successful Apply
func (r *Runtime) OnChange(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Settings returns the effective settings as a nested map with secrets removed
func (r *Runtime) Settings() map[string]any {
	r.mu.RLock()
	all := r.v.AllSettings()
	r.mu.RUnlock()

	for _, key := range secretKeys {
		deleteKey(all, key)
	}
	return all
}

// Apply merges settings over the current configuration. Invalid settings
// leave the current configuration untouched. Secrets are kept from the
// current configuration since Settings never exports them.
func (r *Runtime) Apply(settings map[string]any) error {
	r.mu.Lock()

	next := newViper()
	if err := next.MergeConfigMap(r.v.AllSettings()); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to copy settings: %w", err)
	}
	if err := next.MergeConfigMap(settings); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to merge settings: %w", err)
	}
	cfg, err := decode(next)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	r.v, r.cfg = next, cfg
	listeners := append([]func(*Config){}, r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

func deleteKey(m map[string]any, key string) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}
