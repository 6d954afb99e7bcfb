package config

import (
	"fmt"
	"sync"
)

var (
	global   *Config
	globalMu sync.RWMutex
	initOnce sync.Once
)

// Initialize loads the process-wide configuration from path with
// environment overrides. Only the first call has any effect.
func Initialize(path string) error {
	var initErr error
	initOnce.Do(func() {
		cfg, err := LoadConfigWithEnvOverrides(path)
		if err != nil {
			initErr = err
			return
		}
		SetConfig(cfg)
	})
	return initErr
}

// GetConfig returns the process-wide configuration, or nil before
// Initialize succeeds.
func GetConfig() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// SetConfig replaces the process-wide configuration. Mostly for tests.
func SetConfig(cfg *Config) {
	globalMu.Lock()
	global = cfg
	globalMu.Unlock()
}

// ReloadConfig re-reads path. The current configuration is kept when the
// new one fails to load or validate.
func ReloadConfig(path string) (*Config, error) {
	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return nil, fmt.Errorf("failed to reload configuration: %w", err)
	}
	SetConfig(cfg)
	return cfg, nil
}

// MustGetConfig is GetConfig but panics before initialization.
func MustGetConfig() *Config {
	cfg := GetConfig()
	if cfg == nil {
		panic("configuration not initialized: call Initialize first")
	}
	return cfg
}
