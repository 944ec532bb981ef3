package hooks

import (
	"fmt"
	"time"
)

// Config captures hook-related settings exposed via files/env.
type Config struct {
	Enabled    bool              `json:"enabled"`
	ScriptPath string            `json:"script_path"`
	ScriptArgs []string          `json:"script_args"`
	Env        map[string]string `json:"env"`
	Timeout    time.Duration     `json:"timeout"`
	// QueueSize bounds the async delivery queue; Workers drain it.
	QueueSize int `json:"queue_size"`
	Workers   int `json:"workers"`
}

// Validate ensures the configuration is coherent before we wire handlers.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ScriptPath == "" {
		return fmt.Errorf("hooks: script_path required when enabled")
	}
	if c.QueueSize < 0 || c.Workers < 0 {
		return fmt.Errorf("hooks: queue_size and workers must not be negative")
	}
	return nil
}

// BuildScriptHandler constructs the handler declared in Config.
func (c Config) BuildScriptHandler() Handler {
	if !c.Enabled {
		return nil
	}
	return NewScriptHandler(ScriptConfig{
		Command: c.ScriptPath,
		Args:    c.ScriptArgs,
		Env:     c.Env,
		Timeout: c.Timeout,
	})
}
