package fathom

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the file-loadable form of the runtime knobs. Zero values mean
// "use the default"; Options() translates the populated fields into
// construction options.
type Config struct {
	MaxParallelTools      int    `toml:"max_parallel_tools"`
	MaxStepsPerTurn       int    `toml:"max_steps_per_turn"`
	ModelRequestRetries   int    `toml:"model_request_retries"`
	ModelRequestTimeoutMS int    `toml:"model_request_timeout_ms"`
	ToolTimeoutMS         int    `toml:"tool_timeout_ms"`
	TurnTimeoutMS         int    `toml:"turn_timeout_ms"`
	SessionStorageDir     string `toml:"session_storage_dir"`
	BypassToolConsent     bool   `toml:"bypass_tool_consent"`
}

// LoadConfig reads a TOML config file. Unknown keys are rejected so typos
// fail loudly at startup instead of silently running on defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown key %q", path, undec[0].String())
	}
	return cfg, nil
}

// Options translates the populated fields into agent options. Zero-valued
// fields contribute nothing, so file config layers under code config.
// SessionStorageDir has no agent option and is not translated.
func (c Config) Options() []Option {
	var opts []Option
	if c.MaxParallelTools > 0 {
		opts = append(opts, WithMaxParallelTools(c.MaxParallelTools))
	}
	if c.MaxStepsPerTurn > 0 {
		opts = append(opts, WithMaxSteps(c.MaxStepsPerTurn))
	}
	if c.ModelRequestRetries > 0 {
		opts = append(opts, WithModelRetries(c.ModelRequestRetries))
	}
	if c.ModelRequestTimeoutMS > 0 {
		opts = append(opts, WithModelTimeout(time.Duration(c.ModelRequestTimeoutMS)*time.Millisecond))
	}
	if c.ToolTimeoutMS > 0 {
		opts = append(opts, WithToolTimeout(time.Duration(c.ToolTimeoutMS)*time.Millisecond))
	}
	if c.TurnTimeoutMS > 0 {
		opts = append(opts, WithTurnTimeout(time.Duration(c.TurnTimeoutMS)*time.Millisecond))
	}
	if c.BypassToolConsent {
		opts = append(opts, WithBypassToolConsent())
	}
	return opts
}
