// Package config loads and validates the process-wide settings that every
// other package in this module reads from: cache location, retry policy,
// JSON-patching policy, and the handful of thresholds that govern model
// health and fallback behavior.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RetryStrategy names a backoff shape for Config.Retry.
type RetryStrategy string

const (
	RetryExponential     RetryStrategy = "exponential"
	RetryFixed           RetryStrategy = "fixed"
	RetryRandomExponent  RetryStrategy = "random-exponential"
	RetryNone            RetryStrategy = "none"
)

// RetryPolicy governs the application-level retry wrapped around a full
// generate-or-chat attempt (see pkg/modelmanager).
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Strategy    RetryStrategy `json:"strategy" yaml:"strategy"`
	MinWait     float64       `json:"min_wait" yaml:"min_wait"` // seconds
	MaxWait     float64       `json:"max_wait" yaml:"max_wait"` // seconds
}

// JSONPatchingPolicy governs the re-prompt loop used to coax a model into
// producing schema-valid JSON.
type JSONPatchingPolicy struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts"`
	FallbackToText  bool   `json:"fallback_to_text" yaml:"fallback_to_text"`
	PatchingPrompt  string `json:"patching_prompt" yaml:"patching_prompt"`
}

// Config is the immutable, process-scoped configuration for the whole
// system. Zero value is not valid; use Default() or Load().
type Config struct {
	APIBase          string             `json:"api_base" yaml:"api_base"`
	CacheDir         string             `json:"cache_dir" yaml:"cache_dir"`
	RequestTimeout   float64            `json:"request_timeout" yaml:"request_timeout"`
	Retry            RetryPolicy        `json:"retry" yaml:"retry"`
	JSONPatching     JSONPatchingPolicy `json:"json_patching" yaml:"json_patching"`
	SimulationMode   bool               `json:"simulation_mode" yaml:"simulation_mode"`
	PreloadModels    bool               `json:"preload_models" yaml:"preload_models"`
	SequentialExec   bool               `json:"sequential_execution" yaml:"sequential_execution"`
	FallbackThreshold int               `json:"fallback_threshold" yaml:"fallback_threshold"`
	MinResponseLength int               `json:"min_response_length" yaml:"min_response_length"`
	LogLevel         string             `json:"log_level" yaml:"log_level"`
	LogFormat        string             `json:"log_format" yaml:"log_format"`
	RemotePatchProvider string          `json:"remote_patch_provider" yaml:"remote_patch_provider"`
	VerboseOutput    bool               `json:"verbose_output" yaml:"verbose_output"`
	DebugMode        bool               `json:"debug_mode" yaml:"debug_mode"`
}

// Default returns the baseline configuration, matching the original
// system's documented defaults.
func Default() Config {
	return Config{
		APIBase:        "http://localhost:11434",
		CacheDir:       ".pasture_cache",
		RequestTimeout: 90.0,
		Retry: RetryPolicy{
			MaxAttempts: 2,
			Strategy:    RetryExponential,
			MinWait:     2.0,
			MaxWait:     10.0,
		},
		JSONPatching: JSONPatchingPolicy{
			Enabled:        true,
			MaxAttempts:    2,
			FallbackToText: true,
			PatchingPrompt: defaultPatchingPrompt,
		},
		SimulationMode:    false,
		PreloadModels:     true,
		SequentialExec:    true,
		FallbackThreshold: 2,
		MinResponseLength: 10,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

const defaultPatchingPrompt = "The following text should be valid JSON matching this schema:\n{schema}\n\nFix the JSON below so it validates. Return only the corrected JSON, nothing else.\n\n{text}"

// Load reads a JSON or YAML config file and overlays it on Default(). A
// missing file silently returns Default() (logged at debug level). A file
// that fails to parse also falls back to Default(), logged as a warning —
// this system never fails startup over a bad config file.
func Load(path string, logger *slog.Logger) Config {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()
	if path == "" {
		return cfg
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Debug("config file not found, using defaults", "path", path, "error", err)
		return cfg
	}
	if err := decodeInto(path, raw, &cfg); err != nil {
		logger.Warn("config file failed to parse, using defaults", "path", path, "error", err)
		return Default()
	}
	return cfg
}

func decodeInto(path string, raw []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(raw, cfg)
	case ".json", "":
		return json.Unmarshal(raw, cfg)
	default:
		// Try JSON first, then YAML — both are supersets of common typos.
		if err := json.Unmarshal(raw, cfg); err == nil {
			return nil
		}
		return yaml.Unmarshal(raw, cfg)
	}
}

// Validate collects every invariant violation rather than stopping at the
// first, matching the teacher's pipeline.Validate style.
func (c Config) Validate() error {
	var errs []string
	if c.Retry.MaxWait < c.Retry.MinWait {
		errs = append(errs, fmt.Sprintf("retry.max_wait (%.2f) must be >= retry.min_wait (%.2f)", c.Retry.MaxWait, c.Retry.MinWait))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("request_timeout must be > 0, got %.2f", c.RequestTimeout))
	}
	if c.FallbackThreshold < 0 {
		errs = append(errs, fmt.Sprintf("fallback_threshold must be >= 0, got %d", c.FallbackThreshold))
	}
	switch c.Retry.Strategy {
	case RetryExponential, RetryFixed, RetryRandomExponent, RetryNone:
	default:
		errs = append(errs, fmt.Sprintf("retry.strategy %q is not one of exponential|fixed|random-exponential|none", c.Retry.Strategy))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config invalid: %s", strings.Join(errs, "; "))
}
