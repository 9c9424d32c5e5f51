// Package config loads layered configuration for the orchestration runtime.
//
// Precedence, highest to lowest: environment variables, project-local config
// file, user config file, built-in defaults. Every layer deep-merges over the
// one below it.
//
// Environment overrides use a prefix (default "OPENCODE_") with underscores
// as path separators: OPENCODE_PERFORMANCE_CONCURRENCY_DEFAULTLIMIT=10 sets
// performance.concurrency.defaultlimit = 10. Values are JSON-parsed with a
// plain-string fallback, so `=10` arrives as a number and `=ten` as a string.
//
// The legacy key "intentRouting" is accepted anywhere on read and rewritten
// to the canonical "intent_routing" on load and on save.
package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/dshills/opencode-go/orch/fault"
	"github.com/dshills/opencode-go/orch/statefile"
)

// DefaultEnvPrefix selects which environment variables are treated as
// overrides.
const DefaultEnvPrefix = "OPENCODE_"

// Key aliasing: legacy camelCase accepted on read, snake_case written out.
const (
	legacyIntentKey    = "intentRouting"
	canonicalIntentKey = "intent_routing"
)

// Config is a nested string-keyed tree, the shape JSON object files decode
// into.
type Config map[string]interface{}

// Options configures Load.
type Options struct {
	// Defaults is the built-in bottom layer. Nil means empty.
	Defaults Config

	// UserPath and ProjectPath are JSON config files; missing files are
	// skipped, unreadable or malformed ones are errors.
	UserPath    string
	ProjectPath string

	// EnvPrefix defaults to DefaultEnvPrefix. Environ overrides the
	// process environment in tests; nil means os.Environ().
	EnvPrefix string
	Environ   []string
}

// Load builds the effective configuration from all four layers.
func Load(opts Options) (Config, error) {
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = DefaultEnvPrefix
	}

	merged := Config{}
	deepMerge(merged, normalize(opts.Defaults))

	for _, path := range []string{opts.UserPath, opts.ProjectPath} {
		if path == "" {
			continue
		}
		layer, err := readFile(path)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, layer)
	}

	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	deepMerge(merged, envLayer(environ, opts.EnvPrefix))

	return merged, nil
}

// Save writes the configuration atomically with canonical key spelling.
func Save(path string, cfg Config) error {
	return statefile.WriteJSON(path, normalize(cfg))
}

// readFile loads and normalizes one JSON config file. A missing file yields
// an empty layer.
func readFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindConfig, "unreadable", "failed to read config file "+path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fault.Wrap(fault.KindConfig, "malformed", "failed to parse config file "+path, err)
	}
	return normalize(cfg), nil
}

// envLayer builds a config tree from prefixed environment variables.
func envLayer(environ []string, prefix string) Config {
	layer := Config{}
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
			continue
		}
		path := strings.Split(strings.ToLower(key[len(prefix):]), "_")
		setPath(layer, path, parseValue(value))
	}
	return layer
}

// parseValue JSON-parses an override value, falling back to the raw string.
func parseValue(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// setPath writes a value at a dotted path, creating intermediate maps. An
// existing scalar in the way is replaced by a map.
func setPath(cfg Config, path []string, value interface{}) {
	for i, key := range path {
		if i == len(path)-1 {
			cfg[key] = value
			return
		}
		next, ok := cfg[key].(Config)
		if !ok {
			if raw, isMap := cfg[key].(map[string]interface{}); isMap {
				next = Config(raw)
			} else {
				next = Config{}
			}
			cfg[key] = next
		}
		cfg = next
	}
}

// deepMerge overlays src onto dst: nested maps merge recursively, everything
// else overwrites.
func deepMerge(dst Config, src Config) {
	for key, sv := range src {
		sm, sIsMap := asMap(sv)
		dm, dIsMap := asMap(dst[key])
		if sIsMap && dIsMap {
			deepMerge(dm, sm)
			dst[key] = dm
			continue
		}
		dst[key] = sv
	}
}

// normalize deep-copies the tree, rewriting legacy keys to their canonical
// spelling at every level.
func normalize(cfg Config) Config {
	out := Config{}
	for key, value := range cfg {
		if key == legacyIntentKey {
			key = canonicalIntentKey
		}
		if m, ok := asMap(value); ok {
			out[key] = normalize(m)
			continue
		}
		out[key] = value
	}
	return out
}

func asMap(v interface{}) (Config, bool) {
	switch m := v.(type) {
	case Config:
		return m, true
	case map[string]interface{}:
		return Config(m), true
	default:
		return nil, false
	}
}

// Get returns the value at a dotted path.
func (c Config) Get(path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = c
	for _, part := range parts {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// GetString returns a string at the path, or fallback.
func (c Config) GetString(path, fallback string) string {
	if v, ok := c.Get(path); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// GetInt returns an integer at the path, or fallback. JSON numbers arrive as
// float64 and are truncated.
func (c Config) GetInt(path string, fallback int) int {
	if v, ok := c.Get(path); ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return fallback
}

// GetFloat returns a float at the path, or fallback.
func (c Config) GetFloat(path string, fallback float64) float64 {
	if v, ok := c.Get(path); ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return fallback
}

// GetBool returns a bool at the path, or fallback.
func (c Config) GetBool(path string, fallback bool) bool {
	if v, ok := c.Get(path); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}
