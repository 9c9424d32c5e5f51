package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// TestLayerPrecedence verifies env > project > user > defaults at every path.
func TestLayerPrecedence(t *testing.T) {
	dir := t.TempDir()
	user := writeConfig(t, dir, "user.json", `{
		"model": "gpt-4o",
		"performance": {"concurrency": {"defaultlimit": 3}},
		"logging": {"level": "debug"}
	}`)
	project := writeConfig(t, dir, "project.json", `{
		"model": "claude-3-haiku",
		"performance": {"concurrency": {"defaultlimit": 5}}
	}`)

	cfg, err := Load(Options{
		Defaults:    Config{"model": "default-model", "retries": float64(3)},
		UserPath:    user,
		ProjectPath: project,
		Environ:     []string{"OPENCODE_PERFORMANCE_CONCURRENCY_DEFAULTLIMIT=10"},
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	// Test 1: env beats project beats user.
	if got := cfg.GetInt("performance.concurrency.defaultlimit", -1); got != 10 {
		t.Errorf("expected env override 10, got %d", got)
	}

	// Test 2: project beats user where env is silent.
	if got := cfg.GetString("model", ""); got != "claude-3-haiku" {
		t.Errorf("expected project model, got %q", got)
	}

	// Test 3: deep merge keeps sibling keys from lower layers.
	if got := cfg.GetString("logging.level", ""); got != "debug" {
		t.Errorf("expected user logging.level preserved, got %q", got)
	}

	// Test 4: defaults survive where nothing overrides them.
	if got := cfg.GetInt("retries", -1); got != 3 {
		t.Errorf("expected default retries 3, got %d", got)
	}
}

// TestEnvValueParsing verifies JSON-parse-then-string-fallback semantics.
func TestEnvValueParsing(t *testing.T) {
	cfg, err := Load(Options{Environ: []string{
		"OPENCODE_LIMITS_MAX=42",
		"OPENCODE_LIMITS_RATIO=0.5",
		"OPENCODE_FEATURES_EVOLUTION=true",
		"OPENCODE_MODEL=claude-3-haiku",
		"OPENCODE_TAGS=[\"a\",\"b\"]",
		"UNRELATED_VAR=ignored",
		"OPENCODE_=ignored",
	}})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if got := cfg.GetInt("limits.max", -1); got != 42 {
		t.Errorf("expected number 42, got %d", got)
	}
	if got := cfg.GetFloat("limits.ratio", -1); got != 0.5 {
		t.Errorf("expected 0.5, got %f", got)
	}
	if got := cfg.GetBool("features.evolution", false); !got {
		t.Error("expected bool true")
	}
	// Bare words fail JSON parsing and arrive as strings.
	if got := cfg.GetString("model", ""); got != "claude-3-haiku" {
		t.Errorf("expected string fallback, got %q", got)
	}
	if v, ok := cfg.Get("tags"); !ok {
		t.Error("expected tags array set")
	} else if arr, isArr := v.([]interface{}); !isArr || len(arr) != 2 {
		t.Errorf("expected JSON array of 2, got %v", v)
	}
	if _, ok := cfg.Get("unrelated"); ok {
		t.Error("unprefixed variable leaked into config")
	}
}

// TestLegacyKeyNormalization verifies intentRouting is accepted on read and
// rewritten as intent_routing.
func TestLegacyKeyNormalization(t *testing.T) {
	dir := t.TempDir()
	user := writeConfig(t, dir, "user.json", `{
		"intentRouting": {"enabled": true},
		"nested": {"intentRouting": {"mode": "strict"}}
	}`)

	cfg, err := Load(Options{UserPath: user, Environ: []string{}})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	// Test 1: canonical spelling resolves, legacy does not survive.
	if !cfg.GetBool("intent_routing.enabled", false) {
		t.Error("expected intent_routing.enabled true")
	}
	if _, ok := cfg.Get("intentRouting"); ok {
		t.Error("legacy key should be rewritten on load")
	}

	// Test 2: normalization applies at every depth.
	if got := cfg.GetString("nested.intent_routing.mode", ""); got != "strict" {
		t.Errorf("expected nested normalization, got %q", got)
	}
}

// TestSaveCanonicalizes verifies Save emits intent_routing and Load reads it
// back.
func TestSaveCanonicalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	in := Config{"intentRouting": map[string]interface{}{"enabled": true}}
	if err := Save(path, in); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if !strings.Contains(string(data), `"intent_routing"`) {
		t.Errorf("expected canonical key in output, got %s", data)
	}
	if strings.Contains(string(data), `"intentRouting"`) {
		t.Errorf("legacy key leaked into output: %s", data)
	}

	cfg, err := Load(Options{UserPath: path, Environ: []string{}})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !cfg.GetBool("intent_routing.enabled", false) {
		t.Error("round trip lost the flag")
	}
}

// TestMissingAndMalformedFiles verifies missing files are skipped and broken
// ones fail loudly.
func TestMissingAndMalformedFiles(t *testing.T) {
	dir := t.TempDir()

	// Test 1: a missing path is an empty layer.
	cfg, err := Load(Options{
		Defaults: Config{"model": "fallback"},
		UserPath: filepath.Join(dir, "nope.json"),
		Environ:  []string{},
	})
	if err != nil {
		t.Fatalf("missing file should be skipped: %v", err)
	}
	if got := cfg.GetString("model", ""); got != "fallback" {
		t.Errorf("expected defaults to survive, got %q", got)
	}

	// Test 2: malformed JSON is an error.
	bad := writeConfig(t, dir, "bad.json", `{not json`)
	if _, err := Load(Options{UserPath: bad, Environ: []string{}}); err == nil {
		t.Error("expected an error for malformed config")
	}
}

// TestEnvScalarReplacedByMap verifies a deeper env path wins over a scalar at
// the parent from a lower layer.
func TestEnvScalarReplacedByMap(t *testing.T) {
	cfg, err := Load(Options{
		Defaults: Config{"performance": "fast"},
		Environ:  []string{"OPENCODE_PERFORMANCE_MODE=careful"},
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := cfg.GetString("performance.mode", ""); got != "careful" {
		t.Errorf("expected nested override, got %q", got)
	}
}
