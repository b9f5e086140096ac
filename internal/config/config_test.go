package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTemp(t, `
server:
  address: "0.0.0.0:8080"
sources:
  - id: c1
    type: counter
    lazy: true
    counter:
      interval_ms: 250
      min: 0
  - id: k1
    type: kafka
    kafka:
      bootstrap_servers: ["localhost:9092"]
      topic: "events"
plugins:
  authenticate:
    path: "./plugins/auth.wasm"
  intercept:
    source_bindings:
      k1: "./plugins/filter.wasm"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(cfg.Sources))
	}
	if cfg.Sources[0].Counter.CounterInterval().Milliseconds() != 250 {
		t.Errorf("expected 250ms interval, got %v", cfg.Sources[0].Counter.CounterInterval())
	}

	path2, ok := cfg.Plugins.InterceptBindingFor("k1")
	if !ok || path2 != "./plugins/filter.wasm" {
		t.Errorf("expected intercept binding for k1, got %q ok=%v", path2, ok)
	}
	if _, ok := cfg.Plugins.InterceptBindingFor("c1"); ok {
		t.Errorf("expected no intercept binding for c1")
	}
}

func TestLoad_DuplicateSourceID(t *testing.T) {
	path := writeTemp(t, `
server:
  address: "0.0.0.0:8080"
sources:
  - id: dup
    type: counter
    counter: { interval_ms: 100, min: 0 }
  - id: dup
    type: counter
    counter: { interval_ms: 100, min: 0 }
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate source id")
	}
}

func TestLoad_MissingServerAddress(t *testing.T) {
	path := writeTemp(t, `
sources: []
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing server.address")
	}
}

func TestLoad_KafkaMissingTopic(t *testing.T) {
	path := writeTemp(t, `
server:
  address: "0.0.0.0:8080"
sources:
  - id: k1
    type: kafka
    kafka:
      bootstrap_servers: ["localhost:9092"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing kafka.topic")
	}
}

func TestLoad_CounterNonPositiveInterval(t *testing.T) {
	path := writeTemp(t, `
server:
  address: "0.0.0.0:8080"
sources:
  - id: c1
    type: counter
    counter: { interval_ms: 0, min: 0 }
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-positive interval_ms")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeTemp(t, "not: [valid yaml")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}
