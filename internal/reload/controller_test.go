package reload

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rkrishn7/kiwi/internal/config"
	"github.com/rkrishn7/kiwi/internal/event"
	"github.com/rkrishn7/kiwi/internal/pluginhost"
	"github.com/rkrishn7/kiwi/internal/source"
)

type nopBackend struct{}

func (nopBackend) Run(ctx context.Context, pub func(*event.Event)) error {
	<-ctx.Done()
	return nil
}

func newTestRegistry() *source.Registry {
	return source.NewRegistry(func(cfg config.SourceConfig) (source.Backend, error) {
		return nopBackend{}, nil
	})
}

func writeConfig(t *testing.T, dir, name, yaml string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const baseYAML = `
server:
  address: "127.0.0.1:9000"
sources:
  - id: x
    type: counter
    lazy: true
    counter:
      interval_ms: 100
      min: 0
`

func TestController_SourceRemovedOnReload(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry()

	initial, err := config.Load(writeConfig(t, dir, "initial.yaml", baseYAML))
	if err != nil {
		t.Fatalf("load initial: %v", err)
	}
	if err := reg.Install(initial.Sources); err != nil {
		t.Fatalf("install: %v", err)
	}

	recv, _, err := reg.Subscribe("x")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	plugins := pluginhost.New(pluginhost.DefaultLimits())
	defer plugins.Close(context.Background())

	ctrl := New(reg, plugins, *initial)

	nextYAML := `
server:
  address: "127.0.0.1:9000"
sources: []
`
	path := writeConfig(t, dir, "next.yaml", nextYAML)
	if err := ctrl.ReloadFrom(context.Background(), path); err != nil {
		t.Fatalf("ReloadFrom: %v", err)
	}

	_, _, closed, err := recv.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !closed {
		t.Fatalf("expected receiver to observe closure after source removal")
	}

	if reg.Has("x") {
		t.Fatalf("expected source x to be gone after reload")
	}
	if _, _, err := reg.Subscribe("x"); err != source.ErrNotFound {
		t.Fatalf("expected ErrNotFound re-subscribing removed source, got %v", err)
	}
}

func TestController_ReloadAtomicOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry()

	initial, err := config.Load(writeConfig(t, dir, "initial.yaml", baseYAML))
	if err != nil {
		t.Fatalf("load initial: %v", err)
	}
	if err := reg.Install(initial.Sources); err != nil {
		t.Fatalf("install: %v", err)
	}

	plugins := pluginhost.New(pluginhost.DefaultLimits())
	defer plugins.Close(context.Background())

	ctrl := New(reg, plugins, *initial)

	badPath := writeConfig(t, dir, "bad.yaml", "not: [valid yaml")
	if err := ctrl.ReloadFrom(context.Background(), badPath); err == nil {
		t.Fatalf("expected reload to fail on malformed config")
	}

	if !reg.Has("x") {
		t.Fatalf("expected live source set untouched after failed reload")
	}
}

func TestController_ReloadAtomicOnMissingPluginFile(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry()

	initial, err := config.Load(writeConfig(t, dir, "initial.yaml", baseYAML))
	if err != nil {
		t.Fatalf("load initial: %v", err)
	}
	if err := reg.Install(initial.Sources); err != nil {
		t.Fatalf("install: %v", err)
	}

	plugins := pluginhost.New(pluginhost.DefaultLimits())
	defer plugins.Close(context.Background())

	ctrl := New(reg, plugins, *initial)

	badYAML := baseYAML + `
plugins:
  authenticate:
    path: /nonexistent/plugin.wasm
`
	path := writeConfig(t, dir, "bad-plugin.yaml", badYAML)
	if err := ctrl.ReloadFrom(context.Background(), path); err == nil {
		t.Fatalf("expected reload to fail on missing plugin file")
	}

	if !reg.Has("x") {
		t.Fatalf("expected live source set untouched after failed plugin compile")
	}
}

func TestController_ModifiedSourceReplaced(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry()

	initial, err := config.Load(writeConfig(t, dir, "initial.yaml", baseYAML))
	if err != nil {
		t.Fatalf("load initial: %v", err)
	}
	if err := reg.Install(initial.Sources); err != nil {
		t.Fatalf("install: %v", err)
	}

	recv, _, err := reg.Subscribe("x")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	plugins := pluginhost.New(pluginhost.DefaultLimits())
	defer plugins.Close(context.Background())

	ctrl := New(reg, plugins, *initial)

	modifiedYAML := `
server:
  address: "127.0.0.1:9000"
sources:
  - id: x
    type: counter
    lazy: true
    counter:
      interval_ms: 50
      min: 100
`
	path := writeConfig(t, dir, "modified.yaml", modifiedYAML)
	if err := ctrl.ReloadFrom(context.Background(), path); err != nil {
		t.Fatalf("ReloadFrom: %v", err)
	}

	_, _, closed, err := recv.Next(context.Background())
	if err != nil || !closed {
		t.Fatalf("expected old subscription to observe closure on replace, closed=%v err=%v", closed, err)
	}

	if !reg.Has("x") {
		t.Fatalf("expected replaced source x to still be registered under the new config")
	}
}
