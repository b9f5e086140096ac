package pluginhost

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/rkrishn7/kiwi/internal/config"
	"github.com/rkrishn7/kiwi/internal/event"
)

const wasmPageSize = 64 * 1024

// Observer receives one record per plugin invocation, used by
// internal/metrics to drive plugin_invocations_total and
// plugin_invocation_duration_seconds.
type Observer interface {
	PluginInvocation(hook string, outcome string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) PluginInvocation(string, string, time.Duration) {}

// Limits bounds a single plugin invocation: the memory a guest module may
// allocate and the wall-clock time each hook kind is given to return.
type Limits struct {
	MemoryLimitBytes     uint32
	InterceptDeadline    time.Duration
	AuthenticateDeadline time.Duration
}

// DefaultLimits returns the gateway's recommended default limits.
func DefaultLimits() Limits {
	return Limits{
		MemoryLimitBytes:     64 * 1024 * 1024,
		InterceptDeadline:    50 * time.Millisecond,
		AuthenticateDeadline: 500 * time.Millisecond,
	}
}

// loadedPlugin is one compiled, pooled plugin binding.
type loadedPlugin struct {
	name   string
	hash   string
	pool   *instancePool
	export string // the guest export name implementing this hook
}

// table is one atomically-swappable snapshot of the live plugin bindings.
type table struct {
	authenticate *loadedPlugin
	intercept    map[string]*loadedPlugin // source_id -> plugin
}

// Host is the plugin execution environment. It owns the wazero runtime,
// the compilation cache, and the currently-live binding table.
type Host struct {
	limits   Limits
	runtime  wazero.Runtime
	cache    *compileCache
	observer Observer

	mu      sync.RWMutex
	current *table
}

// SetObserver installs the metrics sink used for every subsequent
// invocation. Safe to call once at startup before traffic begins.
func (h *Host) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	h.observer = o
}

// New constructs a Host with a fresh wazero runtime configured with the
// given sandboxing limits. WithCloseOnContextDone makes an in-flight call
// abort the instant its context is cancelled or its deadline expires,
// implementing the wall-clock interruption the sandboxing contract
// requires.
func New(limits Limits) *Host {
	rtCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(limits.MemoryLimitBytes / wasmPageSize)

	runtime := wazero.NewRuntimeWithConfig(context.Background(), rtCfg)

	return &Host{
		limits:   limits,
		runtime:  runtime,
		cache:    newCompileCache(runtime),
		observer: noopObserver{},
		current:  &table{intercept: make(map[string]*loadedPlugin)},
	}
}

// Close releases the underlying runtime and every compiled module.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Load compiles and installs the plugin bindings named by cfg, replacing
// any existing table. Used at startup, where a compile failure is fatal
// (the caller aborts the process).
func (h *Host) Load(ctx context.Context, cfg config.PluginsConfig) error {
	staged, err := h.stage(ctx, cfg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.current = staged
	h.mu.Unlock()
	return nil
}

// Reload compiles cfg into a staging table and, only on full success,
// atomically swaps it in. On any compile failure the live table is
// untouched and the error is returned.
func (h *Host) Reload(ctx context.Context, cfg config.PluginsConfig) error {
	staged, err := h.stage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("stage plugin reload: %w", err)
	}

	h.mu.Lock()
	old := h.current
	h.current = staged
	h.mu.Unlock()

	h.retire(ctx, old, staged)
	return nil
}

// stage compiles every configured plugin into a brand-new table without
// touching the live one.
func (h *Host) stage(ctx context.Context, cfg config.PluginsConfig) (*table, error) {
	staged := &table{intercept: make(map[string]*loadedPlugin)}

	if cfg.Authenticate != nil {
		lp, err := h.loadOne(ctx, cfg.Authenticate.Path, "authenticate")
		if err != nil {
			return nil, fmt.Errorf("load authenticate plugin %s: %w", cfg.Authenticate.Path, err)
		}
		staged.authenticate = lp
	}

	for sourceID, path := range cfg.Intercept.SourceBindings {
		lp, err := h.loadOne(ctx, path, "intercept")
		if err != nil {
			return nil, fmt.Errorf("load intercept plugin %s for source %s: %w", path, sourceID, err)
		}
		staged.intercept[sourceID] = lp
	}

	return staged, nil
}

func (h *Host) loadOne(ctx context.Context, path string, export string) (*loadedPlugin, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin file: %w", err)
	}

	cm, hash, err := h.cache.compile(ctx, wasm)
	if err != nil {
		return nil, err
	}

	return &loadedPlugin{
		name:   filepath.Base(path),
		hash:   hash,
		pool:   newInstancePool(h.runtime, cm, hash, 32),
		export: export,
	}, nil
}

// retire closes idle pooled instances and evicts compiled modules belonging
// to the outgoing table that are not reused by the new one. In-flight
// invocations hold their own api.Module reference and are allowed to
// finish their current call before the instance they used is dropped.
func (h *Host) retire(ctx context.Context, old, new *table) {
	if old == nil {
		return
	}

	keep := make(map[string]struct{})
	if new.authenticate != nil {
		keep[new.authenticate.hash] = struct{}{}
	}
	for _, lp := range new.intercept {
		keep[lp.hash] = struct{}{}
	}

	if old.authenticate != nil {
		if _, ok := keep[old.authenticate.hash]; !ok {
			old.authenticate.pool.closeAll(ctx)
		}
	}
	for _, lp := range old.intercept {
		if _, ok := keep[lp.hash]; !ok {
			lp.pool.closeAll(ctx)
		}
	}

	h.cache.evictUnused(ctx, keep)
}

// Authenticate runs the configured authenticate plugin, if any. With no
// plugin bound, every connection is implicitly accepted with an empty auth
// context (matches the configuration schema's optional authenticate block).
func (h *Host) Authenticate(ctx context.Context, meta ConnectionMeta) (AuthResult, error) {
	h.mu.RLock()
	lp := h.current.authenticate
	h.mu.RUnlock()

	if lp == nil {
		return AuthResult{Verdict: VerdictOk}, nil
	}

	req, err := encodeAuthRequest(meta)
	if err != nil {
		return AuthResult{}, fmt.Errorf("encode authenticate request: %w", err)
	}

	start := time.Now()
	out, err := h.invoke(ctx, lp, h.limits.AuthenticateDeadline, req)
	if err != nil {
		h.observer.PluginInvocation(string(HookAuthenticate), "error", time.Since(start))
		slog.Error("authenticate invocation failed", "plugin", lp.name, "error", err)
		return AuthResult{Verdict: VerdictError, Reason: err.Error()}, nil
	}

	res, err := decodeAuthResponse(out)
	h.observer.PluginInvocation(string(HookAuthenticate), res.Verdict.String(), time.Since(start))
	return res, err
}

// Intercept runs the intercept plugin bound to ev.SourceID, if any. When no
// plugin is bound, ErrNoBinding signals the caller to pass the event
// through unmodified.
func (h *Host) Intercept(ctx context.Context, ev *event.Event, authContext []byte, sub SubscriptionMeta) (InterceptResult, error) {
	h.mu.RLock()
	lp := h.current.intercept[ev.SourceID]
	h.mu.RUnlock()

	if lp == nil {
		return InterceptResult{}, ErrNoBinding
	}

	req, err := encodeInterceptRequest(ev, authContext, sub)
	if err != nil {
		return InterceptResult{}, fmt.Errorf("encode intercept request: %w", err)
	}

	start := time.Now()
	out, err := h.invoke(ctx, lp, h.limits.InterceptDeadline, req)
	if err != nil {
		h.observer.PluginInvocation(string(HookIntercept), "error", time.Since(start))
		slog.Warn("intercept invocation failed", "plugin", lp.name, "source_id", ev.SourceID, "error", err)
		return InterceptResult{Verdict: VerdictError, Reason: err.Error()}, nil
	}

	res, err := decodeInterceptResponse(out)
	h.observer.PluginInvocation(string(HookIntercept), res.Verdict.String(), time.Since(start))
	return res, err
}

// invoke borrows a pooled instance, runs the named export under a deadline,
// and returns the instance to the pool (poisoning it if the call was
// aborted). A single hot path for both hooks, since both share the same
// alloc/call/read convention.
func (h *Host) invoke(ctx context.Context, lp *loadedPlugin, deadline time.Duration, req []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	mod, err := lp.pool.get(callCtx)
	if err != nil {
		return nil, err
	}

	ptr, err := writeRequest(callCtx, mod, req)
	if err != nil {
		lp.pool.put(ctx, mod, true)
		return nil, err
	}

	fn := mod.ExportedFunction(lp.export)
	if fn == nil {
		lp.pool.put(ctx, mod, true)
		return nil, fmt.Errorf("module %s does not export %q", lp.name, lp.export)
	}

	results, err := fn.Call(callCtx, uint64(ptr), uint64(len(req)))
	if err != nil {
		// Deadline exceeded or trap: the instance's internal state is no
		// longer trustworthy, so it is closed rather than recycled.
		lp.pool.put(ctx, mod, true)
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("plugin %s exceeded %s deadline: %w", lp.name, deadline, callCtx.Err())
		}
		return nil, fmt.Errorf("call %s on %s: %w", lp.export, lp.name, err)
	}

	out, err := readResponse(mod, results[0])
	if err != nil {
		lp.pool.put(ctx, mod, true)
		return nil, err
	}

	lp.pool.put(ctx, mod, false)
	return out, nil
}
