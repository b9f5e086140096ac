// Package source implements the Source Registry and the ingest tasks that
// drive each active source's upstream consumption loop.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rkrishn7/kiwi/internal/broadcast"
	"github.com/rkrishn7/kiwi/internal/config"
	"github.com/rkrishn7/kiwi/internal/event"
)

// ErrNotFound is returned by Subscribe when no source with the given id is
// registered.
var ErrNotFound = errors.New("source not found")

// RingCapacity is the broadcast ring buffer size shared by every source.
const RingCapacity = 1024

// Info is the client-visible description of a source, returned by List and
// on a successful Subscribe.
type Info struct {
	ID   string
	Type config.SourceKind
}

// Backend drives one source's upstream consumption loop. Implementations
// publish events into pub until ctx is cancelled, then return.
type Backend interface {
	Run(ctx context.Context, pub func(*event.Event)) error
}

// entry is one source's registry-held state. broadcaster is read by the
// ingest goroutine on every published event, so it is held in an
// atomic.Pointer rather than under mu: activate/deactivate/remove need to
// cancel the ingest goroutine and join it (cancel(); <-done) while mu is
// held, and if publish also took mu, a publish in flight when a join starts
// would deadlock (the join never observes done close, because the
// goroutine it's joining is stuck acquiring the lock the joiner holds).
type entry struct {
	mu          sync.Mutex
	id          string
	cfg         config.SourceConfig
	backend     Backend
	lazy        bool
	refcount    int
	active      bool
	broadcaster atomic.Pointer[broadcast.Broadcaster]
	cancel      context.CancelFunc
	done        chan struct{}
}

// Registry is the authoritative mapping source_id -> live source state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	newBackend func(config.SourceConfig) (Backend, error)
	onEvent    func(sourceID string)
}

// NewRegistry constructs an empty Registry. newBackend builds the concrete
// ingest Backend for a source's kind; callers inject it so this package has
// no compile-time dependency on the Kafka client.
func NewRegistry(newBackend func(config.SourceConfig) (Backend, error)) *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		newBackend: newBackend,
	}
}

// OnEvent registers a callback invoked once per published event, used by
// internal/metrics to count ingested events per source.
func (r *Registry) OnEvent(fn func(sourceID string)) {
	r.onEvent = fn
}

// Install materializes the given sources at startup, activating every
// non-lazy source immediately. Reloads use Add and Remove instead.
func (r *Registry) Install(sources []config.SourceConfig) error {
	for _, cfg := range sources {
		if err := r.Add(cfg); err != nil {
			return fmt.Errorf("install source %s: %w", cfg.ID, err)
		}
	}
	return nil
}

// Add registers a new source. If it is not lazy, its ingest task is started
// immediately.
func (r *Registry) Add(cfg config.SourceConfig) error {
	backend, err := r.newBackend(cfg)
	if err != nil {
		return err
	}

	e := &entry{
		id:      cfg.ID,
		cfg:     cfg,
		backend: backend,
		lazy:    cfg.Lazy,
	}
	e.broadcaster.Store(broadcast.New(RingCapacity))

	r.mu.Lock()
	r.entries[cfg.ID] = e
	r.mu.Unlock()

	if !e.lazy {
		e.mu.Lock()
		r.activateLocked(e)
		e.mu.Unlock()
	}

	return nil
}

// Has reports whether sourceID is currently registered.
func (r *Registry) Has(sourceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[sourceID]
	return ok
}

// List returns the current source inventory.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{ID: e.id, Type: e.cfg.Type})
	}
	return out
}

// Subscribe atomically increments the refcount for sourceID and, if the
// source is lazy and this is the first subscriber, activates its ingest
// task. The returned receiver observes only events published from this
// point forward.
func (r *Registry) Subscribe(sourceID string) (*broadcast.Receiver, Info, error) {
	r.mu.RLock()
	e, ok := r.entries[sourceID]
	r.mu.RUnlock()
	if !ok {
		return nil, Info{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.refcount++
	if e.lazy && e.refcount == 1 && !e.active {
		r.activateLocked(e)
	}

	recv := e.broadcaster.Load().Subscribe()
	return recv, Info{ID: e.id, Type: e.cfg.Type}, nil
}

// Unsubscribe decrements sourceID's refcount, deactivating a lazy source's
// ingest task when the count reaches zero.
func (r *Registry) Unsubscribe(sourceID string) {
	r.mu.RLock()
	e, ok := r.entries[sourceID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refcount > 0 {
		e.refcount--
	}
	if e.lazy && e.refcount == 0 && e.active {
		r.deactivateLocked(e)
	}
}

// activateLocked must be called with e.mu held.
func (r *Registry) activateLocked(e *entry) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.active = true

	go func() {
		defer close(e.done)
		if err := e.backend.Run(ctx, func(ev *event.Event) {
			r.publish(e, ev)
		}); err != nil && ctx.Err() == nil {
			slog.Error("ingest task failed", "source_id", e.id, "error", err)
		}
	}()

	slog.Info("source activated", "source_id", e.id, "type", e.cfg.Type, "lazy", e.lazy)
}

// deactivateLocked stops the ingest task but keeps the entry registered
// (lazy deactivation is not removal: a fresh broadcaster is installed so a
// subsequent activation starts with a clean ring).
func (r *Registry) deactivateLocked(e *entry) {
	if !e.active {
		return
	}
	e.cancel()
	<-e.done
	e.active = false
	e.broadcaster.Store(broadcast.New(RingCapacity))
	slog.Info("source deactivated", "source_id", e.id)
}

// Remove permanently retires a source (used by the hot-reload controller):
// the ingest task is stopped and the broadcaster is closed so every current
// subscriber observes channel closure (-> Unsubscribed{reason=source_removed}).
func (r *Registry) Remove(sourceID string) {
	r.mu.Lock()
	e, ok := r.entries[sourceID]
	if ok {
		delete(r.entries, sourceID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.active {
		e.cancel()
		<-e.done
		e.active = false
	}
	e.broadcaster.Load().Close()
	e.mu.Unlock()

	slog.Info("source removed", "source_id", sourceID)
}

// publish never touches e.mu: it runs on the ingest goroutine and must
// never be blocked behind activate/deactivate/remove joining that same
// goroutine via cancel()+<-e.done.
func (r *Registry) publish(e *entry, ev *event.Event) {
	e.broadcaster.Load().Publish(ev)
	if r.onEvent != nil {
		r.onEvent(e.id)
	}
}
