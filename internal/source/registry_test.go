package source

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rkrishn7/kiwi/internal/config"
	"github.com/rkrishn7/kiwi/internal/event"
)

// fakeBackend counts activations and blocks until ctx is cancelled, letting
// tests assert on lazy activation/deactivation transitions.
type fakeBackend struct {
	starts int32
	stops  int32
}

func (f *fakeBackend) Run(ctx context.Context, pub func(*event.Event)) error {
	atomic.AddInt32(&f.starts, 1)
	<-ctx.Done()
	atomic.AddInt32(&f.stops, 1)
	return nil
}

func newTestRegistry(backends map[string]*fakeBackend) *Registry {
	return NewRegistry(func(cfg config.SourceConfig) (Backend, error) {
		return backends[cfg.ID], nil
	})
}

func TestRegistry_NonLazyActivatesImmediately(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(map[string]*fakeBackend{"s1": fb})

	if err := r.Add(config.SourceConfig{ID: "s1", Type: config.SourceKindCounter, Lazy: false}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&fb.starts) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&fb.starts) != 1 {
		t.Fatalf("expected non-lazy source to activate immediately, starts=%d", fb.starts)
	}
}

func TestRegistry_LazyActivatesOnFirstSubscribe(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(map[string]*fakeBackend{"s1": fb})

	if err := r.Add(config.SourceConfig{ID: "s1", Type: config.SourceKindCounter, Lazy: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if atomic.LoadInt32(&fb.starts) != 0 {
		t.Fatalf("lazy source should not activate before first subscriber")
	}

	recv1, _, err := r.Subscribe("s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&fb.starts) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&fb.starts) != 1 {
		t.Fatalf("expected lazy source to activate on first subscribe, starts=%d", fb.starts)
	}

	recv2, _, err := r.Subscribe("s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if atomic.LoadInt32(&fb.starts) != 1 {
		t.Fatalf("second subscriber should not re-activate, starts=%d", fb.starts)
	}

	r.Unsubscribe("s1")
	if atomic.LoadInt32(&fb.stops) != 0 {
		t.Fatalf("source should stay active while refcount > 0")
	}

	r.Unsubscribe("s1")
	deadline = time.Now().Add(time.Second)
	for atomic.LoadInt32(&fb.stops) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&fb.stops) != 1 {
		t.Fatalf("expected lazy source to deactivate when refcount hits 0, stops=%d", fb.stops)
	}

	_ = recv1
	_ = recv2
}

func TestRegistry_RemoveClosesBroadcaster(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(map[string]*fakeBackend{"s1": fb})

	if err := r.Add(config.SourceConfig{ID: "s1", Type: config.SourceKindCounter, Lazy: false}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	recv, _, err := r.Subscribe("s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.Remove("s1")

	_, _, closed, err := recv.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !closed {
		t.Fatalf("expected receiver to observe closure after Remove")
	}

	if r.Has("s1") {
		t.Fatalf("expected source to be gone from registry after Remove")
	}
}

func TestRegistry_SubscribeUnknownSource(t *testing.T) {
	r := newTestRegistry(nil)
	if _, _, err := r.Subscribe("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_OnEventFiresPerPublish(t *testing.T) {
	fb := &publishingBackend{}
	r := NewRegistry(func(cfg config.SourceConfig) (Backend, error) {
		return fb, nil
	})

	var seen int32
	r.OnEvent(func(sourceID string) {
		if sourceID == "s1" {
			atomic.AddInt32(&seen, 1)
		}
	})

	if err := r.Add(config.SourceConfig{ID: "s1", Type: config.SourceKindCounter, Lazy: false}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	recv, _, err := r.Subscribe("s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, closed, err := recv.Next(context.Background()); err != nil || closed {
			t.Fatalf("Next: closed=%v err=%v", closed, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&seen) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt32(&seen); got < 3 {
		t.Fatalf("expected OnEvent to fire at least 3 times, got %d", got)
	}
}

// TestRegistry_DeactivateDuringPublishDoesNotDeadlock guards against a publish
// in flight on the ingest goroutine blocking forever behind a deactivate/
// remove that joins that same goroutine while holding the entry lock.
func TestRegistry_DeactivateDuringPublishDoesNotDeadlock(t *testing.T) {
	fb := &publishingBackend{}
	r := NewRegistry(func(cfg config.SourceConfig) (Backend, error) {
		return fb, nil
	})

	if err := r.Add(config.SourceConfig{ID: "s1", Type: config.SourceKindCounter, Lazy: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			recv, _, err := r.Subscribe("s1")
			if err != nil {
				return
			}
			_, _, _, _ = recv.Next(context.Background())
			r.Unsubscribe("s1")
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("registry deadlocked under concurrent publish/deactivate")
	}
}

// publishingBackend publishes a fixed "x" event as fast as it can until
// ctx is cancelled, used to race activation against in-flight publishes.
type publishingBackend struct{}

func (publishingBackend) Run(ctx context.Context, pub func(*event.Event)) error {
	n := int64(0)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			pub(&event.Event{Payload: []byte("x")})
			n++
		}
	}
}

func TestRegistry_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(map[string]*fakeBackend{"s1": fb})
	if err := r.Add(config.SourceConfig{ID: "s1", Type: config.SourceKindCounter, Lazy: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recv, _, err := r.Subscribe("s1")
			if err != nil {
				t.Errorf("Subscribe: %v", err)
				return
			}
			_ = recv
			r.Unsubscribe("s1")
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&fb.starts) != atomic.LoadInt32(&fb.stops) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&fb.starts) != atomic.LoadInt32(&fb.stops) {
		t.Fatalf("expected balanced start/stop counts, starts=%d stops=%d", fb.starts, fb.stops)
	}
}
