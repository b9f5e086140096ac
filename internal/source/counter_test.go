package source

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rkrishn7/kiwi/internal/config"
	"github.com/rkrishn7/kiwi/internal/event"
)

func TestCounterBackend_IncrementsFromMin(t *testing.T) {
	cb := NewCounterBackend("c1", &config.CounterSource{IntervalMS: 5, Min: 10})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan *event.Event, 16)
	done := make(chan error, 1)
	go func() { done <- cb.Run(ctx, func(e *event.Event) { events <- e }) }()

	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			want := fmt.Sprintf("%d", 10+i)
			if string(ev.Payload) != want {
				t.Errorf("event %d: expected payload %q, got %q", i, want, string(ev.Payload))
			}
			if ev.SourceID != "c1" {
				t.Errorf("expected source_id c1, got %s", ev.SourceID)
			}
			if ev.Timestamp == nil {
				t.Errorf("expected timestamp to be set")
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
