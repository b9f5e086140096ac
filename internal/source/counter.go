package source

import (
	"context"
	"strconv"
	"time"

	"github.com/rkrishn7/kiwi/internal/config"
	"github.com/rkrishn7/kiwi/internal/event"
)

// CounterBackend is the synthetic counter source: every interval it
// increments a counter starting from min and publishes the decimal
// representation as the event payload.
type CounterBackend struct {
	sourceID string
	interval time.Duration
	min      int
}

// NewCounterBackend constructs a CounterBackend from its configuration.
func NewCounterBackend(sourceID string, cfg *config.CounterSource) *CounterBackend {
	return &CounterBackend{
		sourceID: sourceID,
		interval: cfg.CounterInterval(),
		min:      cfg.Min,
	}
}

// Run implements Backend.
func (c *CounterBackend) Run(ctx context.Context, pub func(*event.Event)) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	n := c.min
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pub(&event.Event{
				SourceID:  c.sourceID,
				Payload:   []byte(strconv.Itoa(n)),
				Timestamp: event.Int64Ptr(time.Now().UnixMilli()),
			})
			n++
		}
	}
}
