package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rkrishn7/kiwi/internal/event"
	"github.com/rkrishn7/kiwi/internal/pluginhost"
	"github.com/rkrishn7/kiwi/internal/source"
)

// OutboundBufferSize bounds each connection's outbound frame channel: one
// of the two memory backstops against a slow client, the other being the
// broadcast ring in internal/broadcast.
const OutboundBufferSize = 64

// Metrics is the narrow observability surface the engine drives; nil
// fields/methods are not required, callers pass internal/metrics.Recorder.
type Metrics interface {
	EventForwarded(sourceID string)
	EventDropped(sourceID string)
	EventLag(sourceID string, missed int64)
	SubscriptionOpened(sourceID string)
	SubscriptionClosed(sourceID string)
}

type noopMetrics struct{}

func (noopMetrics) EventForwarded(string)     {}
func (noopMetrics) EventDropped(string)       {}
func (noopMetrics) EventLag(string, int64)    {}
func (noopMetrics) SubscriptionOpened(string) {}
func (noopMetrics) SubscriptionClosed(string) {}

// Engine owns one connection's entire lifecycle: reading commands, managing
// subscriptions, and writing outbound frames.
type Engine struct {
	conn      *Connection
	transport Transport
	registry  *source.Registry
	plugins   *pluginhost.Host
	metrics   Metrics

	outbound chan []byte
	subsWg   sync.WaitGroup
}

// New constructs an Engine for a freshly authenticated connection. metrics
// may be nil, in which case observations are discarded.
func New(conn *Connection, transport Transport, registry *source.Registry, plugins *pluginhost.Host, metrics Metrics) *Engine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	conn.subs = make(map[string]*subState)
	return &Engine{
		conn:      conn,
		transport: transport,
		registry:  registry,
		plugins:   plugins,
		metrics:   metrics,
		outbound:  make(chan []byte, OutboundBufferSize),
	}
}

// Run drives the connection until the transport closes or ctx is cancelled.
// It blocks until teardown is complete.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		e.writeLoop(ctx)
	}()

	e.readLoop(ctx)

	cancel()
	e.teardown()
	<-writerDone
}

func (e *Engine) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-e.outbound:
			if err := e.transport.WriteMessage(frame); err != nil {
				slog.Warn("connection write failed", "connection_id", e.conn.ID, "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) readLoop(ctx context.Context) {
	for {
		raw, err := e.transport.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			e.send(frameProtocolError(fmt.Sprintf("malformed frame: %v", err)))
			continue
		}

		switch frame.Type {
		case cmdListSources:
			e.handleListSources()
		case cmdSubscribe:
			e.handleSubscribe(ctx, frame.SourceID)
		case cmdUnsubscribe:
			e.handleUnsubscribe(frame.SourceID)
		case cmdRequest:
			e.handleRequest(frame.SourceID, frame.N)
		default:
			e.send(frameProtocolError(fmt.Sprintf("unknown command %q", frame.Type)))
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// send enqueues a control frame for the writer goroutine, dropping it
// rather than blocking the command-processing loop if the outbound channel
// is full. Only used for replies and notifications, never for data Event
// frames: those go through sendBlocking so a slow reader produces a Lag
// signal instead of a silent drop.
func (e *Engine) send(frame []byte) {
	select {
	case e.outbound <- frame:
	default:
		slog.Warn("dropping server frame: outbound buffer full", "connection_id", e.conn.ID)
	}
}

// sendBlocking enqueues frame for the writer goroutine, blocking until
// there is room or ctx is done. Used for data Event frames so that a slow
// reader backs up the outbound channel, which in turn stalls the
// subscription loop's receiver draining and lets the broadcast ring
// overflow into a Lag frame rather than dropping events invisibly.
func (e *Engine) sendBlocking(ctx context.Context, frame []byte) bool {
	select {
	case e.outbound <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) handleListSources() {
	infos := e.registry.List()
	wire := make([]sourceInfoWire, 0, len(infos))
	for _, info := range infos {
		wire = append(wire, sourceInfoWire{ID: info.ID, Type: string(info.Type)})
	}
	e.send(frameSources(wire))
}

func (e *Engine) handleSubscribe(ctx context.Context, sourceID string) {
	if sourceID == "" {
		e.send(frameSubscribeErr("", "source_id is required"))
		return
	}

	e.conn.mu.Lock()
	if _, exists := e.conn.subs[sourceID]; exists {
		e.conn.mu.Unlock()
		e.send(frameSubscribeErr(sourceID, "already subscribed"))
		return
	}
	e.conn.mu.Unlock()

	recv, _, err := e.registry.Subscribe(sourceID)
	if err != nil {
		e.send(frameSubscribeErr(sourceID, "source not found"))
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	st := newSubState(sourceID, recv, cancel)

	e.conn.mu.Lock()
	if _, exists := e.conn.subs[sourceID]; exists {
		// Lost a race with a concurrent identical Subscribe; keep the
		// winner, tear down this one.
		e.conn.mu.Unlock()
		cancel()
		e.registry.Unsubscribe(sourceID)
		e.send(frameSubscribeErr(sourceID, "already subscribed"))
		return
	}
	e.conn.subs[sourceID] = st
	e.conn.mu.Unlock()

	e.metrics.SubscriptionOpened(sourceID)

	e.subsWg.Add(1)
	go func() {
		defer e.subsWg.Done()
		e.subscriptionLoop(subCtx, st)
	}()

	e.send(frameSubscribeOk(sourceID))
}

func (e *Engine) handleUnsubscribe(sourceID string) {
	e.conn.mu.Lock()
	st, exists := e.conn.subs[sourceID]
	if exists {
		delete(e.conn.subs, sourceID)
	}
	e.conn.mu.Unlock()

	if !exists {
		e.send(frameUnsubscribeErr(sourceID, "not subscribed"))
		return
	}

	st.cancel()
	<-st.done
	e.registry.Unsubscribe(sourceID)
	e.metrics.SubscriptionClosed(sourceID)

	e.send(frameUnsubscribeOk(sourceID))
}

func (e *Engine) handleRequest(sourceID string, n int64) {
	if n < 1 {
		e.send(frameRequestErr(sourceID, "n must be >= 1"))
		return
	}

	e.conn.mu.Lock()
	st, exists := e.conn.subs[sourceID]
	e.conn.mu.Unlock()

	if !exists {
		e.send(frameRequestErr(sourceID, "not subscribed"))
		return
	}

	st.addCredit(n)
}

// subscriptionLoop runs the per-subscription event loop: alternate between
// awaiting credit and awaiting the next broadcast event. It runs
// until ctx is cancelled (unsubscribe, connection teardown) or the source's
// broadcast channel closes (source removed).
func (e *Engine) subscriptionLoop(ctx context.Context, st *subState) {
	defer close(st.done)

	for {
		if !st.hasCredit() {
			select {
			case <-st.creditSignal:
			case <-ctx.Done():
				return
			}
			continue
		}

		ev, missed, closed, err := st.receiver.Next(ctx)
		if err != nil {
			return
		}
		if closed {
			e.send(frameUnsubscribed(st.sourceID, "source_removed"))
			return
		}
		if missed > 0 {
			e.metrics.EventLag(st.sourceID, missed)
			e.send(frameLag(st.sourceID, missed))
			continue
		}

		e.applyIntercept(ctx, st, ev)
	}
}

// applyIntercept runs the intercept plugin bound to the event's source (if
// any) and, on Forward, decrements credit and emits the event. Credit is
// checked again immediately before the decrement since a concurrent
// Request race cannot reduce it, but re-reading keeps the invariant
// obviously true at the point of delivery.
func (e *Engine) applyIntercept(ctx context.Context, st *subState, ev *event.Event) {
	sub := pluginhost.SubscriptionMeta{ConnectionID: e.conn.ID, SourceID: st.sourceID}

	result, err := e.plugins.Intercept(ctx, ev, e.conn.AuthContext, sub)
	switch {
	case err == pluginhost.ErrNoBinding:
		e.forward(ctx, st, ev.SourceID, ev.Payload, ev.Key, ev.Partition, ev.Offset, ev.Timestamp)
	case err != nil:
		e.metrics.EventDropped(st.sourceID)
	case result.Verdict == pluginhost.VerdictForward:
		payload := ev.Payload
		if result.ForwardedPayload != nil {
			payload = result.ForwardedPayload
		}
		key := ev.Key
		if result.ForwardedKey != nil {
			key = result.ForwardedKey
		}
		e.forward(ctx, st, ev.SourceID, payload, key, ev.Partition, ev.Offset, ev.Timestamp)
	default:
		// Drop or Error: no delivery, no credit decrement.
		e.metrics.EventDropped(st.sourceID)
	}
}

// forward takes one unit of credit and blocks until the frame is enqueued
// or ctx ends. Blocking here (rather than dropping) is what makes a slow
// reader stop draining its broadcast receiver, so its ring buffer overflows
// into a Lag frame instead of silently losing events past the outbound
// buffer.
func (e *Engine) forward(ctx context.Context, st *subState, sourceID string, payload, key []byte, partition, offset, timestamp *int64) {
	if !st.takeCredit() {
		// Credit was exhausted between the loop's pre-check and here; drop
		// rather than violate the no-delivery-without-credit invariant.
		e.metrics.EventDropped(sourceID)
		return
	}
	if !e.sendBlocking(ctx, frameEvent(sourceID, payload, key, partition, offset, timestamp)) {
		return
	}
	e.metrics.EventForwarded(sourceID)
}

// teardown cancels every live subscription, releases its registry handle,
// and drops the auth context. Called once, after the read loop exits.
func (e *Engine) teardown() {
	e.conn.mu.Lock()
	subs := e.conn.subs
	e.conn.subs = make(map[string]*subState)
	e.conn.mu.Unlock()

	for _, st := range subs {
		st.cancel()
	}
	for sourceID, st := range subs {
		<-st.done
		e.registry.Unsubscribe(sourceID)
		e.metrics.SubscriptionClosed(sourceID)
	}

	e.subsWg.Wait()
	e.conn.AuthContext = nil
}
