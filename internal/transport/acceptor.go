// Package transport implements the Connection Acceptor: the
// WebSocket upgrade, authentication handoff, and a Transport adapter that
// lets internal/subscription stay free of any WebSocket-specific import.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rkrishn7/kiwi/internal/pluginhost"
	"github.com/rkrishn7/kiwi/internal/source"
	"github.com/rkrishn7/kiwi/internal/subscription"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB inbound command frame ceiling
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTransport adapts a *websocket.Conn to subscription.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (w *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsTransport) WriteMessage(data []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsTransport) Close() error {
	return w.conn.Close()
}

// ConnMetrics is the connection-count observability surface the acceptor
// drives, separate from subscription.Metrics since it covers the
// connection's lifetime rather than its subscriptions.
type ConnMetrics interface {
	ConnectionAccepted()
	ConnectionClosed()
}

type noopConnMetrics struct{}

func (noopConnMetrics) ConnectionAccepted() {}
func (noopConnMetrics) ConnectionClosed()   {}

// Acceptor upgrades inbound HTTP connections to WebSocket, authenticates
// them, and hands authenticated connections off to a fresh Subscription
// Engine.
type Acceptor struct {
	registry    *source.Registry
	plugins     *pluginhost.Host
	metrics     subscription.Metrics
	connMetrics ConnMetrics
}

// New constructs an Acceptor. metrics and connMetrics may be nil.
func New(registry *source.Registry, plugins *pluginhost.Host, metrics subscription.Metrics, connMetrics ConnMetrics) *Acceptor {
	if connMetrics == nil {
		connMetrics = noopConnMetrics{}
	}
	return &Acceptor{registry: registry, plugins: plugins, metrics: metrics, connMetrics: connMetrics}
}

// ServeHTTP implements http.Handler, suitable for mounting at the
// configured server address.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	a.connMetrics.ConnectionAccepted()
	go a.handle(conn, r)
}

func (a *Acceptor) handle(conn *websocket.Conn, r *http.Request) {
	defer a.connMetrics.ConnectionClosed()

	meta := pluginhost.ConnectionMeta{PeerAddress: conn.RemoteAddr().String()}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		meta.TLSIdentity = r.TLS.PeerCertificates[0].Subject.CommonName
	}

	result, err := a.plugins.Authenticate(context.Background(), meta)
	if err != nil {
		slog.Error("authenticate plugin invocation error", "peer_address", meta.PeerAddress, "error", err)
		closeWithReason(conn, "authentication error")
		return
	}

	switch result.Verdict {
	case pluginhost.VerdictOk:
		// proceed below
	case pluginhost.VerdictReject:
		closeWithReason(conn, fmt.Sprintf("rejected: %s", result.Reason))
		return
	default:
		closeWithReason(conn, "authentication error")
		return
	}

	connID := uuid.NewString()

	c := &subscription.Connection{
		ID:          connID,
		PeerAddress: meta.PeerAddress,
		AuthContext: result.AuthContext,
	}

	eng := subscription.New(c, &wsTransport{conn: conn}, a.registry, a.plugins, a.metrics)
	slog.Info("connection accepted", "connection_id", connID, "peer_address", meta.PeerAddress)
	eng.Run(context.Background())
	slog.Info("connection closed", "connection_id", connID)
}

func closeWithReason(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
