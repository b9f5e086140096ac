package subscription

import (
	"context"
	"sync"

	"github.com/rkrishn7/kiwi/internal/broadcast"
)

// Transport is the duplex frame stream a connection communicates over. The
// concrete implementation (gorilla/websocket) lives in internal/transport;
// this package depends only on the contract, treating the transport as an
// external collaborator.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Connection holds one client's authenticated identity and live
// subscription set. It is owned by a single Engine goroutine and its
// per-subscription loop goroutines; state changes are serialized through
// Connection.mu.
type Connection struct {
	ID          string
	PeerAddress string
	AuthContext []byte

	mu   sync.Mutex
	subs map[string]*subState
}

// subState is one subscription's live state: its registry receiver, credit
// counter, and the cancellation plumbing for its event loop goroutine.
type subState struct {
	sourceID string
	receiver *broadcast.Receiver

	mu     sync.Mutex
	credit int64

	creditSignal chan struct{} // buffered(1); non-blocking wake on Request

	cancel context.CancelFunc
	done   chan struct{}
}

func newSubState(sourceID string, receiver *broadcast.Receiver, cancel context.CancelFunc) *subState {
	return &subState{
		sourceID:     sourceID,
		receiver:     receiver,
		creditSignal: make(chan struct{}, 1),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// addCredit adds n to the counter, saturating at math.MaxInt32, and wakes a
// blocked event loop if one is waiting.
func (s *subState) addCredit(n int64) {
	const ceiling = int64(1<<31 - 1)

	s.mu.Lock()
	s.credit += n
	if s.credit > ceiling {
		s.credit = ceiling
	}
	s.mu.Unlock()

	select {
	case s.creditSignal <- struct{}{}:
	default:
	}
}

// takeCredit decrements the counter by 1 iff it is currently positive,
// reporting whether it did so.
func (s *subState) takeCredit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credit <= 0 {
		return false
	}
	s.credit--
	return true
}

func (s *subState) hasCredit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credit > 0
}
