package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/rkrishn7/kiwi/internal/event"
)

// The host ABI is intentionally narrow: a guest module exports
// `alloc(size uint32) uint32` to reserve a region of its own linear memory,
// the host writes a JSON-encoded request envelope into that region, then
// calls the hook export with (ptr, len); the hook returns a packed
// (ptr<<32 | len) pointing at a JSON-encoded response envelope it wrote
// into its own memory. The host never writes to guest memory except via
// alloc, and never reads guest memory except the returned region.

const exportAlloc = "alloc"

// authRequestWire / authResponseWire are the JSON envelopes exchanged with
// an authenticate hook.
type authRequestWire struct {
	PeerAddress string `json:"peer_address"`
	TLSIdentity string `json:"tls_identity,omitempty"`
}

type authResponseWire struct {
	Verdict     string `json:"verdict"` // "ok" | "reject" | "error"
	AuthContext []byte `json:"auth_context,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// interceptRequestWire / interceptResponseWire are the JSON envelopes
// exchanged with an intercept hook.
type interceptRequestWire struct {
	SourceID     string `json:"source_id"`
	Payload      []byte `json:"payload"`
	Key          []byte `json:"key,omitempty"`
	Partition    *int64 `json:"partition,omitempty"`
	Offset       *int64 `json:"offset,omitempty"`
	Timestamp    *int64 `json:"timestamp,omitempty"`
	AuthContext  []byte `json:"auth_context,omitempty"`
	ConnectionID string `json:"connection_id"`
	SubSourceID  string `json:"subscription_source_id"`
}

type interceptResponseWire struct {
	Verdict string `json:"verdict"` // "forward" | "drop" | "error"
	Payload []byte `json:"payload,omitempty"`
	Key     []byte `json:"key,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// writeRequest allocates size bytes in the guest and copies data in,
// returning the guest pointer.
func writeRequest(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	allocFn := mod.ExportedFunction(exportAlloc)
	if allocFn == nil {
		return 0, fmt.Errorf("module does not export %q", exportAlloc)
	}
	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("call alloc: %w", err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write request: out of bounds guest write at %d len %d", ptr, len(data))
	}
	return ptr, nil
}

// readResponse decodes a packed (ptr<<32|len) return value into bytes read
// from guest memory.
func readResponse(mod api.Module, packed uint64) ([]byte, error) {
	ptr := uint32(packed >> 32)
	size := uint32(packed)
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("read response: out of bounds guest read at %d len %d", ptr, size)
	}
	// Copy out: guest memory may be reused/reclaimed once the instance
	// returns to the pool.
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func encodeAuthRequest(meta ConnectionMeta) ([]byte, error) {
	return json.Marshal(authRequestWire{PeerAddress: meta.PeerAddress, TLSIdentity: meta.TLSIdentity})
}

func decodeAuthResponse(data []byte) (AuthResult, error) {
	var w authResponseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return AuthResult{}, fmt.Errorf("decode authenticate response: %w", err)
	}
	var v Verdict
	switch w.Verdict {
	case "ok":
		v = VerdictOk
	case "reject":
		v = VerdictReject
	default:
		v = VerdictError
	}
	return AuthResult{Verdict: v, AuthContext: w.AuthContext, Reason: w.Reason}, nil
}

func encodeInterceptRequest(ev *event.Event, authContext []byte, sub SubscriptionMeta) ([]byte, error) {
	return json.Marshal(interceptRequestWire{
		SourceID:     ev.SourceID,
		Payload:      ev.Payload,
		Key:          ev.Key,
		Partition:    ev.Partition,
		Offset:       ev.Offset,
		Timestamp:    ev.Timestamp,
		AuthContext:  authContext,
		ConnectionID: sub.ConnectionID,
		SubSourceID:  sub.SourceID,
	})
}

func decodeInterceptResponse(data []byte) (InterceptResult, error) {
	var w interceptResponseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return InterceptResult{}, fmt.Errorf("decode intercept response: %w", err)
	}
	var v Verdict
	switch w.Verdict {
	case "forward":
		v = VerdictForward
	case "drop":
		v = VerdictDrop
	default:
		v = VerdictError
	}
	return InterceptResult{Verdict: v, ForwardedPayload: w.Payload, ForwardedKey: w.Key, Reason: w.Reason}, nil
}
