// Package subscription implements the per-connection state machine: command
// parsing, credit accounting, per-subscription event loops, and outbound
// frame serialization.
package subscription

import "encoding/json"

// clientFrame is the envelope every inbound text frame is decoded into
// before dispatch on Type.
type clientFrame struct {
	Type     string `json:"type"`
	SourceID string `json:"source_id,omitempty"`
	N        int64  `json:"n,omitempty"`
}

const (
	cmdListSources = "ListSources"
	cmdSubscribe   = "Subscribe"
	cmdUnsubscribe = "Unsubscribe"
	cmdRequest     = "Request"
)

// sourceInfoWire is one entry of a ListSources reply.
type sourceInfoWire struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// serverFrame variants, one constructor each; all marshal to the JSON shapes
// of the client-facing protocol.

func frameSources(sources []sourceInfoWire) []byte {
	return mustJSON(map[string]any{"type": "Sources", "sources": sources})
}

func frameSubscribeOk(sourceID string) []byte {
	return mustJSON(map[string]any{"type": "SubscribeOk", "source_id": sourceID})
}

func frameSubscribeErr(sourceID, reason string) []byte {
	return mustJSON(map[string]any{"type": "SubscribeErr", "source_id": sourceID, "reason": reason})
}

func frameUnsubscribeOk(sourceID string) []byte {
	return mustJSON(map[string]any{"type": "UnsubscribeOk", "source_id": sourceID})
}

func frameUnsubscribeErr(sourceID, reason string) []byte {
	return mustJSON(map[string]any{"type": "UnsubscribeErr", "source_id": sourceID, "reason": reason})
}

func frameRequestErr(sourceID, reason string) []byte {
	return mustJSON(map[string]any{"type": "RequestErr", "source_id": sourceID, "reason": reason})
}

func frameEvent(sourceID string, payload, key []byte, partition, offset, timestamp *int64) []byte {
	m := map[string]any{"type": "Event", "source_id": sourceID, "payload": payload}
	if key != nil {
		m["key"] = key
	}
	if partition != nil {
		m["partition"] = *partition
	}
	if offset != nil {
		m["offset"] = *offset
	}
	if timestamp != nil {
		m["timestamp"] = *timestamp
	}
	return mustJSON(m)
}

func frameLag(sourceID string, missed int64) []byte {
	return mustJSON(map[string]any{"type": "Lag", "source_id": sourceID, "missed": missed})
}

func frameUnsubscribed(sourceID, reason string) []byte {
	return mustJSON(map[string]any{"type": "Unsubscribed", "source_id": sourceID, "reason": reason})
}

func frameProtocolError(reason string) []byte {
	return mustJSON(map[string]any{"type": "ProtocolError", "reason": reason})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every value passed to mustJSON is a map of plain strings, byte
		// slices, and integers; marshaling cannot fail.
		panic("subscription: unmarshalable server frame: " + err.Error())
	}
	return b
}
