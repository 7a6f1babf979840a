// Package events provides the process-scoped event broadcaster that streams
// context lifecycle events to live observers, with bounded replay for
// reconnecting clients.
package events

import "time"

// Type names an event.
type Type string

const (
	TypeContextInitialized Type = "contextInitialized"
	TypeRelaySent          Type = "relaySent"
	TypeRelayReceived      Type = "relayReceived"
	TypeContextMerged      Type = "contextMerged"
	TypeContextPruned      Type = "contextPruned"
	TypeVersionCreated     Type = "versionCreated"
	TypeError              Type = "error"

	// TypeResync is a per-subscriber marker, never stored or replayed. It tells
	// the subscriber that events were lost and state should be re-fetched.
	TypeResync Type = "resync"
)

// Types lists every published event type.
func Types() []Type {
	return []Type{
		TypeContextInitialized,
		TypeRelaySent,
		TypeRelayReceived,
		TypeContextMerged,
		TypeContextPruned,
		TypeVersionCreated,
		TypeError,
	}
}

// Valid reports whether t is a published event type.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one entry in the stream. IDs increase monotonically per
// broadcaster; resync markers carry ID 0.
type Event struct {
	ID        uint64         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// ErrorPayload builds the payload of an error event. An empty contextID is
// encoded as null.
func ErrorPayload(contextID, code, message string) map[string]any {
	var id any
	if contextID != "" {
		id = contextID
	}
	return map[string]any{
		"contextId": id,
		"code":      code,
		"message":   message,
	}
}
