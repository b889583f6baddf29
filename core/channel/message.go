package channel

import (
	"encoding/json"
	"fmt"
)

// Message is the wire format exchanged with the cloud backend. Requests
// carry an ID copied into the matching response; push messages carry only a
// type and payload. A response to a handler-served request carries either a
// payload or an error string, never both.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}
