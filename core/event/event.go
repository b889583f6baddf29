package event

import (
	"time"

	"github.com/google/uuid"
)

// Event represents an in-process notification with metadata and payload.
type Event struct {
	ID        string    `json:"id"`         // Unique identifier for the event
	Name      string    `json:"name"`       // Event topic name (e.g., "remote_connect")
	Payload   any       `json:"payload"`    // Event data (can be struct or nil)
	CreatedAt time.Time `json:"created_at"` // When the event was created
}

// New creates a new Event with auto-generated ID and timestamp.
func New(name string, payload any) Event {
	return Event{
		ID:        uuid.New().String(),
		Name:      name,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}
