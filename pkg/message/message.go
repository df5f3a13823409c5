package message

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Message is the unit of data flowing through the split-join engine.
// It carries an opaque payload plus string metadata. Metadata is mutable so the
// engine can stamp sequence indices and counts on it as it moves between stages.
//
// A Message is not safe for concurrent mutation. Ownership moves with the message:
// the producer owns it until submission, a worker while executing, and the
// orchestrator after it has been dequeued.
type Message struct {
	// ID uniquely identifies this message instance
	ID string `json:"id"`

	// CorrelationID is a unique identifier for tracking related messages across the system
	CorrelationID string `json:"correlationId,omitempty"`

	// Payload contains the raw message data
	Payload []byte `json:"payload,omitempty"`

	// Metadata holds additional key-value pairs for the message
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is the timestamp when the message was created
	CreatedAt string `json:"createdAt"`

	// UpdatedAt is the timestamp when the message was last updated
	UpdatedAt string `json:"updatedAt"`
}

// NewMessage creates a new empty message with a fresh ID and timestamps
func NewMessage() *Message {
	now := time.Now().Format(time.RFC3339)
	return &Message{
		ID:        uuid.NewString(),
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewMessageWithPayload creates a new message carrying the given payload
func NewMessageWithPayload(payload []byte) *Message {
	return NewMessage().WithPayload(payload)
}

// NewStringMessage creates a new message whose payload is the given string
func NewStringMessage(payload string) *Message {
	return NewMessage().WithPayload([]byte(payload))
}

// WithCorrelationID sets the correlation ID for the message
func (m *Message) WithCorrelationID(correlationID string) *Message {
	m.CorrelationID = correlationID
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithMetadata adds metadata to the message
func (m *Message) WithMetadata(key, value string) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithIntMetadata adds an integer metadata value in base 10
func (m *Message) WithIntMetadata(key string, value int) *Message {
	return m.WithMetadata(key, strconv.Itoa(value))
}

// WithPayload replaces the payload of the message
func (m *Message) WithPayload(payload []byte) *Message {
	m.Payload = payload
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithStringPayload replaces the payload of the message with a string
func (m *Message) WithStringPayload(payload string) *Message {
	return m.WithPayload([]byte(payload))
}

// PayloadString returns the payload as a string
func (m *Message) PayloadString() string {
	return string(m.Payload)
}

// GetMetadata returns the metadata value for key and whether it was present
func (m *Message) GetMetadata(key string) (string, bool) {
	if m.Metadata == nil {
		return "", false
	}
	v, ok := m.Metadata[key]
	return v, ok
}

// MetadataValue returns the metadata value for key, or "" if absent
func (m *Message) MetadataValue(key string) string {
	v, _ := m.GetMetadata(key)
	return v
}

// IntMetadata parses the metadata value for key as an int.
// Returns false if the key is absent or not an integer.
func (m *Message) IntMetadata(key string) (int, bool) {
	v, ok := m.GetMetadata(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// HasMetadata returns true if key is present in the message metadata
func (m *Message) HasMetadata(key string) bool {
	_, ok := m.GetMetadata(key)
	return ok
}

// RemoveMetadata deletes key from the message metadata
func (m *Message) RemoveMetadata(key string) *Message {
	if m.Metadata != nil {
		delete(m.Metadata, key)
		m.UpdatedAt = time.Now().Format(time.RFC3339)
	}
	return m
}

// CopyMetadataFrom copies every metadata entry of src onto m, overwriting existing keys
func (m *Message) CopyMetadataFrom(src *Message) *Message {
	if src == nil || len(src.Metadata) == 0 {
		return m
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]string, len(src.Metadata))
	}
	for k, v := range src.Metadata {
		m.Metadata[k] = v
	}
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// Clone returns a deep copy of the message. The clone keeps the same ID.
func (m *Message) Clone() *Message {
	c := &Message{
		ID:            m.ID,
		CorrelationID: m.CorrelationID,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if m.Payload != nil {
		c.Payload = make([]byte, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// UpdateTimestamp updates the UpdatedAt timestamp to current time
func (m *Message) UpdateTimestamp() *Message {
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// ToBytes serializes the message to JSON bytes
func (m *Message) ToBytes() ([]byte, error) {
	return json.Marshal(m)
}

// FromBytes deserializes a message from JSON bytes
func FromBytes(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	return &msg, nil
}
