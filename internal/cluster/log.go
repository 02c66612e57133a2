package cluster

import (
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/envelope"
)

// DefaultLogSize is the number of envelopes kept per direction.
const DefaultLogSize = 150

// Direction of a logged message.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// LogEntry describes one envelope seen on the wire.
type LogEntry struct {
	Direction     Direction `json:"direction"`
	Topic         string    `json:"topic"`
	MessageID     string    `json:"message_id"`
	SourceID      string    `json:"source_id"`
	DestinationID string    `json:"destination_id"`
	Component     string    `json:"component"`
	Size          int       `json:"size"`
	At            time.Time `json:"at"`
}

func newLogEntry(dir Direction, env envelope.Envelope, size int, at time.Time) LogEntry {
	return LogEntry{
		Direction:     dir,
		Topic:         env.Topic().String(),
		MessageID:     env.MessageID,
		SourceID:      env.SourceID,
		DestinationID: env.DestinationID,
		Component:     componentLabel(env),
		Size:          size,
		At:            at,
	}
}

// MessageLog is a bounded log of recent envelopes.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type MessageLog struct {
	mu      sync.Mutex
	entries *ring[LogEntry]
}

// NewMessageLog creates a log holding the last size entries.
func NewMessageLog(size int) *MessageLog {
	if size < 1 {
		size = DefaultLogSize
	}
	return &MessageLog{entries: newRing[LogEntry](size)}
}

// Add appends e, dropping the oldest entry when full.
func (l *MessageLog) Add(e LogEntry) {
	l.mu.Lock()
	l.entries.add(e)
	l.mu.Unlock()
}

// Entries returns the logged entries, oldest first.
func (l *MessageLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.items()
}

// Len returns the number of entries held.
func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.len()
}

// componentLabel renders "lib.atoms" style labels for logs and metrics.
func componentLabel(env envelope.Envelope) string {
	return string(env.ComponentType) + "." + env.ComponentName
}
