package queue

import "errors"

// ErrNoMessage is returned when a bounded receive window elapses with both
// streams empty.
var ErrNoMessage = errors.New("no message available")

// Message is the wake-up record appended to a stream. It carries no job
// state; the row in Postgres is authoritative.
type Message struct {
	JobID string

	// PriorityHint mirrors the row's priority at publish time. Informational
	// only; workers re-read the row before acting.
	PriorityHint int
}

// Delivery is one received stream entry plus what is needed to ack it.
type Delivery struct {
	Message

	// Stream is the stream the entry arrived on.
	Stream string

	// ID is the Redis stream entry ID used for acknowledgement.
	ID string
}
