// Package queue provides the message transport for the queue processing
// strategy.
//
// Messages carry the request id and a copy of its configuration so a
// worker can begin without a store read. Delivery is at-least-once: a
// received message stays invisible to other consumers for a visibility
// window and becomes receivable again if the consumer dies without
// acknowledging it. The store's conditional claim, not the queue, is what
// makes redelivery safe.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/argos-intel/argos/internal/model"
)

// Message is one unit of queue delivery.
type Message struct {
	// ID is the delivery handle assigned by the queue; it is not part of
	// the payload.
	ID string `json:"-"`

	RequestID     uuid.UUID           `json:"request_id"`
	Configuration model.Configuration `json:"configuration"`
	// Attempt is the request's attempt count at enqueue time (zero for
	// the initial submission).
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeadLetter is a message whose retries were exhausted, held for offline
// inspection rather than automatic reprocessing.
type DeadLetter struct {
	Message  Message   `json:"message"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Queue is the message transport contract consumed by the queue strategy.
type Queue interface {
	// Enqueue makes the message receivable after the given delay
	// (zero = immediately).
	Enqueue(ctx context.Context, msg Message, delay time.Duration) error

	// Receive blocks up to wait for a message. The returned message is
	// invisible to other receivers for the visibility window; it must be
	// acknowledged or dead-lettered before the window expires or it will
	// be redelivered. Returns (nil, nil) when no message arrived in time.
	Receive(ctx context.Context, wait, visibility time.Duration) (*Message, error)

	// Ack deletes a received message so it is never redelivered.
	Ack(ctx context.Context, msg *Message) error

	// SendToDeadLetter moves a received message to the dead-letter queue
	// and acknowledges it.
	SendToDeadLetter(ctx context.Context, msg *Message, reason string) error

	// DeadLetters returns up to limit dead-letter entries, newest first.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// Close releases the transport's resources.
	Close() error
}
