package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for tests and ephemeral runs. It
// implements the full delivery contract: delayed availability, visibility
// windows with redelivery, and a dead-letter list. Safe for concurrent use.
type MemoryQueue struct {
	mu       sync.Mutex
	delayed  []Message            // not yet receivable; EnqueuedAt ordering is irrelevant here
	readyAt  map[string]time.Time // id -> when a delayed message becomes receivable
	ready    []Message            // receivable, FIFO
	inflight map[string]inflightMessage
	dead     []DeadLetter

	notify chan struct{} // signaled on enqueue so blocked receivers recheck
	closed bool
}

type inflightMessage struct {
	msg      Message
	deadline time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		readyAt:  make(map[string]time.Time),
		inflight: make(map[string]inflightMessage),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue makes the message receivable after delay.
func (q *MemoryQueue) Enqueue(_ context.Context, msg Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg.ID = uuid.NewString()
	if delay > 0 {
		q.readyAt[msg.ID] = time.Now().Add(delay)
		q.delayed = append(q.delayed, msg)
	} else {
		q.ready = append(q.ready, msg)
	}
	q.wake()
	return nil
}

// Receive blocks up to wait for a message, hiding it for the visibility
// window once delivered.
func (q *MemoryQueue) Receive(ctx context.Context, wait, visibility time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, nil
		}
		q.promoteLocked(time.Now())
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight[msg.ID] = inflightMessage{msg: msg, deadline: time.Now().Add(visibility)}
			q.mu.Unlock()
			return &msg, nil
		}
		sleep := q.nextWakeLocked(deadline)
		q.mu.Unlock()

		if !time.Now().Before(deadline) {
			return nil, nil
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack deletes a received message.
func (q *MemoryQueue) Ack(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, msg.ID)
	return nil
}

// SendToDeadLetter records the message for inspection and acknowledges it.
func (q *MemoryQueue) SendToDeadLetter(_ context.Context, msg *Message, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, msg.ID)
	q.dead = append(q.dead, DeadLetter{Message: *msg, Reason: reason, FailedAt: time.Now().UTC()})
	return nil
}

// DeadLetters returns up to limit dead-letter entries, newest first.
func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := slices.Clone(q.dead)
	slices.Reverse(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Close wakes blocked receivers; subsequent receives return no message.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.wake()
	return nil
}

// promoteLocked moves due delayed messages and expired in-flight messages
// back into the ready list. Expired deliveries go to the front so a crashed
// consumer's work is retried promptly.
func (q *MemoryQueue) promoteLocked(now time.Time) {
	kept := q.delayed[:0]
	for _, msg := range q.delayed {
		if !now.Before(q.readyAt[msg.ID]) {
			delete(q.readyAt, msg.ID)
			q.ready = append(q.ready, msg)
		} else {
			kept = append(kept, msg)
		}
	}
	q.delayed = kept

	for id, inf := range q.inflight {
		if !now.Before(inf.deadline) {
			delete(q.inflight, id)
			q.ready = append([]Message{inf.msg}, q.ready...)
		}
	}
}

// nextWakeLocked returns how long a receiver may sleep before something
// could become receivable.
func (q *MemoryQueue) nextWakeLocked(deadline time.Time) time.Duration {
	wake := deadline
	for _, at := range q.readyAt {
		if at.Before(wake) {
			wake = at
		}
	}
	for _, inf := range q.inflight {
		if inf.deadline.Before(wake) {
			wake = inf.deadline
		}
	}
	sleep := time.Until(wake)
	if sleep < time.Millisecond {
		sleep = time.Millisecond
	}
	return sleep
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
