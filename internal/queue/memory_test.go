package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argos-intel/argos/internal/model"
)

func testMessage() Message {
	return Message{
		RequestID: uuid.New(),
		Configuration: model.Configuration{
			Keywords: []string{"lithium", "supply chain"},
			Depth:    1,
		},
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestMemoryQueue_EnqueueReceiveAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	defer q.Close()

	sent := testMessage()
	require.NoError(t, q.Enqueue(ctx, sent, 0))

	got, err := q.Receive(ctx, time.Second, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sent.RequestID, got.RequestID)
	assert.Equal(t, sent.Configuration, got.Configuration)
	assert.NotEmpty(t, got.ID)

	require.NoError(t, q.Ack(ctx, got))

	// Acked messages never come back.
	none, err := q.Receive(ctx, 50*time.Millisecond, 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryQueue_ReceiveTimeout(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	start := time.Now()
	got, err := q.Receive(context.Background(), 50*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueue_DelayedDelivery(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, testMessage(), 100*time.Millisecond))

	// Not yet visible.
	got, err := q.Receive(ctx, 20*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Visible after the delay elapses.
	got, err = q.Receive(ctx, time.Second, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestMemoryQueue_VisibilityRedelivery(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	defer q.Close()

	sent := testMessage()
	require.NoError(t, q.Enqueue(ctx, sent, 0))

	first, err := q.Receive(ctx, time.Second, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)

	// The unacked delivery reappears once the visibility window expires.
	second, err := q.Receive(ctx, time.Second, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, sent.RequestID, second.RequestID)

	require.NoError(t, q.Ack(ctx, second))
	none, err := q.Receive(ctx, 50*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryQueue_DeadLetter(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	defer q.Close()

	sent := testMessage()
	require.NoError(t, q.Enqueue(ctx, sent, 0))

	got, err := q.Receive(ctx, time.Second, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, q.SendToDeadLetter(ctx, got, "max attempts exhausted"))

	// Dead-lettering acknowledges: no redelivery.
	none, err := q.Receive(ctx, 50*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Nil(t, none)

	entries, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sent.RequestID, entries[0].Message.RequestID)
	assert.Equal(t, "max attempts exhausted", entries[0].Reason)
	assert.False(t, entries[0].FailedAt.IsZero())
}

func TestMemoryQueue_DeadLettersNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	defer q.Close()

	var ids []uuid.UUID
	for range 3 {
		msg := testMessage()
		ids = append(ids, msg.RequestID)
		require.NoError(t, q.Enqueue(ctx, msg, 0))
		got, err := q.Receive(ctx, time.Second, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.NoError(t, q.SendToDeadLetter(ctx, got, "boom"))
	}

	entries, err := q.DeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[2], entries[0].Message.RequestID)
	assert.Equal(t, ids[1], entries[1].Message.RequestID)
}

func TestMemoryQueue_ReceiveUnblocksOnEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	defer q.Close()

	done := make(chan *Message, 1)
	go func() {
		got, _ := q.Receive(ctx, 2*time.Second, time.Second)
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, testMessage(), 0))

	select {
	case got := <-done:
		require.NotNil(t, got)
	case <-time.After(time.Second):
		t.Fatal("receiver did not wake on enqueue")
	}
}

func TestMemoryQueue_ReceiveHonorsContext(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := q.Receive(ctx, 5*time.Second, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
