package queue_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argos-intel/argos/internal/model"
	"github.com/argos-intel/argos/internal/queue"
	"github.com/argos-intel/argos/internal/testutil"

	"github.com/google/uuid"
)

var redisAddr string

func TestMain(m *testing.M) {
	tc := testutil.MustStartRedis()
	redisAddr = tc.DSN
	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

func newRedisQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	ctx := context.Background()

	// Each test starts from an empty keyspace.
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	require.NoError(t, client.FlushAll(ctx).Err())
	require.NoError(t, client.Close())

	q, err := queue.NewRedisQueue(ctx, redisAddr, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func redisMessage() queue.Message {
	return queue.Message{
		RequestID: uuid.New(),
		Configuration: model.Configuration{
			Keywords: []string{"gallium", "export restrictions"},
			Depth:    2,
		},
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestRedisQueue_EnqueueReceiveAck(t *testing.T) {
	ctx := context.Background()
	q := newRedisQueue(t)

	sent := redisMessage()
	require.NoError(t, q.Enqueue(ctx, sent, 0))

	got, err := q.Receive(ctx, 2*time.Second, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sent.RequestID, got.RequestID)
	assert.Equal(t, sent.Configuration, got.Configuration)
	assert.NotEmpty(t, got.ID)

	require.NoError(t, q.Ack(ctx, got))

	none, err := q.Receive(ctx, 100*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRedisQueue_DelayedDelivery(t *testing.T) {
	ctx := context.Background()
	q := newRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, redisMessage(), 300*time.Millisecond))

	got, err := q.Receive(ctx, 100*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got, "message must stay hidden during the delay")

	got, err = q.Receive(ctx, 3*time.Second, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestRedisQueue_VisibilityRedelivery(t *testing.T) {
	ctx := context.Background()
	q := newRedisQueue(t)

	sent := redisMessage()
	require.NoError(t, q.Enqueue(ctx, sent, 0))

	first, err := q.Receive(ctx, 2*time.Second, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.Receive(ctx, 3*time.Second, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second, "unacked delivery must reappear after visibility expires")
	assert.Equal(t, sent.RequestID, second.RequestID)

	require.NoError(t, q.Ack(ctx, second))
}

// TestRedisQueue_AdoptsInFlightWithoutDeadline simulates a consumer that
// died between moving an id into the in-flight list and recording its
// visibility deadline. The id must still come back: promotion assigns the
// orphan a deadline and the expiry path redelivers it once that lapses.
func TestRedisQueue_AdoptsInFlightWithoutDeadline(t *testing.T) {
	ctx := context.Background()
	q := newRedisQueue(t)

	sent := redisMessage()
	payload, err := json.Marshal(sent)
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	t.Cleanup(func() { _ = client.Close() })
	id := uuid.NewString()
	require.NoError(t, client.Set(ctx, "argos:queue:msg:"+id, payload, 0).Err())
	require.NoError(t, client.LPush(ctx, "argos:queue:inflight", id).Err())

	got, err := q.Receive(ctx, 5*time.Second, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got, "orphaned in-flight delivery must be redelivered")
	assert.Equal(t, sent.RequestID, got.RequestID)

	require.NoError(t, q.Ack(ctx, got))
	none, err := q.Receive(ctx, 100*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRedisQueue_DeadLetter(t *testing.T) {
	ctx := context.Background()
	q := newRedisQueue(t)

	sent := redisMessage()
	require.NoError(t, q.Enqueue(ctx, sent, 0))

	got, err := q.Receive(ctx, 2*time.Second, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, q.SendToDeadLetter(ctx, got, "max attempts exhausted"))

	none, err := q.Receive(ctx, 100*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Nil(t, none, "dead-lettering must acknowledge the delivery")

	entries, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sent.RequestID, entries[0].Message.RequestID)
	assert.Equal(t, "max attempts exhausted", entries[0].Reason)
}
