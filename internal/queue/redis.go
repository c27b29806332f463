package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout, all under a shared prefix:
//
//	<p>:msg:<id>   message payload (JSON)
//	<p>:delayed    zset of ids scored by ready time
//	<p>:ready      list of receivable ids (LPUSH in, RPOP out)
//	<p>:inflight   list of delivered, unacked ids
//	<p>:deadlines  zset of in-flight ids scored by visibility deadline
//	<p>:dead       list of dead-letter entries, newest first
const redisKeyPrefix = "argos:queue"

// maxBlockSlice bounds each blocking pop so promotion of delayed and
// expired messages keeps running even while receivers are parked.
const maxBlockSlice = time.Second

// RedisQueue is a Queue backed by a Redis server. Delivery moves ids
// atomically from the ready list to the in-flight list, so a consumer
// crash between receive and ack leaves the id recoverable once its
// visibility deadline passes.
type RedisQueue struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisQueue connects to the Redis server at addr and verifies the
// connection.
func NewRedisQueue(ctx context.Context, addr string, logger *slog.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue: ping redis: %w", err)
	}
	logger.Info("connected to redis queue", "addr", addr)
	return &RedisQueue{client: client, logger: logger}, nil
}

func redisKey(parts ...string) string {
	key := redisKeyPrefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Enqueue stores the payload and makes the id receivable after delay.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message, delay time.Duration) error {
	msg.ID = uuid.NewString()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, redisKey("msg", msg.ID), payload, 0)
	if delay > 0 {
		pipe.ZAdd(ctx, redisKey("delayed"), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: msg.ID,
		})
	} else {
		pipe.LPush(ctx, redisKey("ready"), msg.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", msg.RequestID, err)
	}
	return nil
}

// Receive blocks up to wait for a message and hides it for the
// visibility window.
func (q *RedisQueue) Receive(ctx context.Context, wait, visibility time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if err := q.promote(ctx, visibility); err != nil {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		block := min(remaining, maxBlockSlice)

		id, err := q.client.BLMove(ctx, redisKey("ready"), redisKey("inflight"), "RIGHT", "LEFT", block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("queue: receive: %w", err)
		}

		msg, err := q.claimDelivery(ctx, id, visibility)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue // payload gone, delivery discarded
		}
		return msg, nil
	}
}

// claimDelivery loads the payload for a popped id and records its
// visibility deadline. A missing payload means the message was already
// acked through another delivery of the same id; the stale id is dropped.
func (q *RedisQueue) claimDelivery(ctx context.Context, id string, visibility time.Duration) (*Message, error) {
	payload, err := q.client.Get(ctx, redisKey("msg", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		q.client.LRem(ctx, redisKey("inflight"), 1, id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load message %s: %w", id, err)
	}

	if err := q.client.ZAdd(ctx, redisKey("deadlines"), redis.Z{
		Score:  float64(time.Now().Add(visibility).UnixMilli()),
		Member: id,
	}).Err(); err != nil {
		return nil, fmt.Errorf("queue: set visibility deadline: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("queue: unmarshal message %s: %w", id, err)
	}
	msg.ID = id
	return &msg, nil
}

// promote moves due delayed ids into the ready list, requeues in-flight
// ids whose visibility deadline has passed, and adopts in-flight ids that
// have no deadline at all.
func (q *RedisQueue) promote(ctx context.Context, visibility time.Duration) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	due, err := q.client.ZRangeByScore(ctx, redisKey("delayed"), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("queue: scan delayed: %w", err)
	}
	for _, id := range due {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, redisKey("delayed"), id)
		pipe.LPush(ctx, redisKey("ready"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: promote delayed %s: %w", id, err)
		}
	}

	expired, err := q.client.ZRangeByScore(ctx, redisKey("deadlines"), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("queue: scan deadlines: %w", err)
	}
	for _, id := range expired {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, redisKey("deadlines"), id)
		pipe.LRem(ctx, redisKey("inflight"), 1, id)
		// RPUSH puts the reclaimed id at the pop end so it is retried first.
		pipe.RPush(ctx, redisKey("ready"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: reclaim expired %s: %w", id, err)
		}
		q.logger.Warn("reclaimed expired delivery", "message_id", id)
	}

	// A consumer that crashed between the move into inflight and recording
	// its deadline leaves an id the expiry scan above can never reclaim.
	// Give such orphans a deadline so the normal path picks them up; NX
	// keeps a racing live consumer's own deadline write authoritative.
	inflight, err := q.client.LRange(ctx, redisKey("inflight"), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: scan inflight: %w", err)
	}
	for _, id := range inflight {
		err := q.client.ZScore(ctx, redisKey("deadlines"), id).Err()
		if err == nil {
			continue
		}
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("queue: check deadline %s: %w", id, err)
		}
		added, err := q.client.ZAddNX(ctx, redisKey("deadlines"), redis.Z{
			Score:  float64(time.Now().Add(visibility).UnixMilli()),
			Member: id,
		}).Result()
		if err != nil {
			return fmt.Errorf("queue: adopt orphaned delivery %s: %w", id, err)
		}
		if added > 0 {
			q.logger.Warn("adopted in-flight delivery without a deadline", "message_id", id)
		}
	}
	return nil
}

// Ack deletes a received message.
func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, redisKey("inflight"), 1, msg.ID)
	pipe.ZRem(ctx, redisKey("deadlines"), msg.ID)
	pipe.Del(ctx, redisKey("msg", msg.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack %s: %w", msg.ID, err)
	}
	return nil
}

// SendToDeadLetter records the message in the dead list and acknowledges
// it.
func (q *RedisQueue) SendToDeadLetter(ctx context.Context, msg *Message, reason string) error {
	entry, err := json.Marshal(DeadLetter{Message: *msg, Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("queue: marshal dead letter: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, redisKey("dead"), entry)
	pipe.LRem(ctx, redisKey("inflight"), 1, msg.ID)
	pipe.ZRem(ctx, redisKey("deadlines"), msg.ID)
	pipe.Del(ctx, redisKey("msg", msg.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", msg.ID, err)
	}
	return nil
}

// DeadLetters returns up to limit dead-letter entries, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := q.client.LRange(ctx, redisKey("dead"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}

	entries := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var entry DeadLetter
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("queue: unmarshal dead letter: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
