package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const receivePollTimeout = time.Second

// RedisBroker implements Broker over Redis lists. Messages wait on the
// pending list, move to the processing list while a worker holds them, and
// land on the dead list once retries are exhausted. The atomic move between
// pending and processing means a worker crash leaves the payload on the
// processing list instead of losing it.
type RedisBroker struct {
	client     *redis.Client
	pending    string
	processing string
	dead       string
}

// NewRedisBroker builds a broker over the named queue.
func NewRedisBroker(client *redis.Client, queueName string) *RedisBroker {
	return &RedisBroker{
		client:     client,
		pending:    queueName + ":pending",
		processing: queueName + ":processing",
		dead:       queueName + ":dead",
	}
}

// Enqueue pushes the message onto the pending list.
func (b *RedisBroker) Enqueue(ctx context.Context, msg Message) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	if err := b.client.LPush(ctx, b.pending, payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", b.pending, err)
	}
	return nil
}

// Receive blocks until a message is available, moving it to the processing
// list. Poisoned payloads that fail to decode go straight to the dead list.
func (b *RedisBroker) Receive(ctx context.Context) (Message, error) {
	for {
		raw, err := b.client.BRPopLPush(ctx, b.pending, b.processing, receivePollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return Message{}, ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			return Message{}, fmt.Errorf("receive %s: %w", b.pending, err)
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			b.client.LRem(ctx, b.processing, 1, raw)
			b.client.LPush(ctx, b.dead, raw)
			continue
		}
		msg.raw = raw
		return msg, nil
	}
}

// Ack removes the message from the processing list.
func (b *RedisBroker) Ack(ctx context.Context, msg Message) error {
	if err := b.client.LRem(ctx, b.processing, 1, msg.raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", b.processing, err)
	}
	return nil
}

// Nack moves the message back to the pending list with an incremented
// attempt count.
func (b *RedisBroker) Nack(ctx context.Context, msg Message) error {
	next := msg
	next.Attempt++
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, b.processing, 1, msg.raw)
	pipe.LPush(ctx, b.pending, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack %s: %w", b.pending, err)
	}
	return nil
}

// DeadLetter moves the message to the dead list.
func (b *RedisBroker) DeadLetter(ctx context.Context, msg Message) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, b.processing, 1, msg.raw)
	pipe.LPush(ctx, b.dead, msg.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter %s: %w", b.dead, err)
	}
	return nil
}

// PendingDepth reports the length of the pending list, for gauges.
func (b *RedisBroker) PendingDepth(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.pending).Result()
}
