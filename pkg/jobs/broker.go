package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Message is a queue notice. It carries only the job id plus delivery
// metadata; the worker re-reads the query from the job store, so a duplicated
// or replayed message can never desynchronise the stores.
type Message struct {
	JobID      string    `json:"job_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// raw is the wire payload this message was received as. Brokers that
	// need it for acknowledgement (list removal) populate it on Receive.
	raw string
}

// Broker is an at-least-once message channel between the submission endpoint
// and the workers. Delivery is unordered.
type Broker interface {
	// Enqueue publishes a message onto the pending queue.
	Enqueue(ctx context.Context, msg Message) error
	// Receive blocks until a message is available or the context ends.
	Receive(ctx context.Context) (Message, error)
	// Ack marks the message as handled; it will not be redelivered.
	Ack(ctx context.Context, msg Message) error
	// Nack returns the message to the pending queue with its attempt count
	// incremented.
	Nack(ctx context.Context, msg Message) error
	// DeadLetter moves the message to the dead-letter destination.
	DeadLetter(ctx context.Context, msg Message) error
}

// MemBroker is a process-local broker backed by a buffered channel. It backs
// tests and single-node deployments that run without Redis.
type MemBroker struct {
	messages chan Message

	mu   sync.Mutex
	dead []Message
}

// NewMemBroker builds an in-memory broker with the given buffer size.
func NewMemBroker(bufferSize int) *MemBroker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &MemBroker{messages: make(chan Message, bufferSize)}
}

// Enqueue pushes the message onto the channel.
func (b *MemBroker) Enqueue(ctx context.Context, msg Message) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue: %w", ctx.Err())
	case b.messages <- msg:
		return nil
	}
}

// Receive blocks until a message arrives or the context ends.
func (b *MemBroker) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg := <-b.messages:
		return msg, nil
	}
}

// Ack is a no-op: channel receive already removed the message.
func (b *MemBroker) Ack(ctx context.Context, msg Message) error {
	return nil
}

// Nack requeues the message with an incremented attempt count.
func (b *MemBroker) Nack(ctx context.Context, msg Message) error {
	msg.Attempt++
	return b.Enqueue(ctx, msg)
}

// DeadLetter records the message on the dead-letter slice.
func (b *MemBroker) DeadLetter(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, msg)
	return nil
}

// DeadLetters returns a snapshot of dead-lettered messages.
func (b *MemBroker) DeadLetters() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.dead))
	copy(out, b.dead)
	return out
}
