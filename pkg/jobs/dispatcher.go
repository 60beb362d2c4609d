package jobs

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Handler processes a single queue message. A nil return acknowledges the
// message; an error sends it back for redelivery until retries run out.
type Handler func(ctx context.Context, msg Message) error

// DeadLetterFunc is invoked after a message is moved to the dead-letter
// destination, with the error from its final attempt.
type DeadLetterFunc func(ctx context.Context, msg Message, err error)

// Dispatcher runs a pool of workers that consume a broker and route each
// message through a handler with bounded retries.
type Dispatcher struct {
	broker     Broker
	handler    Handler
	workers    int
	maxRetries int
	onDead     DeadLetterFunc
	logger     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher builds a dispatcher. maxRetries counts redeliveries after the
// first attempt, so a message is handled at most maxRetries+1 times.
func NewDispatcher(broker Broker, handler Handler, workers, maxRetries int, onDead DeadLetterFunc, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Dispatcher{
		broker:     broker,
		handler:    handler,
		workers:    workers,
		maxRetries: maxRetries,
		onDead:     onDead,
		logger:     logger,
	}
}

// Start launches the worker pool. Workers run until Stop is called or the
// parent context ends.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx, i)
	}
	d.logger.Info("dispatcher started",
		zap.Int("workers", d.workers),
		zap.Int("max_retries", d.maxRetries))
}

// Stop signals the workers and waits for in-flight messages to settle.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context, worker int) {
	defer d.wg.Done()
	log := d.logger.With(zap.Int("worker", worker))
	for {
		msg, err := d.broker.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Error("receive failed", zap.Error(err))
			continue
		}
		d.dispatch(ctx, log, msg)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, log *zap.Logger, msg Message) {
	log = log.With(zap.String("job_id", msg.JobID), zap.Int("attempt", msg.Attempt))

	err := d.handler(ctx, msg)
	if err == nil {
		if ackErr := d.broker.Ack(ctx, msg); ackErr != nil {
			log.Error("ack failed", zap.Error(ackErr))
		}
		return
	}

	if msg.Attempt+1 > d.maxRetries {
		log.Error("retries exhausted, dead-lettering", zap.Error(err))
		if dlErr := d.broker.DeadLetter(ctx, msg); dlErr != nil {
			log.Error("dead-letter failed", zap.Error(dlErr))
		}
		if d.onDead != nil {
			d.onDead(ctx, msg, err)
		}
		return
	}

	log.Warn("handler failed, redelivering", zap.Error(err))
	if nackErr := d.broker.Nack(ctx, msg); nackErr != nil {
		log.Error("nack failed", zap.Error(nackErr))
	}
}
