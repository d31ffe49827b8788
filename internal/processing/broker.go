package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crop-diagnosis-back/internal/metrics"

	"go.uber.org/zap"
)

var ErrMalformedJob = errors.New("malformed diagnosis job")

// Job is the message body exchanged through the broker.
type Job struct {
	MediaID string `json:"media_id"`
}

type Publisher interface {
	Publish(ctx context.Context, body json.RawMessage) error
}

// Broker dispatches through a message broker and runs consumed jobs with
// the same worker. Across instances the worker's conditional claim of
// UPLOADED is what keeps a record to one run.
type Broker struct {
	publisher Publisher
	worker    *Worker
	guard     *guard
	log       *zap.Logger

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

func NewBroker(publisher Publisher, worker *Worker, log *zap.Logger) *Broker {
	return &Broker{
		publisher:   publisher,
		worker:      worker,
		guard:       newGuard(),
		log:         log,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    10 * time.Second,
		maxAttempts: 5,
	}
}

func (b *Broker) Dispatch(ctx context.Context, id string) error {
	if b.guard.inFlight(id) {
		metrics.Dispatches.WithLabelValues(ModeRabbitMQ, "duplicate").Inc()
		return nil
	}

	body, err := json.Marshal(Job{MediaID: id})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := b.publishWithRetry(ctx, body); err != nil {
		metrics.Dispatches.WithLabelValues(ModeRabbitMQ, "busy").Inc()
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	metrics.Dispatches.WithLabelValues(ModeRabbitMQ, "accepted").Inc()
	return nil
}

// Handle runs one consumed message. Only malformed bodies return an error;
// everything else is absorbed by the worker.
func (b *Broker) Handle(ctx context.Context, body []byte) error {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if job.MediaID == "" {
		return fmt.Errorf("%w: media_id is empty", ErrMalformedJob)
	}

	if !b.guard.acquire(job.MediaID) {
		b.log.Debug("duplicate delivery ignored", zap.String("media_id", job.MediaID))
		return nil
	}
	defer b.guard.release(job.MediaID)

	b.worker.Run(context.WithoutCancel(ctx), job.MediaID)
	return nil
}

func (b *Broker) publishWithRetry(ctx context.Context, msg json.RawMessage) error {
	var lastErr error

	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		err := b.publisher.Publish(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == b.maxAttempts {
			break
		}

		backoff := b.baseDelay << (attempt - 1)
		if backoff > b.maxDelay {
			backoff = b.maxDelay
		}
		b.log.Warn("publish diagnosis job failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		}
	}

	return lastErr
}
