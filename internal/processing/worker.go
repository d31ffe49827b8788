// Package processing runs the diagnosis state machine and decides where it
// runs: inline, on an in-process pool, or behind a message broker.
package processing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"crop-diagnosis-back/internal/diagnosis"
	"crop-diagnosis-back/internal/metrics"
	"crop-diagnosis-back/internal/models"
	"crop-diagnosis-back/internal/repository"
	"crop-diagnosis-back/internal/storage"

	"go.uber.org/zap"
)

const defaultDiagnosisTimeout = 30 * time.Second

type Store interface {
	Get(ctx context.Context, id string) (*models.Media, error)
	Transition(ctx context.Context, id string, t repository.Transition) error
	ListByStatus(ctx context.Context, f repository.StatusFilter) ([]models.Media, error)
}

type BlobOpener interface {
	Open(ctx context.Context, ref string) (*storage.Blob, error)
}

type Notifier interface {
	Publish(media *models.Media)
}

// Worker is the only writer of status, result and confidence.
type Worker struct {
	store    Store
	blobs    BlobOpener
	engine   diagnosis.Engine
	notifier Notifier
	timeout  time.Duration
	log      *zap.Logger

	persistAttempts int
	persistBackoff  time.Duration
}

func NewWorker(store Store, blobs BlobOpener, engine diagnosis.Engine, notifier Notifier, timeout time.Duration, log *zap.Logger) *Worker {
	if timeout <= 0 {
		timeout = defaultDiagnosisTimeout
	}
	return &Worker{
		store:           store,
		blobs:           blobs,
		engine:          engine,
		notifier:        notifier,
		timeout:         timeout,
		log:             log,
		persistAttempts: 5,
		persistBackoff:  200 * time.Millisecond,
	}
}

// Run drives one record from UPLOADED to a terminal state. Failures after
// the record exists end up in the record, never in the caller.
func (w *Worker) Run(ctx context.Context, id string) {
	log := w.log.With(zap.String("media_id", id))

	media, err := w.store.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("stale diagnosis job: media not found")
		metrics.Diagnoses.WithLabelValues("stale").Inc()
		return
	}
	if err != nil {
		// Still UPLOADED; the recovery sweep dispatches it again.
		log.Error("load media", zap.Error(err))
		return
	}
	if media.Status != models.StatusUploaded {
		log.Debug("media already picked up", zap.String("status", string(media.Status)))
		metrics.Diagnoses.WithLabelValues("skipped").Inc()
		return
	}

	err = w.store.Transition(ctx, id, repository.Transition{
		From: models.StatusUploaded,
		To:   models.StatusProcessing,
	})
	switch {
	case errors.Is(err, repository.ErrStaleTransition), errors.Is(err, repository.ErrNotFound):
		log.Debug("another worker owns the media")
		metrics.Diagnoses.WithLabelValues("skipped").Inc()
		return
	case err != nil:
		log.Error("mark media processing", zap.Error(err))
		return
	}
	media.Status = models.StatusProcessing
	w.notify(media)
	log.Info("diagnosis started")

	start := time.Now()
	result, err := w.diagnose(ctx, media)
	metrics.DiagnosisDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := "failed"
		if errors.Is(err, diagnosis.ErrEngineTimeout) {
			outcome = "timeout"
		}
		log.Warn("diagnosis failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		w.finish(ctx, media, repository.Transition{
			From:         models.StatusProcessing,
			To:           models.StatusFailed,
			ErrorMessage: err.Error(),
		}, outcome)
		return
	}

	w.finish(ctx, media, repository.Transition{
		From:       models.StatusProcessing,
		To:         models.StatusCompleted,
		Result:     &result.Label,
		Confidence: &result.Confidence,
	}, "completed")
	log.Info("diagnosis completed",
		zap.String("result", result.Label),
		zap.String("confidence", result.Confidence),
		zap.Duration("took", time.Since(start)),
	)
}

// diagnose returns within the timeout even if the engine ignores its
// context; a stuck engine call is abandoned, not waited for.
func (w *Worker) diagnose(ctx context.Context, media *models.Media) (diagnosis.Diagnosis, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	image, err := w.readBlob(ctx, media.BlobRef)
	if err != nil {
		return diagnosis.Diagnosis{}, err
	}

	type outcome struct {
		d   diagnosis.Diagnosis
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: engine panic: %v", diagnosis.ErrEngineFailure, r)}
			}
		}()
		d, err := w.engine.Diagnose(ctx, image, media.MediaType)
		done <- outcome{d: d, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return diagnosis.Diagnosis{}, fmt.Errorf("%w after %s", diagnosis.ErrEngineTimeout, w.timeout)
		}
		if o.err == nil && o.d.Label == "" {
			return diagnosis.Diagnosis{}, fmt.Errorf("%w: empty label", diagnosis.ErrEngineFailure)
		}
		return o.d, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return diagnosis.Diagnosis{}, fmt.Errorf("%w after %s", diagnosis.ErrEngineTimeout, w.timeout)
		}
		return diagnosis.Diagnosis{}, ctx.Err()
	}
}

func (w *Worker) readBlob(ctx context.Context, ref string) ([]byte, error) {
	blob, err := w.blobs.Open(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", ref, err)
	}
	defer blob.Body.Close()

	data, err := io.ReadAll(blob.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

// finish persists a terminal transition. It outlives the caller's context
// and retries with backoff so a record is not left in PROCESSING.
func (w *Worker) finish(ctx context.Context, media *models.Media, t repository.Transition, outcome string) {
	ctx = context.WithoutCancel(ctx)
	log := w.log.With(zap.String("media_id", media.ID))

	backoff := w.persistBackoff
	var err error
	for attempt := 1; attempt <= w.persistAttempts; attempt++ {
		err = w.store.Transition(ctx, media.ID, t)
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrNotFound) {
			log.Warn("terminal transition lost", zap.String("to", string(t.To)), zap.Error(err))
			return
		}
		if attempt == w.persistAttempts {
			break
		}
		log.Warn("persist terminal status, retrying", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(backoff)
		backoff *= 2
	}
	if err != nil {
		log.Error("persist terminal status", zap.String("to", string(t.To)), zap.Error(err))
		return
	}

	media.Status = t.To
	media.ErrorMessage = t.ErrorMessage
	if t.To == models.StatusCompleted {
		media.Result = t.Result
		media.Confidence = t.Confidence
	}
	metrics.Diagnoses.WithLabelValues(outcome).Inc()
	w.notify(media)
}

// Reap fails a record whose worker disappeared while it was PROCESSING.
func (w *Worker) Reap(ctx context.Context, media *models.Media, reason string) error {
	err := w.store.Transition(ctx, media.ID, repository.Transition{
		From:         models.StatusProcessing,
		To:           models.StatusFailed,
		ErrorMessage: reason,
	})
	if err != nil {
		return err
	}
	media.Status = models.StatusFailed
	media.ErrorMessage = reason
	w.notify(media)
	return nil
}

func (w *Worker) notify(media *models.Media) {
	if w.notifier != nil {
		w.notifier.Publish(media)
	}
}
