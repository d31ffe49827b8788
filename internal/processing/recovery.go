package processing

import (
	"context"
	"errors"
	"time"

	"crop-diagnosis-back/internal/metrics"
	"crop-diagnosis-back/internal/models"
	"crop-diagnosis-back/internal/repository"

	"go.uber.org/zap"
)

const reapReason = "worker lost"

// Recoverer finds records a crash or a full queue left behind: UPLOADED
// ones are dispatched again, PROCESSING ones past staleAfter are failed.
type Recoverer struct {
	store      Store
	dispatcher Dispatcher
	worker     *Worker
	staleAfter time.Duration
	grace      time.Duration
	batch      int
	log        *zap.Logger
	now        func() time.Time
}

func NewRecoverer(store Store, dispatcher Dispatcher, worker *Worker, staleAfter time.Duration, log *zap.Logger) *Recoverer {
	return &Recoverer{
		store:      store,
		dispatcher: dispatcher,
		worker:     worker,
		staleAfter: staleAfter,
		grace:      30 * time.Second,
		batch:      100,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Recoverer) Sweep(ctx context.Context) error {
	now := r.now()

	uploaded, err := r.store.ListByStatus(ctx, repository.StatusFilter{
		Status:        models.StatusUploaded,
		UpdatedBefore: now.Add(-r.grace),
		Limit:         r.batch,
	})
	if err != nil {
		return err
	}
	for _, m := range uploaded {
		if err := r.dispatcher.Dispatch(ctx, m.ID); err != nil {
			if errors.Is(err, ErrBusy) {
				r.log.Info("queue busy, recovery resumes next sweep")
				break
			}
			r.log.Warn("re-dispatch media", zap.String("media_id", m.ID), zap.Error(err))
			continue
		}
		metrics.Recovered.WithLabelValues("redispatched").Inc()
	}

	stuck, err := r.store.ListByStatus(ctx, repository.StatusFilter{
		Status:        models.StatusProcessing,
		UpdatedBefore: now.Add(-r.staleAfter),
		Limit:         r.batch,
	})
	if err != nil {
		return err
	}
	for i := range stuck {
		m := &stuck[i]
		err := r.worker.Reap(ctx, m, reapReason)
		if errors.Is(err, repository.ErrStaleTransition) {
			continue
		}
		if err != nil {
			r.log.Warn("fail stuck media", zap.String("media_id", m.ID), zap.Error(err))
			continue
		}
		r.log.Warn("stuck media failed", zap.String("media_id", m.ID), zap.Time("updated_at", m.UpdatedAt))
		metrics.Recovered.WithLabelValues("failed").Inc()
	}
	return nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (r *Recoverer) Run(ctx context.Context, interval time.Duration) {
	if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.log.Error("recovery sweep", zap.Error(err))
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("recovery sweep", zap.Error(err))
			}
		}
	}
}
