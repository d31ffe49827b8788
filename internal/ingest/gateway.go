// Package ingest accepts media submissions: it deduplicates by id, writes
// the blob, creates the record and hands it to the dispatcher.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"crop-diagnosis-back/internal/lock"
	"crop-diagnosis-back/internal/metrics"
	"crop-diagnosis-back/internal/models"
	"crop-diagnosis-back/internal/processing"
	"crop-diagnosis-back/internal/repository"
	"crop-diagnosis-back/internal/storage"
	"crop-diagnosis-back/pkg/imaging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidID        = errors.New("media id must be 1-128 letters, digits, '-' or '_'")
	ErrEmptyPayload     = errors.New("media payload is empty")
	ErrTooLarge         = errors.New("media payload too large")
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// StorageError reports a blob or record write that failed before the
// record existed. Nothing was persisted; the caller may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

type Store interface {
	Get(ctx context.Context, id string) (*models.Media, error)
	CreateIfAbsent(ctx context.Context, media *models.Media) (bool, error)
}

type BlobWriter interface {
	Put(ctx context.Context, ref string, data []byte, contentType string) (string, error)
}

type Locker interface {
	Lock(ctx context.Context, key string) (lock.Unlock, error)
}

type Submission struct {
	ID          string
	Data        []byte
	MediaType   string
	Filename    string
	OwnerID     *string
	Description *string
}

type SubmitResult struct {
	ID           string             `json:"media_id"`
	Status       models.MediaStatus `json:"status"`
	Deduplicated bool               `json:"deduplicated"`
}

type Config struct {
	AllowedTypes []string
	MaxBytes     int64
	LockWait     time.Duration
}

type Gateway struct {
	store      Store
	blobs      BlobWriter
	locker     Locker
	dispatcher processing.Dispatcher
	cfg        Config
	log        *zap.Logger
}

func NewGateway(store Store, blobs BlobWriter, locker Locker, dispatcher processing.Dispatcher, cfg Config, log *zap.Logger) *Gateway {
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = imaging.DefaultAllowed
	}
	return &Gateway{
		store:      store,
		blobs:      blobs,
		locker:     locker,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
	}
}

// Submit is idempotent per id. When the record exists but dispatch is
// refused, the result is returned together with an error wrapping
// processing.ErrBusy.
func (g *Gateway) Submit(ctx context.Context, s Submission) (*SubmitResult, error) {
	if len(s.Data) == 0 {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return nil, ErrEmptyPayload
	}
	if g.cfg.MaxBytes > 0 && int64(len(s.Data)) > g.cfg.MaxBytes {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(s.Data), g.cfg.MaxBytes)
	}

	id := s.ID
	if id == "" {
		id = uuid.NewString()
	} else if !idPattern.MatchString(id) {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return nil, ErrInvalidID
	}
	log := g.log.With(zap.String("media_id", id))

	if existing, err := g.lookup(ctx, id); err != nil {
		return nil, err
	} else if existing != nil {
		return g.deduplicated(ctx, existing, log)
	}

	mediaType, err := imaging.ResolveMediaType(s.Data, s.MediaType, g.cfg.AllowedTypes)
	if err != nil {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, g.cfg.LockWait)
	unlock, err := g.locker.Lock(lockCtx, id)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.Submissions.WithLabelValues("busy").Inc()
		return nil, fmt.Errorf("%w: claim %s: %v", processing.ErrBusy, id, err)
	}

	result, created, err := g.create(ctx, id, mediaType, s, log)
	unlock()
	if err != nil {
		metrics.Submissions.WithLabelValues("failed").Inc()
		return nil, err
	}
	if !created {
		return g.deduplicated(ctx, result, log)
	}

	metrics.Submissions.WithLabelValues("created").Inc()
	log.Info("media accepted", zap.String("media_type", mediaType), zap.Int("bytes", len(s.Data)))

	res := &SubmitResult{ID: id, Status: models.StatusUploaded}
	if err := g.dispatcher.Dispatch(ctx, id); err != nil {
		log.Warn("dispatch refused, record stays UPLOADED", zap.Error(err))
		return res, fmt.Errorf("dispatch %s: %w", id, err)
	}
	return res, nil
}

func (g *Gateway) lookup(ctx context.Context, id string) (*models.Media, error) {
	m, err := g.store.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		metrics.Submissions.WithLabelValues("failed").Inc()
		return nil, &StorageError{Op: "lookup", Err: err}
	}
	return m, nil
}

// create runs under the id claim. It returns the stored record and false
// when the id turned out to exist already.
func (g *Gateway) create(ctx context.Context, id, mediaType string, s Submission, log *zap.Logger) (*models.Media, bool, error) {
	if existing, err := g.lookup(ctx, id); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	ref := storage.BlobName(id, imaging.ExtensionFor(s.Filename, mediaType))
	stored, err := g.blobs.Put(ctx, ref, s.Data, mediaType)
	switch {
	case errors.Is(err, storage.ErrBlobExists):
		// Left by an attempt that died before creating the record.
		log.Warn("reusing orphaned blob", zap.String("blob_ref", ref))
		stored = ref
	case err != nil:
		return nil, false, &StorageError{Op: "write blob", Err: err}
	}

	media := &models.Media{
		ID:          id,
		MediaType:   mediaType,
		Status:      models.StatusUploaded,
		OwnerID:     s.OwnerID,
		BlobRef:     stored,
		Description: s.Description,
	}
	created, err := g.store.CreateIfAbsent(ctx, media)
	if err != nil {
		return nil, false, &StorageError{Op: "create record", Err: err}
	}
	if !created {
		existing, err := g.lookup(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, &StorageError{Op: "create record", Err: repository.ErrNotFound}
		}
		return existing, false, nil
	}
	return media, true, nil
}

func (g *Gateway) deduplicated(ctx context.Context, existing *models.Media, log *zap.Logger) (*SubmitResult, error) {
	metrics.Submissions.WithLabelValues("deduplicated").Inc()
	log.Debug("duplicate submission", zap.String("status", string(existing.Status)))

	res := &SubmitResult{ID: existing.ID, Status: existing.Status, Deduplicated: true}
	if existing.Status != models.StatusUploaded {
		return res, nil
	}
	// Still waiting for a worker, e.g. after a busy queue refused it.
	if err := g.dispatcher.Dispatch(ctx, existing.ID); err != nil {
		return res, fmt.Errorf("dispatch %s: %w", existing.ID, err)
	}
	// An inline dispatch has already run the diagnosis.
	if current, err := g.store.Get(ctx, existing.ID); err == nil {
		res.Status = current.Status
	} else {
		log.Warn("reload deduplicated media", zap.Error(err))
	}
	return res, nil
}
