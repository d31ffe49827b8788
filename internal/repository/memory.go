package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crop-diagnosis-back/internal/models"
)

// MemoryMediaRepo keeps records in a map behind one RWMutex. It serves
// STORE_DRIVER=memory and the unit tests. Returned records are copies.
type MemoryMediaRepo struct {
	mu    sync.RWMutex
	media map[string]models.Media
	now   func() time.Time
}

func NewMemoryMediaRepo() *MemoryMediaRepo {
	return &MemoryMediaRepo{
		media: make(map[string]models.Media),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryMediaRepo) CreateIfAbsent(_ context.Context, media *models.Media) (bool, error) {
	if media.Status != models.StatusUploaded {
		return false, fmt.Errorf("%w: records are created as %s", ErrInvalidTransition, models.StatusUploaded)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.media[media.ID]; ok {
		return false, nil
	}
	if media.CreatedAt.IsZero() {
		media.CreatedAt = r.now()
	}
	if media.UpdatedAt.IsZero() {
		media.UpdatedAt = media.CreatedAt
	}
	r.media[media.ID] = clone(*media)
	return true, nil
}

func (r *MemoryMediaRepo) Get(_ context.Context, id string) (*models.Media, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.media[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := clone(m)
	return &c, nil
}

func (r *MemoryMediaRepo) Transition(_ context.Context, id string, t Transition) error {
	if err := t.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.media[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != t.From {
		return ErrStaleTransition
	}

	m.Status = t.To
	m.UpdatedAt = r.now()
	if t.To == models.StatusCompleted {
		m.Result = copyString(t.Result)
		m.Confidence = copyString(t.Confidence)
	}
	if t.ErrorMessage != "" {
		m.ErrorMessage = t.ErrorMessage
	}
	r.media[id] = m
	return nil
}

func (r *MemoryMediaRepo) List(_ context.Context, f HistoryFilter) ([]models.Media, error) {
	r.mu.RLock()
	out := make([]models.Media, 0, len(r.media))
	for _, m := range r.media {
		if f.OwnerID != nil && !m.OwnedBy(*f.OwnerID) {
			continue
		}
		if f.Before != nil && !f.Before.After(&m) {
			continue
		}
		out = append(out, clone(m))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryMediaRepo) ListByStatus(_ context.Context, f StatusFilter) ([]models.Media, error) {
	r.mu.RLock()
	var out []models.Media
	for _, m := range r.media {
		if m.Status != f.Status {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !m.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		out = append(out, clone(m))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func clone(m models.Media) models.Media {
	m.OwnerID = copyString(m.OwnerID)
	m.Description = copyString(m.Description)
	m.Result = copyString(m.Result)
	m.Confidence = copyString(m.Confidence)
	return m
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
