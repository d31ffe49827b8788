package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crop-diagnosis-back/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormMediaRepo struct {
	db *gorm.DB
}

func NewGormMediaRepo(db *gorm.DB) *GormMediaRepo {
	return &GormMediaRepo{db: db}
}

// CreateIfAbsent inserts the record unless its id already exists. The
// conflict check and insert are one statement, so concurrent callers with
// the same id see exactly one created=true.
func (r *GormMediaRepo) CreateIfAbsent(ctx context.Context, media *models.Media) (bool, error) {
	if media.Status != models.StatusUploaded {
		return false, fmt.Errorf("%w: records are created as %s", ErrInvalidTransition, models.StatusUploaded)
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(media)
	if res.Error != nil {
		return false, fmt.Errorf("insert media: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *GormMediaRepo) Get(ctx context.Context, id string) (*models.Media, error) {
	var media models.Media
	err := r.db.WithContext(ctx).First(&media, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get media: %w", err)
	}
	return &media, nil
}

// Transition applies t only while the row is still in t.From; the WHERE
// clause is the per-record version check, no other rows are touched.
func (r *GormMediaRepo) Transition(ctx context.Context, id string, t Transition) error {
	if err := t.validate(); err != nil {
		return err
	}

	updates := map[string]any{
		"status":     t.To,
		"updated_at": time.Now().UTC(),
	}
	if t.To == models.StatusCompleted {
		updates["result"] = t.Result
		updates["confidence"] = t.Confidence
	}
	if t.ErrorMessage != "" {
		updates["error_message"] = t.ErrorMessage
	}

	res := r.db.WithContext(ctx).
		Model(&models.Media{}).
		Where("id = ? AND status = ?", id, t.From).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update media status: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return ErrStaleTransition
}

func (r *GormMediaRepo) List(ctx context.Context, f HistoryFilter) ([]models.Media, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if f.OwnerID != nil {
		q = q.Where("owner_id = ?", *f.OwnerID)
	}
	if c := f.Before; c != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", c.CreatedAt, c.CreatedAt, c.ID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var media []models.Media
	if err := q.Find(&media).Error; err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	return media, nil
}

func (r *GormMediaRepo) ListByStatus(ctx context.Context, f StatusFilter) ([]models.Media, error) {
	q := r.db.WithContext(ctx).
		Where("status = ?", f.Status).
		Order("created_at ASC")
	if !f.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", f.UpdatedBefore)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var media []models.Media
	if err := q.Find(&media).Error; err != nil {
		return nil, fmt.Errorf("list media by status: %w", err)
	}
	return media, nil
}
