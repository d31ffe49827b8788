// Package repository holds the media record stores: a gorm/PostgreSQL
// implementation and a mutex-guarded in-memory one with the same semantics.
package repository

import (
	"errors"
	"fmt"
	"time"

	"crop-diagnosis-back/internal/models"
)

var (
	ErrNotFound = errors.New("media not found")
	// ErrStaleTransition means the record exists but is no longer in the
	// expected source status; another worker already moved it.
	ErrStaleTransition = errors.New("media status changed concurrently")
	// ErrInvalidTransition means the requested step is not part of the lifecycle.
	ErrInvalidTransition = errors.New("invalid media status transition")
)

// Transition is a conditional status step applied to a single record.
type Transition struct {
	From         models.MediaStatus
	To           models.MediaStatus
	Result       *string
	Confidence   *string
	ErrorMessage string
}

func (t Transition) validate() error {
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	if t.To != models.StatusCompleted && (t.Result != nil || t.Confidence != nil) {
		return fmt.Errorf("%w: result set on %s", ErrInvalidTransition, t.To)
	}
	return nil
}

// HistoryFilter selects records for a history scan. A nil OwnerID means
// every record; a non-nil one matches that owner only. Before continues a
// scan after the given position. Limit 0 returns every match.
type HistoryFilter struct {
	OwnerID *string
	Before  *Cursor
	Limit   int
}

// Cursor is a position in the (created_at DESC, id DESC) history order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After reports whether m sorts after the cursor position.
func (c Cursor) After(m *models.Media) bool {
	if m.CreatedAt.Equal(c.CreatedAt) {
		return m.ID < c.ID
	}
	return m.CreatedAt.Before(c.CreatedAt)
}

// StatusFilter selects records in one status last touched before a cutoff.
type StatusFilter struct {
	Status        models.MediaStatus
	UpdatedBefore time.Time
	Limit         int
}
