// internal/models/models.go
package models

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Password  string         `gorm:"not null" json:"-"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

type MediaStatus string

const (
	StatusUploaded   MediaStatus = "UPLOADED"
	StatusProcessing MediaStatus = "PROCESSING"
	StatusCompleted  MediaStatus = "COMPLETED"
	StatusFailed     MediaStatus = "FAILED"
)

// IsTerminal reports whether no further transitions can happen.
func (s MediaStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo allows only single forward steps of the lifecycle.
func (s MediaStatus) CanTransitionTo(next MediaStatus) bool {
	switch s {
	case StatusUploaded:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Stage is the position in the lifecycle; both terminal states share one.
func (s MediaStatus) Stage() int {
	switch s {
	case StatusUploaded:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

func (s MediaStatus) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Media is one submission and its diagnosis lifecycle. Records are never
// soft-deleted, so there is no DeletedAt column.
type Media struct {
	ID           string      `gorm:"primaryKey;type:varchar(128)" json:"media_id"`
	MediaType    string      `gorm:"type:varchar(128)" json:"media_type"`
	Status       MediaStatus `gorm:"type:varchar(16);not null;default:'UPLOADED';index" json:"status"`
	OwnerID      *string     `gorm:"type:varchar(64);index:idx_media_owner_created,priority:1" json:"owner_id,omitempty"`
	BlobRef      string      `gorm:"column:file_path;not null" json:"file_path"`
	Description  *string     `json:"description,omitempty"`
	Result       *string     `json:"result"`
	Confidence   *string     `json:"confidence"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `gorm:"not null;index;index:idx_media_owner_created,priority:2" json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (Media) TableName() string {
	return "media"
}

// OwnedBy reports strict ownership; unowned records belong to nobody.
func (m *Media) OwnedBy(ownerID string) bool {
	return m.OwnerID != nil && *m.OwnerID == ownerID
}
