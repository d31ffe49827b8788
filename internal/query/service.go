// Package query serves read-only projections of media records: status,
// gated result, owner-scoped history and stored blobs.
package query

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crop-diagnosis-back/internal/models"
	"crop-diagnosis-back/internal/repository"
	"crop-diagnosis-back/internal/storage"

	"go.uber.org/zap"
)

const (
	DefaultMaxPageSize = 200
	MaxPageSize        = 1000
)

var (
	ErrNotFound      = repository.ErrNotFound
	ErrInvalidCursor = errors.New("invalid history cursor")
)

type Store interface {
	Get(ctx context.Context, id string) (*models.Media, error)
	List(ctx context.Context, f repository.HistoryFilter) ([]models.Media, error)
}

type BlobReader interface {
	Open(ctx context.Context, ref string) (*storage.Blob, error)
}

// Presigner is implemented by blob stores that can hand out direct links.
type Presigner interface {
	PresignedURL(ctx context.Context, ref string) (string, error)
}

type StatusView struct {
	ID        string             `json:"media_id"`
	Status    models.MediaStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Error     string             `json:"error,omitempty"`
}

// ResultView carries result and confidence only for COMPLETED records.
type ResultView struct {
	ID         string             `json:"media_id"`
	Status     models.MediaStatus `json:"status"`
	Result     *string            `json:"result"`
	Confidence *string            `json:"confidence"`
	Error      string             `json:"error,omitempty"`
}

type HistoryItem struct {
	ID          string             `json:"media_id"`
	Status      models.MediaStatus `json:"status"`
	MediaType   string             `json:"media_type"`
	Description *string            `json:"description,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	Result      *string            `json:"result"`
	Confidence  *string            `json:"confidence"`
	BlobRef     string             `json:"file_path"`
	FileURL     string             `json:"file_url"`
}

// HistoryRequest asks for one owner's history, or everyone's when OwnerID
// is nil. Limit 0 returns the whole remaining history; a positive Limit
// returns one page, clamped to the service's maximum page size. Before is
// the NextCursor of a previous page.
type HistoryRequest struct {
	OwnerID *string
	Limit   int
	Before  string
}

// HistoryPage holds records newest first. NextCursor is empty on the last page.
type HistoryPage struct {
	Items      []HistoryItem
	NextCursor string
}

type Options struct {
	CacheSize   int
	CacheTTL    time.Duration
	MaxPageSize int
}

type Service struct {
	store       Store
	blobs       BlobReader
	cache       *terminalCache
	maxPageSize int
	log         *zap.Logger
}

func NewService(store Store, blobs BlobReader, opts Options, log *zap.Logger) *Service {
	size := opts.MaxPageSize
	if size <= 0 {
		size = DefaultMaxPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return &Service{
		store:       store,
		blobs:       blobs,
		cache:       newTerminalCache(opts.CacheSize, opts.CacheTTL),
		maxPageSize: size,
		log:         log,
	}
}

// Media returns the current record, from cache when it is terminal.
func (s *Service) Media(ctx context.Context, id string) (*models.Media, error) {
	if m, ok := s.cache.get(id); ok {
		return m, nil
	}
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.put(m)
	return m, nil
}

func (s *Service) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	m, err := s.Media(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		ID:        m.ID,
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Error:     m.ErrorMessage,
	}, nil
}

func (s *Service) GetResult(ctx context.Context, id string) (*ResultView, error) {
	m, err := s.Media(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &ResultView{ID: m.ID, Status: m.Status, Error: m.ErrorMessage}
	if m.Status == models.StatusCompleted {
		view.Result = m.Result
		view.Confidence = m.Confidence
	}
	return view, nil
}

// GetHistory lists records newest first. Following NextCursor until it is
// empty visits every matching record exactly once.
func (s *Service) GetHistory(ctx context.Context, req HistoryRequest) (*HistoryPage, error) {
	filter := repository.HistoryFilter{OwnerID: req.OwnerID}
	if req.Before != "" {
		c, err := decodeCursor(req.Before)
		if err != nil {
			return nil, err
		}
		filter.Before = c
	}

	limit := req.Limit
	if limit < 0 {
		limit = 0
	}
	if limit > s.maxPageSize {
		limit = s.maxPageSize
	}
	if limit > 0 {
		// One extra row tells whether another page follows.
		filter.Limit = limit + 1
	}

	records, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	page := &HistoryPage{}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
		page.NextCursor = encodeCursor(&records[limit-1])
	}

	page.Items = make([]HistoryItem, 0, len(records))
	for i := range records {
		m := &records[i]
		item := HistoryItem{
			ID:          m.ID,
			Status:      m.Status,
			MediaType:   m.MediaType,
			Description: m.Description,
			CreatedAt:   m.CreatedAt,
			BlobRef:     m.BlobRef,
			FileURL:     s.fileURL(ctx, m.BlobRef),
		}
		if m.Status == models.StatusCompleted {
			item.Result = m.Result
			item.Confidence = m.Confidence
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

func encodeCursor(m *models.Media) string {
	raw := strconv.FormatInt(m.CreatedAt.UnixNano(), 10) + "|" + m.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*repository.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &repository.Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// FetchBlob opens a stored blob. Unknown or malformed refs are ErrNotFound.
func (s *Service) FetchBlob(ctx context.Context, ref string) (*storage.Blob, error) {
	blob, err := s.blobs.Open(ctx, ref)
	if errors.Is(err, storage.ErrBlobNotFound) || errors.Is(err, storage.ErrInvalidRef) {
		return nil, fmt.Errorf("%w: blob %s", ErrNotFound, ref)
	}
	return blob, err
}

func (s *Service) fileURL(ctx context.Context, ref string) string {
	if ref == "" {
		return ""
	}
	if p, ok := s.blobs.(Presigner); ok {
		u, err := p.PresignedURL(ctx, ref)
		if err == nil {
			return u
		}
		s.log.Warn("presign blob", zap.String("blob_ref", ref), zap.Error(err))
	}
	return "/uploads/" + url.PathEscape(ref)
}
