// Package events fans media status changes out to live subscribers, one
// room per media id.
package events

import (
	"sync"
	"time"

	"crop-diagnosis-back/internal/models"

	"go.uber.org/zap"
)

type StatusEvent struct {
	MediaID    string             `json:"media_id"`
	Status     models.MediaStatus `json:"status"`
	Result     *string            `json:"result,omitempty"`
	Confidence *string            `json:"confidence,omitempty"`
	Error      string             `json:"error,omitempty"`
	At         time.Time          `json:"at"`
}

// NewStatusEvent snapshots media; result fields are set only when COMPLETED.
func NewStatusEvent(media *models.Media) StatusEvent {
	ev := StatusEvent{
		MediaID: media.ID,
		Status:  media.Status,
		Error:   media.ErrorMessage,
		At:      time.Now().UTC(),
	}
	if media.Status == models.StatusCompleted {
		ev.Result = media.Result
		ev.Confidence = media.Confidence
	}
	return ev
}

const subscriberBuffer = 8

type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[chan StatusEvent]struct{}
	log   *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[chan StatusEvent]struct{}),
		log:   log,
	}
}

// Subscribe returns a channel of events for mediaID and a cancel func that
// unregisters and closes it.
func (h *Hub) Subscribe(mediaID string) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, subscriberBuffer)

	h.mu.Lock()
	room, ok := h.rooms[mediaID]
	if !ok {
		room = make(map[chan StatusEvent]struct{})
		h.rooms[mediaID] = room
	}
	room[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if room, ok := h.rooms[mediaID]; ok {
				delete(room, ch)
				if len(room) == 0 {
					delete(h.rooms, mediaID)
				}
			}
			close(ch)
		})
	}
}

// Publish never blocks; a subscriber with a full buffer misses the event
// and can still read the current state through the query API.
func (h *Hub) Publish(media *models.Media) {
	ev := NewStatusEvent(media)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.rooms[media.ID] {
		select {
		case ch <- ev:
		default:
			h.log.Debug("drop status event for slow subscriber", zap.String("media_id", media.ID))
		}
	}
}

func (h *Hub) Subscribers(mediaID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[mediaID])
}
