package query

import (
	"time"

	"crop-diagnosis-back/internal/metrics"
	"crop-diagnosis-back/internal/models"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// terminalCache holds COMPLETED and FAILED records, which never change.
// Non-terminal records are never cached.
type terminalCache struct {
	lru *expirable.LRU[string, models.Media]
}

func newTerminalCache(size int, ttl time.Duration) *terminalCache {
	if size <= 0 {
		return nil
	}
	return &terminalCache{lru: expirable.NewLRU[string, models.Media](size, nil, ttl)}
}

func (c *terminalCache) get(id string) (*models.Media, bool) {
	if c == nil {
		return nil, false
	}
	m, ok := c.lru.Get(id)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &m, true
}

func (c *terminalCache) put(m *models.Media) {
	if c == nil || !m.Status.IsTerminal() {
		return
	}
	c.lru.Add(m.ID, *m)
}
