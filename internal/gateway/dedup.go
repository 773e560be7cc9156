package gateway

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup is a bounded set of recently processed event ids. Repository events
// are delivered at least once; checking the id here keeps a redelivered
// assignment or cancellation from firing its side effects twice.
type Dedup struct {
	cache *lru.Cache[string, struct{}]
}

// NewDedup constructs a Dedup holding up to size ids.
func NewDedup(size int) (*Dedup, error) {
	if size <= 0 {
		return nil, errors.New("gateway: dedup size must be positive")
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Dedup{cache: cache}, nil
}

// Seen reports whether id was already marked as processed. It never marks
// the id itself: marking is deferred to Mark so an event whose handling
// fails stays eligible for redelivery. An empty id is never deduplicated.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	return d.cache.Contains(id)
}

// Mark records id as processed.
func (d *Dedup) Mark(id string) {
	if id == "" {
		return
	}
	d.cache.Add(id, struct{}{})
}
