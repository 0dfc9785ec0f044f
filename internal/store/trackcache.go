// Package store provides small in-memory caches used by the provider client.
package store

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"jukebox/internal/core"
)

// TrackCache is an LRU cache of catalog track metadata keyed by track ID.
// Promoted and reconciled tracks are looked up repeatedly; caching keeps those
// lookups off the provider API.
type TrackCache struct {
	cache *lru.Cache[string, core.Track]
}

func NewTrackCache(size int) (*TrackCache, error) {
	cache, err := lru.New[string, core.Track](size)
	if err != nil {
		return nil, err
	}
	return &TrackCache{cache: cache}, nil
}

func (c *TrackCache) Get(trackID string) (core.Track, bool) {
	return c.cache.Get(trackID)
}

func (c *TrackCache) Add(track core.Track) {
	c.cache.Add(track.ID, track)
}

func (c *TrackCache) Len() int {
	return c.cache.Len()
}
