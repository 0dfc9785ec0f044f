package core

import (
	"sync"
)

// QueueStore is the authoritative in-memory queue model. All reads get a
// snapshot; all writes compute the new state under the lock and assign it,
// never exposing a half-mutated view. The no-duplicate invariant (a track ID
// appears at most once across nowPlaying and queue) is enforced here.
type QueueStore struct {
	mutex      sync.RWMutex
	nowPlaying *QueueItem
	queue      []QueueItem
}

func NewQueueStore() *QueueStore {
	return &QueueStore{}
}

// Snapshot returns a copy of the current state. The queue slice is always
// non-nil so it marshals as [] rather than null.
func (s *QueueStore) Snapshot() QueueState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.snapshotLocked()
}

func (s *QueueStore) snapshotLocked() QueueState {
	state := QueueState{Queue: make([]QueueItem, len(s.queue))}
	copy(state.Queue, s.queue)
	if s.nowPlaying != nil {
		np := *s.nowPlaying
		state.NowPlaying = &np
	}
	return state
}

// Len returns the number of pending queue entries, excluding nowPlaying.
func (s *QueueStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.queue)
}

// Append adds an item to the end of the queue. It returns a ConflictError
// when the track ID already appears as nowPlaying or in the queue.
func (s *QueueStore) Append(item QueueItem) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.nowPlaying != nil && s.nowPlaying.ID == item.ID {
		return &ConflictError{TrackID: item.ID}
	}
	for i := range s.queue {
		if s.queue[i].ID == item.ID {
			return &ConflictError{TrackID: item.ID}
		}
	}

	s.queue = append(s.queue, item)
	return nil
}

// RemoveMatching removes all queue entries matching the given criteria.
// Both criteria are AND-ed when both are supplied; an empty criterion
// matches everything. Returns the number of entries removed.
func (s *QueueStore) RemoveMatching(id, uri string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	kept := s.queue[:0]
	for _, item := range s.queue {
		idMatch := id == "" || item.ID == id
		uriMatch := uri == "" || item.URI == uri
		if !(idMatch && uriMatch) {
			kept = append(kept, item)
		}
	}
	removed := len(s.queue) - len(kept)
	s.queue = kept
	return removed
}

// Reorder rebuilds the queue to follow the given URI order, keeping only
// URIs currently present and dropping repeats. Unknown URIs are silently
// ignored. Returns a copy of the resulting queue.
func (s *QueueStore) Reorder(uris []string) []QueueItem {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	byURI := make(map[string]QueueItem, len(s.queue))
	for _, item := range s.queue {
		byURI[item.URI] = item
	}

	newQueue := make([]QueueItem, 0, len(s.queue))
	seen := make(map[string]bool, len(uris))
	for _, uri := range uris {
		if seen[uri] {
			continue
		}
		item, ok := byURI[uri]
		if !ok {
			continue
		}
		newQueue = append(newQueue, item)
		seen[uri] = true
	}
	s.queue = newQueue

	result := make([]QueueItem, len(newQueue))
	copy(result, newQueue)
	return result
}

// Advance moves the queue head into nowPlaying. With an empty queue it just
// clears nowPlaying. Returns the previous nowPlaying and the new one.
func (s *QueueStore) Advance() (prev, next *QueueItem) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	prev = s.nowPlaying
	if len(s.queue) == 0 {
		s.nowPlaying = nil
		return prev, nil
	}

	if prev != nil {
		kept := s.queue[:0]
		for _, item := range s.queue {
			if item.ID != prev.ID {
				kept = append(kept, item)
			}
		}
		s.queue = kept
	}

	if len(s.queue) == 0 {
		s.nowPlaying = nil
		return prev, nil
	}

	head := s.queue[0]
	s.queue = append(s.queue[:0], s.queue[1:]...)
	s.nowPlaying = &head
	return prev, &head
}

// TakeByURI removes the first queue entry with the given URI and returns it,
// or nil when the URI is not queued.
func (s *QueueStore) TakeByURI(uri string) *QueueItem {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range s.queue {
		if s.queue[i].URI == uri {
			item := s.queue[i]
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return &item
		}
	}
	return nil
}

// SetNowPlaying replaces nowPlaying and drops any queue entries with the
// same track ID to keep the no-duplicate invariant.
func (s *QueueStore) SetNowPlaying(item *QueueItem) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.nowPlaying = item
	if item == nil {
		return
	}
	kept := s.queue[:0]
	for _, q := range s.queue {
		if q.ID != item.ID {
			kept = append(kept, q)
		}
	}
	s.queue = kept
}

// DropNowPlaying clears nowPlaying and returns the previous value.
func (s *QueueStore) DropNowPlaying() *QueueItem {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	prev := s.nowPlaying
	s.nowPlaying = nil
	return prev
}

// ClearQueue empties the pending queue, leaving nowPlaying untouched.
func (s *QueueStore) ClearQueue() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.queue = nil
}

// Replace swaps the whole state in one assignment. Used by the
// reconciliation engine after it has computed a merged view.
func (s *QueueStore) Replace(state QueueState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.nowPlaying = state.NowPlaying
	s.queue = state.Queue
}

// MetadataIndex maps the playable URI of every current item (nowPlaying
// included) to its request metadata. The reconciliation engine uses it to
// preserve human-authored attribution across passes.
func (s *QueueStore) MetadataIndex() map[string]RequestMeta {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	index := make(map[string]RequestMeta, len(s.queue)+1)
	for _, item := range s.queue {
		index[item.URI] = RequestMeta{RequestedBy: item.RequestedBy, AddedAt: item.AddedAt}
	}
	if s.nowPlaying != nil {
		index[s.nowPlaying.URI] = RequestMeta{
			RequestedBy: s.nowPlaying.RequestedBy,
			AddedAt:     s.nowPlaying.AddedAt,
		}
	}
	return index
}
