package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome classifies a single reconciliation pass. Err is only discarded at
// the periodic-loop boundary; on-demand callers and tests see it.
type Outcome struct {
	Changed bool
	Err     error
}

// Syncer is the reconciliation engine. It periodically diffs the local queue
// against the provider's live playback and playlist state and replaces the
// queue store with the merged view when they disagree.
//
// The remote playlist is the ordering authority; the local state is the
// metadata authority. Staff can reorder or skip directly in the native app
// without losing requester attribution, as long as the track was represented
// locally at least once.
type Syncer struct {
	store       *QueueStore
	provider    ProviderClient
	broadcaster Broadcaster
	interval    time.Duration
	logger      *zap.Logger

	onOutcome func(Outcome)
}

type SyncerOption func(*Syncer)

// WithOutcomeHook observes every reconciliation outcome, including the ones
// whose errors the periodic loop discards.
func WithOutcomeHook(hook func(Outcome)) SyncerOption {
	return func(s *Syncer) {
		s.onOutcome = hook
	}
}

func NewSyncer(
	store *QueueStore,
	provider ProviderClient,
	broadcaster Broadcaster,
	interval time.Duration,
	logger *zap.Logger,
	opts ...SyncerOption,
) *Syncer {
	s := &Syncer{
		store:       store,
		provider:    provider,
		broadcaster: broadcaster,
		interval:    interval,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the periodic reconciliation loop until the context is
// canceled. Pass failures are logged and dropped; the next tick retries.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("Starting reconciliation loop", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reconciliation loop stopped")
			return nil
		case <-ticker.C:
			outcome := s.Reconcile(ctx)
			if outcome.Err != nil {
				s.logger.Debug("Reconciliation pass failed, retrying next tick",
					zap.Error(outcome.Err))
			}
		}
	}
}

// Reconcile performs one reconciliation pass. An unauthorized session is a
// silent no-op; fetch failures abort the pass without touching local state.
func (s *Syncer) Reconcile(ctx context.Context) Outcome {
	outcome := s.reconcile(ctx)
	if s.onOutcome != nil {
		s.onOutcome(outcome)
	}
	return outcome
}

func (s *Syncer) reconcile(ctx context.Context) Outcome {
	if !s.provider.Session(ctx).Authorized {
		return Outcome{}
	}

	var (
		playing  *PlaybackState
		playlist []Track
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.provider.CurrentlyPlaying(gctx)
		if err != nil {
			return fmt.Errorf("fetch currently playing: %w", err)
		}
		playing = p
		return nil
	})
	g.Go(func() error {
		tracks, err := s.provider.PlaylistTracks(gctx)
		if err != nil {
			return fmt.Errorf("fetch playlist tracks: %w", err)
		}
		playlist = tracks
		return nil
	})
	if err := g.Wait(); err != nil {
		return Outcome{Err: err}
	}

	current := s.store.Snapshot()
	meta := s.store.MetadataIndex()

	newNow := s.mergeNowPlaying(current.NowPlaying, playing, playlist, meta)
	newQueue := s.mergeQueue(newNow, playlist, meta)

	if !s.stateChanged(current, newNow, newQueue) {
		return Outcome{}
	}

	merged := QueueState{NowPlaying: newNow, Queue: newQueue}
	s.store.Replace(merged)
	s.broadcaster.Broadcast(merged)

	s.logger.Debug("Reconciled queue with remote state",
		zap.Int("queueLength", len(newQueue)),
		zap.Bool("hasNowPlaying", newNow != nil))

	return Outcome{Changed: true}
}

// mergeNowPlaying picks the new nowPlaying candidate. The previous value is
// kept unless the provider reports a playing track that belongs to our
// playlist context; the absence of a signal never force-clears it.
func (s *Syncer) mergeNowPlaying(
	prev *QueueItem,
	playing *PlaybackState,
	playlist []Track,
	meta map[string]RequestMeta,
) *QueueItem {
	if playing == nil || playing.Track == nil {
		return prev
	}

	contextURI := s.provider.PlaylistContextURI()
	inOurContext := contextURI != "" && playing.ContextURI == contextURI
	if !inOurContext {
		for i := range playlist {
			if playlist[i].URI == playing.Track.URI {
				inOurContext = true
				break
			}
		}
	}
	if !inOurContext {
		return prev
	}

	item := itemWithMeta(*playing.Track, meta)
	return &item
}

// mergeQueue mirrors the remote playlist order, excluding the nowPlaying
// identity, with local metadata preserved.
func (s *Syncer) mergeQueue(newNow *QueueItem, playlist []Track, meta map[string]RequestMeta) []QueueItem {
	queue := make([]QueueItem, 0, len(playlist))
	for i := range playlist {
		if newNow != nil && playlist[i].ID == newNow.ID {
			continue
		}
		queue = append(queue, itemWithMeta(playlist[i], meta))
	}
	return queue
}

// stateChanged compares nowPlaying by (id, requester) pair and the queue by
// the exact id sequence, so steady state produces no redundant fan-out.
func (s *Syncer) stateChanged(current QueueState, newNow *QueueItem, newQueue []QueueItem) bool {
	switch {
	case current.NowPlaying == nil && newNow != nil:
		return true
	case current.NowPlaying != nil && newNow == nil:
		return true
	case current.NowPlaying != nil && newNow != nil:
		if current.NowPlaying.ID != newNow.ID || current.NowPlaying.RequestedBy != newNow.RequestedBy {
			return true
		}
	}

	if len(current.Queue) != len(newQueue) {
		return true
	}
	for i := range newQueue {
		if current.Queue[i].ID != newQueue[i].ID {
			return true
		}
	}
	return false
}

func itemWithMeta(track Track, meta map[string]RequestMeta) QueueItem {
	if m, ok := meta[track.URI]; ok {
		return QueueItem{Track: track, RequestedBy: m.RequestedBy, AddedAt: m.AddedAt}
	}
	return QueueItem{Track: track, RequestedBy: UnknownRequester, AddedAt: time.Now()}
}
