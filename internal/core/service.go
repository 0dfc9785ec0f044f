package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// remoteWriteTimeout bounds fire-and-forget playlist writes that outlive the
// triggering HTTP request.
const remoteWriteTimeout = 15 * time.Second

// Service implements the command surface of the kiosk: request submission,
// queue administration and playback control. Local queue state is updated
// first and broadcast synchronously; remote playlist writes are best-effort
// and reconciled by the next sync pass when they fail.
type Service struct {
	config      *Config
	store       *QueueStore
	provider    ProviderClient
	limiter     RequestLimiter
	broadcaster Broadcaster
	syncer      *Syncer
	logger      *zap.Logger

	remoteHook func(op string, err error)
}

type ServiceOption func(*Service)

// WithRemoteWriteHook observes the outcome of every best-effort remote
// playlist write. Tests use it to assert on the intentional local/remote
// divergence window.
func WithRemoteWriteHook(hook func(op string, err error)) ServiceOption {
	return func(s *Service) {
		s.remoteHook = hook
	}
}

func NewService(
	config *Config,
	store *QueueStore,
	provider ProviderClient,
	limiter RequestLimiter,
	broadcaster Broadcaster,
	syncer *Syncer,
	logger *zap.Logger,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		config:      config,
		store:       store,
		provider:    provider,
		limiter:     limiter,
		broadcaster: broadcaster,
		syncer:      syncer,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current queue snapshot.
func (s *Service) State() QueueState {
	return s.store.Snapshot()
}

// Status reports the delegated session state.
func (s *Service) Status(ctx context.Context) SessionStatus {
	return s.provider.Session(ctx)
}

// Search looks up catalog tracks for the kiosk search box.
func (s *Service) Search(ctx context.Context, query string) ([]Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Track{}, nil
	}
	return s.provider.SearchTracks(ctx, query)
}

// AddRequest validates and appends a patron request. The local append and
// broadcast are synchronous; the remote playlist add runs asynchronously and
// its failure never rolls back the local state.
func (s *Service) AddRequest(ctx context.Context, track Track, requestedBy string) (*QueueItem, error) {
	if track.ID == "" || track.URI == "" {
		return nil, &ValidationError{Field: "track", Reason: "id and uri are required"}
	}
	name := strings.TrimSpace(requestedBy)
	if name == "" {
		return nil, &ValidationError{Field: "requestedBy", Reason: "must not be blank"}
	}

	if !s.limiter.Allow(name) {
		return nil, &RateLimitError{
			Name:   name,
			Limit:  s.config.Queue.RequestLimit,
			Window: s.config.Queue.RequestWindow(),
		}
	}

	item := QueueItem{Track: track, RequestedBy: name, AddedAt: time.Now()}
	if err := s.store.Append(item); err != nil {
		return nil, err
	}
	s.limiter.Record(name)

	s.logger.Info("Request queued",
		zap.String("trackID", track.ID),
		zap.String("title", track.Title),
		zap.String("requestedBy", name))

	s.broadcast()

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
		defer cancel()
		s.notifyRemote("playlist.add", s.provider.AddToPlaylist(bgCtx, track.URI))
	}()

	return &item, nil
}

// Remove deletes queue entries matching the given id and/or uri. Both
// criteria are AND-ed when both are supplied.
func (s *Service) Remove(ctx context.Context, id, uri string) error {
	if id == "" && uri == "" {
		return &ValidationError{Field: "id/uri", Reason: "at least one is required"}
	}

	removed := s.store.RemoveMatching(id, uri)
	if removed == 0 {
		return nil
	}

	if uri != "" {
		s.notifyRemote("playlist.remove", s.provider.RemoveFromPlaylist(ctx, uri))
	}
	s.broadcast()
	return nil
}

// Reorder rebuilds the queue to the desired URI order and pushes the full
// [nowPlaying, queue...] order to the remote playlist.
func (s *Service) Reorder(ctx context.Context, uris []string) ([]QueueItem, error) {
	if len(uris) == 0 {
		return nil, &ValidationError{Field: "uris", Reason: "must not be empty"}
	}

	newQueue := s.store.Reorder(uris)

	state := s.store.Snapshot()
	desired := make([]string, 0, len(state.Queue)+1)
	if state.NowPlaying != nil {
		desired = append(desired, state.NowPlaying.URI)
	}
	for _, item := range state.Queue {
		desired = append(desired, item.URI)
	}

	if err := s.provider.ReplacePlaylist(ctx, desired); err != nil {
		return nil, fmt.Errorf("failed to push reordered playlist: %w", err)
	}

	s.broadcast()
	return newQueue, nil
}

// Advance moves the queue head into nowPlaying, or clears nowPlaying when
// the queue is empty. The previous nowPlaying is removed from the remote
// playlist best-effort.
func (s *Service) Advance(ctx context.Context) *QueueItem {
	prev, next := s.store.Advance()
	if prev != nil {
		s.notifyRemote("playlist.remove", s.provider.RemoveFromPlaylist(ctx, prev.URI))
	}
	s.broadcast()
	return next
}

// SetNowPlaying is the manual staff override for the current track.
func (s *Service) SetNowPlaying(item QueueItem) {
	s.store.SetNowPlaying(&item)
	s.broadcast()
}

// PlayTrackNow promotes a track to the top of the playlist and starts
// playback from it, carrying over the original requester attribution when
// the track had been queued.
func (s *Service) PlayTrackNow(ctx context.Context, uri string) (QueueState, error) {
	if uri == "" {
		return QueueState{}, &ValidationError{Field: "uri", Reason: "must not be blank"}
	}
	if !s.provider.Session(ctx).Authorized {
		return QueueState{}, ErrNotAuthorized
	}

	// Clear the target's old position and the current track remotely so the
	// playlist top ends up holding exactly the promoted track.
	s.notifyRemote("playlist.remove", s.provider.RemoveFromPlaylist(ctx, uri))
	if prev := s.store.DropNowPlaying(); prev != nil {
		s.notifyRemote("playlist.remove", s.provider.RemoveFromPlaylist(ctx, prev.URI))
		s.store.RemoveMatching(prev.ID, "")
	}

	if err := s.provider.AddToPlaylistAt(ctx, uri, 0); err != nil {
		return QueueState{}, fmt.Errorf("failed to insert track at playlist top: %w", err)
	}
	if err := s.provider.PlayPlaylist(ctx, ""); err != nil {
		return QueueState{}, fmt.Errorf("failed to start playlist playback: %w", err)
	}

	meta := s.store.TakeByURI(uri)

	item := s.rebuildPromotedItem(ctx, uri, meta)
	if item != nil {
		s.store.SetNowPlaying(item)
	}

	s.broadcast()
	return s.store.Snapshot(), nil
}

// rebuildPromotedItem fetches canonical track metadata for a promoted URI
// and attaches the preserved requester attribution.
func (s *Service) rebuildPromotedItem(ctx context.Context, uri string, meta *QueueItem) *QueueItem {
	trackID := TrackIDFromURI(uri)
	if trackID == "" {
		return nil
	}

	track, err := s.provider.GetTrack(ctx, trackID)
	if err != nil {
		s.logger.Warn("Failed to fetch promoted track metadata",
			zap.String("trackID", trackID),
			zap.Error(err))
		if meta == nil {
			return nil
		}
		fallback := *meta
		fallback.AddedAt = time.Now()
		return &fallback
	}

	item := QueueItem{Track: *track, RequestedBy: UnknownRequester, AddedAt: time.Now()}
	if meta != nil {
		item.RequestedBy = meta.RequestedBy
	}
	return &item
}

// Play resumes playback, falling back to device transfer inside the
// provider client.
func (s *Service) Play(ctx context.Context) error {
	return s.provider.Play(ctx)
}

func (s *Service) Pause(ctx context.Context) error {
	return s.provider.Pause(ctx)
}

// SkipNext skips playback forward, drops the skipped track locally and
// remotely, and forces a reconciliation pass so the view catches up.
func (s *Service) SkipNext(ctx context.Context) error {
	prev := s.store.Snapshot().NowPlaying

	if err := s.provider.Next(ctx); err != nil {
		return err
	}

	if prev != nil {
		s.notifyRemote("playlist.remove", s.provider.RemoveFromPlaylist(ctx, prev.URI))
		s.store.RemoveMatching(prev.ID, "")
	}

	s.syncer.Reconcile(ctx)
	s.broadcast()
	return nil
}

// SkipPrevious skips playback backward and resyncs.
func (s *Service) SkipPrevious(ctx context.Context) error {
	if err := s.provider.Previous(ctx); err != nil {
		return err
	}
	s.syncer.Reconcile(ctx)
	return nil
}

// StartPlaylist starts playback of the managed playlist from the top.
func (s *Service) StartPlaylist(ctx context.Context) error {
	return s.provider.PlayPlaylist(ctx, "")
}

func (s *Service) Devices(ctx context.Context) ([]Device, error) {
	return s.provider.Devices(ctx)
}

func (s *Service) TransferPlayback(ctx context.Context, deviceID string, play bool) error {
	if deviceID == "" {
		return &ValidationError{Field: "deviceId", Reason: "must not be blank"}
	}
	return s.provider.TransferPlayback(ctx, deviceID, play)
}

// ClearQueue empties the local pending queue only.
func (s *Service) ClearQueue() {
	s.store.ClearQueue()
	s.broadcast()
}

// ClearPlaylist wipes the remote playlist.
func (s *Service) ClearPlaylist(ctx context.Context) error {
	return s.provider.ClearPlaylist(ctx)
}

// SyncNow runs an on-demand reconciliation pass and returns the resulting
// state. The pass error is surfaced to the caller here, unlike the silent
// periodic loop.
func (s *Service) SyncNow(ctx context.Context) (QueueState, error) {
	outcome := s.syncer.Reconcile(ctx)
	return s.store.Snapshot(), outcome.Err
}

func (s *Service) broadcast() {
	s.broadcaster.Broadcast(s.store.Snapshot())
}

// notifyRemote logs and reports a best-effort remote write outcome without
// failing the local operation.
func (s *Service) notifyRemote(op string, err error) {
	if err != nil {
		s.logger.Warn("Best-effort remote write failed",
			zap.String("op", op),
			zap.Error(err))
	}
	if s.remoteHook != nil {
		s.remoteHook(op, err)
	}
}

// TrackIDFromURI extracts the track ID from a spotify:track:<id> reference.
func TrackIDFromURI(uri string) string {
	parts := strings.Split(uri, ":")
	if len(parts) < 3 || parts[2] == "" {
		return ""
	}
	return parts[2]
}
