package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newSyncerFixture() (*Syncer, *QueueStore, *fakeProvider, *fakeBroadcaster) {
	store := NewQueueStore()
	provider := newFakeProvider()
	broadcaster := &fakeBroadcaster{}
	syncer := NewSyncer(store, provider, broadcaster, time.Second, zap.NewNop())
	return syncer, store, provider, broadcaster
}

func TestSyncer_UnauthorizedIsNoOp(t *testing.T) {
	syncer, store, provider, broadcaster := newSyncerFixture()
	provider.authorized = false
	_ = store.Append(testItem("a"))

	outcome := syncer.Reconcile(context.Background())
	if outcome.Err != nil || outcome.Changed {
		t.Errorf("Unauthorized pass should be a silent no-op, got %+v", outcome)
	}
	if broadcaster.count() != 0 {
		t.Error("No broadcast expected")
	}
	if store.Len() != 1 {
		t.Error("Local state must be untouched")
	}
}

func TestSyncer_FetchErrorAbortsPass(t *testing.T) {
	syncer, store, provider, broadcaster := newSyncerFixture()
	_ = store.Append(testItem("a"))
	provider.fetchErr = errors.New("upstream down")

	outcome := syncer.Reconcile(context.Background())
	if outcome.Err == nil {
		t.Fatal("Expected fetch error to surface")
	}
	if outcome.Changed {
		t.Error("Failed pass must not report a change")
	}
	if store.Len() != 1 {
		t.Error("Failed pass must not touch local state")
	}
	if broadcaster.count() != 0 {
		t.Error("Failed pass must not broadcast")
	}
}

func TestSyncer_PlaylistIsOrderingAuthority(t *testing.T) {
	syncer, store, provider, broadcaster := newSyncerFixture()

	// Local order a, b; staff reordered to b, a in the native app.
	_ = store.Append(testItem("a"))
	_ = store.Append(testItem("b"))
	provider.playlist = []Track{testItem("b").Track, testItem("a").Track}

	outcome := syncer.Reconcile(context.Background())
	if outcome.Err != nil {
		t.Fatalf("Reconcile failed: %v", outcome.Err)
	}
	if !outcome.Changed {
		t.Fatal("Reorder should be detected as a change")
	}

	state := store.Snapshot()
	if state.Queue[0].ID != "b" || state.Queue[1].ID != "a" {
		t.Errorf("Queue should follow playlist order, got %+v", state.Queue)
	}
	if broadcaster.count() != 1 {
		t.Errorf("Expected exactly 1 broadcast, got %d", broadcaster.count())
	}
}

func TestSyncer_PreservesRequesterMetadata(t *testing.T) {
	syncer, store, provider, _ := newSyncerFixture()

	queued := testItem("a")
	queued.RequestedBy = "Bob"
	_ = store.Append(queued)

	provider.playlist = []Track{testItem("x").Track, testItem("a").Track}

	if outcome := syncer.Reconcile(context.Background()); outcome.Err != nil {
		t.Fatalf("Reconcile failed: %v", outcome.Err)
	}

	state := store.Snapshot()
	if len(state.Queue) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(state.Queue))
	}
	if state.Queue[0].RequestedBy != UnknownRequester {
		t.Errorf("Staff-added track should carry the placeholder, got %s", state.Queue[0].RequestedBy)
	}
	if state.Queue[1].RequestedBy != "Bob" {
		t.Errorf("Known track must keep attribution, got %s", state.Queue[1].RequestedBy)
	}
}

func TestSyncer_NowPlayingFromContext(t *testing.T) {
	syncer, store, provider, _ := newSyncerFixture()

	playing := testItem("a")
	playing.RequestedBy = "Alice"
	_ = store.Append(playing)

	provider.playlist = []Track{testItem("a").Track, testItem("b").Track}
	provider.playing = &PlaybackState{
		Track:      &provider.playlist[0],
		ContextURI: provider.contextURI,
	}

	if outcome := syncer.Reconcile(context.Background()); outcome.Err != nil {
		t.Fatalf("Reconcile failed: %v", outcome.Err)
	}

	state := store.Snapshot()
	if state.NowPlaying == nil || state.NowPlaying.ID != "a" {
		t.Fatalf("Expected a as nowPlaying, got %+v", state.NowPlaying)
	}
	if state.NowPlaying.RequestedBy != "Alice" {
		t.Errorf("nowPlaying must keep attribution, got %s", state.NowPlaying.RequestedBy)
	}
	if len(state.Queue) != 1 || state.Queue[0].ID != "b" {
		t.Errorf("Playing track must not appear in the queue, got %+v", state.Queue)
	}
}

func TestSyncer_ForeignPlaybackKeepsNowPlaying(t *testing.T) {
	syncer, store, provider, _ := newSyncerFixture()

	current := testItem("a")
	store.SetNowPlaying(&current)
	provider.playlist = []Track{testItem("a").Track}

	// Staff plays an unrelated album; the playing track is neither in our
	// context nor in the playlist.
	foreign := testItem("z").Track
	provider.playing = &PlaybackState{Track: &foreign, ContextURI: "spotify:album:other"}

	if outcome := syncer.Reconcile(context.Background()); outcome.Err != nil {
		t.Fatalf("Reconcile failed: %v", outcome.Err)
	}

	state := store.Snapshot()
	if state.NowPlaying == nil || state.NowPlaying.ID != "a" {
		t.Errorf("Foreign playback must not replace nowPlaying, got %+v", state.NowPlaying)
	}
}

func TestSyncer_PlaylistMembershipCountsAsContext(t *testing.T) {
	syncer, store, provider, _ := newSyncerFixture()

	provider.playlist = []Track{testItem("a").Track}
	playing := testItem("a").Track
	// Played outside the playlist context, for example via direct track play.
	provider.playing = &PlaybackState{Track: &playing, ContextURI: ""}

	if outcome := syncer.Reconcile(context.Background()); outcome.Err != nil {
		t.Fatalf("Reconcile failed: %v", outcome.Err)
	}

	state := store.Snapshot()
	if state.NowPlaying == nil || state.NowPlaying.ID != "a" {
		t.Errorf("Playlist member should become nowPlaying, got %+v", state.NowPlaying)
	}
}

func TestSyncer_SteadyStateIsIdempotent(t *testing.T) {
	syncer, store, provider, broadcaster := newSyncerFixture()

	queued := testItem("a")
	queued.RequestedBy = "Bob"
	_ = store.Append(queued)
	provider.playlist = []Track{queued.Track}

	first := syncer.Reconcile(context.Background())
	if first.Err != nil {
		t.Fatalf("First pass failed: %v", first.Err)
	}

	second := syncer.Reconcile(context.Background())
	if second.Err != nil {
		t.Fatalf("Second pass failed: %v", second.Err)
	}
	if second.Changed {
		t.Error("Steady state must not report a change")
	}
	if broadcaster.count() > 1 {
		t.Errorf("Steady state must not re-broadcast, got %d broadcasts", broadcaster.count())
	}
}

func TestSyncer_AbsentSignalNeverClearsNowPlaying(t *testing.T) {
	syncer, store, provider, _ := newSyncerFixture()

	current := testItem("a")
	store.SetNowPlaying(&current)
	provider.playlist = []Track{testItem("a").Track}
	provider.playing = nil // paused or nothing reported

	if outcome := syncer.Reconcile(context.Background()); outcome.Err != nil {
		t.Fatalf("Reconcile failed: %v", outcome.Err)
	}

	if store.Snapshot().NowPlaying == nil {
		t.Error("Absence of a playing signal must not clear nowPlaying")
	}
}

func TestSyncer_RunStopsOnContextCancel(t *testing.T) {
	syncer, _, _, _ := newSyncerFixture()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- syncer.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run should return nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
