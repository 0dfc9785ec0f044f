package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"jukebox/internal/core"
)

type stubProvider struct {
	mu sync.Mutex

	authorized        bool
	searchUnavailable bool
	searchResults     []core.Track
	playErr           error
}

func (p *stubProvider) SearchTracks(context.Context, string) ([]core.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.searchUnavailable {
		return nil, core.ErrSearchUnavailable
	}
	return p.searchResults, nil
}

func (p *stubProvider) GetTrack(_ context.Context, trackID string) (*core.Track, error) {
	return &core.Track{ID: trackID, URI: "spotify:track:" + trackID}, nil
}

func (p *stubProvider) CurrentlyPlaying(context.Context) (*core.PlaybackState, error) {
	return &core.PlaybackState{}, nil
}

func (p *stubProvider) PlaylistTracks(context.Context) ([]core.Track, error) {
	return nil, nil
}

func (p *stubProvider) PlaylistContextURI() string { return "spotify:playlist:stub" }

func (p *stubProvider) AddToPlaylist(context.Context, string) error        { return nil }
func (p *stubProvider) AddToPlaylistAt(context.Context, string, int) error { return nil }
func (p *stubProvider) RemoveFromPlaylist(context.Context, string) error   { return nil }
func (p *stubProvider) ReplacePlaylist(context.Context, []string) error    { return nil }
func (p *stubProvider) ClearPlaylist(context.Context) error                { return nil }

func (p *stubProvider) PlayPlaylist(context.Context, string) error { return p.playbackErr() }
func (p *stubProvider) Play(context.Context) error                 { return p.playbackErr() }
func (p *stubProvider) Pause(context.Context) error                { return p.playbackErr() }
func (p *stubProvider) Next(context.Context) error                 { return p.playbackErr() }
func (p *stubProvider) Previous(context.Context) error             { return p.playbackErr() }

func (p *stubProvider) TransferPlayback(context.Context, string, bool) error {
	return p.playbackErr()
}

func (p *stubProvider) playbackErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playErr
}

func (p *stubProvider) Devices(context.Context) ([]core.Device, error) {
	return []core.Device{{ID: "d1", Name: "Bar Speakers", Active: true}}, nil
}

func (p *stubProvider) Session(context.Context) core.SessionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return core.SessionStatus{Authorized: p.authorized, PlaylistName: "Bar Queue"}
}

type stubAuth struct {
	completed bool
}

func (a *stubAuth) AuthURL() string { return "https://accounts.example.com/authorize?x=1" }

func (a *stubAuth) CompleteAuth(context.Context, string) error {
	a.completed = true
	return nil
}

func (a *stubAuth) ResolvePlaylist(context.Context) (string, error) { return "playlist-1", nil }

type stubLimiter struct{ allow bool }

func (l *stubLimiter) Allow(string) bool { return l.allow }
func (l *stubLimiter) Record(string)     {}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(core.QueueState) {}

type apiFixture struct {
	server   *httptest.Server
	provider *stubProvider
	auth     *stubAuth
	limiter  *stubLimiter
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	provider := &stubProvider{authorized: true}
	auth := &stubAuth{}
	limiter := &stubLimiter{allow: true}
	logger := zap.NewNop()

	store := core.NewQueueStore()
	syncer := core.NewSyncer(store, provider, noopBroadcaster{}, time.Second, logger)
	service := core.NewService(core.DefaultConfig(), store, provider, limiter, noopBroadcaster{}, syncer, logger)

	handlers := NewHandlers(service, auth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	}, logger)

	r := chi.NewRouter()
	handlers.Register(r)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &apiFixture{server: server, provider: provider, auth: auth, limiter: limiter}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestAPI_PostQueue(t *testing.T) {
	t.Run("accepts a request", func(t *testing.T) {
		f := newAPIFixture(t)

		resp, body := f.do(t, "POST", "/api/queue",
			`{"track":{"id":"a","title":"Song","artist":"Band","uri":"spotify:track:a"},"requestedBy":"Alice"}`)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("Expected 201, got %d", resp.StatusCode)
		}

		item, ok := body["item"].(map[string]any)
		if !ok {
			t.Fatalf("Expected item in response, got %+v", body)
		}
		if item["requestedBy"] != "Alice" {
			t.Errorf("Expected requestedBy Alice, got %v", item["requestedBy"])
		}
	})

	t.Run("rejects missing requester", func(t *testing.T) {
		f := newAPIFixture(t)

		resp, body := f.do(t, "POST", "/api/queue",
			`{"track":{"id":"a","uri":"spotify:track:a"}}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("Expected 400, got %d", resp.StatusCode)
		}
		if body["code"] != "validation" {
			t.Errorf("Expected validation code, got %v", body["code"])
		}
	})

	t.Run("rejects duplicates with 409", func(t *testing.T) {
		f := newAPIFixture(t)
		payload := `{"track":{"id":"a","uri":"spotify:track:a"},"requestedBy":"Alice"}`

		f.do(t, "POST", "/api/queue", payload)
		resp, body := f.do(t, "POST", "/api/queue", payload)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("Expected 409, got %d", resp.StatusCode)
		}
		if body["code"] != "duplicate" {
			t.Errorf("Expected duplicate code, got %v", body["code"])
		}
	})

	t.Run("rate limit maps to 429 with explanation", func(t *testing.T) {
		f := newAPIFixture(t)
		f.limiter.allow = false

		resp, body := f.do(t, "POST", "/api/queue",
			`{"track":{"id":"a","uri":"spotify:track:a"},"requestedBy":"Alice"}`)
		if resp.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("Expected 429, got %d", resp.StatusCode)
		}
		if body["code"] != "rate_limited" {
			t.Errorf("Expected rate_limited code, got %v", body["code"])
		}
		msg, _ := body["error"].(string)
		if !strings.Contains(msg, "3") {
			t.Errorf("Message should mention the configured limit, got %q", msg)
		}
	})
}

func TestAPI_GetQueue(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, "GET", "/api/queue", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if _, ok := body["queue"].([]any); !ok {
		t.Errorf("Queue should marshal as an array even when empty, got %+v", body["queue"])
	}
	if body["nowPlaying"] != nil {
		t.Errorf("Expected null nowPlaying, got %v", body["nowPlaying"])
	}
}

func TestAPI_Search(t *testing.T) {
	t.Run("returns items", func(t *testing.T) {
		f := newAPIFixture(t)
		f.provider.searchResults = []core.Track{{ID: "a", Title: "Song"}}

		resp, body := f.do(t, "GET", "/api/search?q=song", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}
		items, ok := body["items"].([]any)
		if !ok || len(items) != 1 {
			t.Errorf("Expected 1 item, got %+v", body["items"])
		}
	})

	t.Run("missing q returns empty items", func(t *testing.T) {
		f := newAPIFixture(t)
		f.provider.searchResults = []core.Track{{ID: "a", Title: "Song"}}

		resp, body := f.do(t, "GET", "/api/search", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}
		items, ok := body["items"].([]any)
		if !ok || len(items) != 0 {
			t.Errorf("Expected empty items array, got %+v", body["items"])
		}
	})

	t.Run("unconfigured search is 503", func(t *testing.T) {
		f := newAPIFixture(t)
		f.provider.searchUnavailable = true

		resp, body := f.do(t, "GET", "/api/search?q=song", "")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("Expected 503, got %d", resp.StatusCode)
		}
		if body["code"] != "search_unavailable" {
			t.Errorf("Expected search_unavailable code, got %v", body["code"])
		}
	})
}

func TestAPI_AuthFlow(t *testing.T) {
	f := newAPIFixture(t)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(f.server.URL + "/auth/login")
	if err != nil {
		t.Fatalf("Login request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "https://accounts.example.com/") {
		t.Errorf("Unexpected redirect target %q", loc)
	}

	cbResp, _ := f.do(t, "GET", "/auth/callback?code=abc", "")
	if cbResp.StatusCode != http.StatusOK {
		t.Fatalf("Callback expected 200, got %d", cbResp.StatusCode)
	}
	if !f.auth.completed {
		t.Error("Callback should complete the code exchange")
	}

	missing, body := f.do(t, "GET", "/auth/callback", "")
	if missing.StatusCode != http.StatusBadRequest {
		t.Errorf("Missing code should be 400, got %d", missing.StatusCode)
	}
	if body["code"] != "validation" {
		t.Errorf("Expected validation code, got %v", body["code"])
	}

	status, statusBody := f.do(t, "GET", "/auth/status", "")
	if status.StatusCode != http.StatusOK {
		t.Fatalf("Status expected 200, got %d", status.StatusCode)
	}
	if statusBody["authorized"] != true {
		t.Errorf("Expected authorized true, got %v", statusBody["authorized"])
	}
}

func TestAPI_PlayerErrors(t *testing.T) {
	t.Run("not authorized maps to 401", func(t *testing.T) {
		f := newAPIFixture(t)
		f.provider.playErr = core.ErrNotAuthorized

		resp, body := f.do(t, "POST", "/api/player/play", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("Expected 401, got %d", resp.StatusCode)
		}
		if body["code"] != "not_authorized" {
			t.Errorf("Expected not_authorized code, got %v", body["code"])
		}
	})

	t.Run("no device maps to 502", func(t *testing.T) {
		f := newAPIFixture(t)
		f.provider.playErr = &core.DeviceUnavailableError{Op: "play"}

		resp, body := f.do(t, "POST", "/api/player/play", "")
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("Expected 502, got %d", resp.StatusCode)
		}
		if body["code"] != "no_device" {
			t.Errorf("Expected no_device code, got %v", body["code"])
		}
	})
}

func TestAPI_PlayerDevices(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, "GET", "/api/player/devices", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	devices, ok := body["devices"].([]any)
	if !ok || len(devices) != 1 {
		t.Fatalf("Expected 1 device, got %+v", body["devices"])
	}
}

func TestAPI_QueueLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	add := func(id, name string) {
		resp, _ := f.do(t, "POST", "/api/queue",
			`{"track":{"id":"`+id+`","uri":"spotify:track:`+id+`"},"requestedBy":"`+name+`"}`)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("Add %s failed with %d", id, resp.StatusCode)
		}
	}
	add("a", "Alice")
	add("b", "Bob")

	resp, body := f.do(t, "POST", "/api/queue/reorder", `{"uris":["spotify:track:b","spotify:track:a"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Reorder failed with %d", resp.StatusCode)
	}
	queue, _ := body["queue"].([]any)
	if len(queue) != 2 {
		t.Fatalf("Expected 2 entries after reorder, got %d", len(queue))
	}
	first, _ := queue[0].(map[string]any)
	if first["id"] != "b" {
		t.Errorf("Expected b first after reorder, got %v", first["id"])
	}

	resp, body = f.do(t, "POST", "/api/next", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Advance failed with %d", resp.StatusCode)
	}
	nowPlaying, _ := body["nowPlaying"].(map[string]any)
	if nowPlaying["id"] != "b" {
		t.Errorf("Expected b to start playing, got %v", nowPlaying["id"])
	}

	resp, _ = f.do(t, "POST", "/api/queue/remove", `{"id":"a"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Remove failed with %d", resp.StatusCode)
	}

	_, state := f.do(t, "GET", "/api/queue", "")
	remaining, _ := state["queue"].([]any)
	if len(remaining) != 0 {
		t.Errorf("Expected empty queue, got %+v", remaining)
	}
}
