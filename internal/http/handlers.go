package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"jukebox/internal/core"
)

// AuthFlow is the part of the provider client the OAuth endpoints need.
type AuthFlow interface {
	AuthURL() string
	CompleteAuth(ctx context.Context, code string) error
	ResolvePlaylist(ctx context.Context) (string, error)
}

type Handlers struct {
	service *core.Service
	auth    AuthFlow
	serveWS http.HandlerFunc
	logger  *zap.Logger
	metrics *Metrics
}

// NewHandlers wires the API surface. serveWS handles the websocket upgrade.
func NewHandlers(service *core.Service, auth AuthFlow, serveWS http.HandlerFunc, logger *zap.Logger) *Handlers {
	return &Handlers{
		service: service,
		auth:    auth,
		serveWS: serveWS,
		logger:  logger,
	}
}

func (h *Handlers) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.instrument)

		r.Get("/auth/login", h.authLogin)
		r.Get("/auth/callback", h.authCallback)
		r.Get("/auth/status", h.authStatus)

		r.Get("/api/search", h.search)

		r.Get("/api/queue", h.getQueue)
		r.Post("/api/queue", h.postQueue)
		r.Post("/api/queue/remove", h.removeFromQueue)
		r.Post("/api/queue/reorder", h.reorderQueue)
		r.Post("/api/queue/clear", h.clearQueue)
		r.Post("/api/now-playing", h.setNowPlaying)
		r.Post("/api/next", h.advance)
		r.Post("/api/sync", h.syncNow)
		r.Post("/api/playlist/clear", h.clearPlaylist)

		r.Post("/api/player/play", h.play)
		r.Post("/api/player/pause", h.pause)
		r.Post("/api/player/next", h.skipNext)
		r.Post("/api/player/previous", h.skipPrevious)
		r.Post("/api/player/play-playlist", h.playPlaylist)
		r.Post("/api/player/play-track", h.playTrack)
		r.Get("/api/player/devices", h.devices)
		r.Post("/api/player/transfer", h.transferPlayback)
	})

	r.Get("/ws", h.serveWS)
}

func (h *Handlers) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		h.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		h.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (h *Handlers) authLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.auth.AuthURL(), http.StatusFound)
}

func (h *Handlers) authCallback(w http.ResponseWriter, r *http.Request) {
	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		h.writeError(w, http.StatusBadRequest, "authorization denied: "+errMsg, "auth_denied")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		h.writeError(w, http.StatusBadRequest, "missing authorization code", "validation")
		return
	}

	if err := h.auth.CompleteAuth(r.Context(), code); err != nil {
		h.logger.Error("OAuth code exchange failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "authorization failed", "auth_failed")
		return
	}

	playlistID, err := h.auth.ResolvePlaylist(r.Context())
	if err != nil {
		h.logger.Warn("Playlist resolution after login failed", zap.Error(err))
	} else {
		h.logger.Info("Login complete", zap.String("playlistID", playlistID))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<html><body><h1>Authorized</h1><p>You can close this window.</p></body></html>"))
}

func (h *Handlers) authStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.Status(r.Context()))
}

func (h *Handlers) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeJSON(w, http.StatusOK, map[string]any{"items": []core.Track{}})
		return
	}

	tracks, err := h.service.Search(r.Context(), query)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": tracks})
}

func (h *Handlers) getQueue(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.State())
}

func (h *Handlers) postQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Track       core.Track `json:"track"`
		RequestedBy string     `json:"requestedBy"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	item, err := h.service.AddRequest(r.Context(), body.Track, body.RequestedBy)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.TracksQueuedTotal.Inc()
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "item": item})
}

func (h *Handlers) removeFromQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID  string `json:"id"`
		URI string `json:"uri"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.Remove(r.Context(), body.ID, body.URI); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handlers) reorderQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URIs []string `json:"uris"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	queue, err := h.service.Reorder(r.Context(), body.URIs)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "queue": queue})
}

func (h *Handlers) clearQueue(w http.ResponseWriter, _ *http.Request) {
	h.service.ClearQueue()
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handlers) setNowPlaying(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Item core.QueueItem `json:"item"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	if body.Item.ID == "" {
		h.writeError(w, http.StatusBadRequest, "item.id is required", "validation")
		return
	}

	h.service.SetNowPlaying(body.Item)
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handlers) advance(w http.ResponseWriter, r *http.Request) {
	next := h.service.Advance(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "nowPlaying": next})
}

func (h *Handlers) syncNow(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.SyncNow(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"nowPlaying": state.NowPlaying,
		"queue":      state.Queue,
	})
}

func (h *Handlers) clearPlaylist(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearPlaylist(r.Context()); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handlers) play(w http.ResponseWriter, r *http.Request) {
	h.playerOp(w, r, h.service.Play)
}

func (h *Handlers) pause(w http.ResponseWriter, r *http.Request) {
	h.playerOp(w, r, h.service.Pause)
}

func (h *Handlers) skipNext(w http.ResponseWriter, r *http.Request) {
	h.playerOp(w, r, h.service.SkipNext)
}

func (h *Handlers) skipPrevious(w http.ResponseWriter, r *http.Request) {
	h.playerOp(w, r, h.service.SkipPrevious)
}

func (h *Handlers) playPlaylist(w http.ResponseWriter, r *http.Request) {
	h.playerOp(w, r, h.service.StartPlaylist)
}

func (h *Handlers) playerOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context) error) {
	if err := op(r.Context()); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handlers) playTrack(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URI string `json:"uri"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	state, err := h.service.PlayTrackNow(r.Context(), body.URI)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"nowPlaying": state.NowPlaying,
		"queue":      state.Queue,
	})
}

func (h *Handlers) devices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.service.Devices(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (h *Handlers) transferPlayback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"deviceId"`
		Play     bool   `json:"play"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.TransferPlayback(r.Context(), body.DeviceID, body.Play); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body", "validation")
		return false
	}
	return true
}

// writeServiceError maps the service error taxonomy onto HTTP statuses with
// client-distinguishable codes.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr *core.ValidationError
		conflictErr   *core.ConflictError
		rateLimitErr  *core.RateLimitError
		deviceErr     *core.DeviceUnavailableError
	)

	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, validationErr.Error(), "validation")
	case errors.As(err, &conflictErr):
		if h.metrics != nil {
			h.metrics.DuplicatesTotal.Inc()
		}
		h.writeError(w, http.StatusConflict, conflictErr.Error(), "duplicate")
	case errors.As(err, &rateLimitErr):
		if h.metrics != nil {
			h.metrics.RateLimitedTotal.Inc()
		}
		h.writeError(w, http.StatusTooManyRequests, rateLimitErr.Error(), "rate_limited")
	case errors.Is(err, core.ErrNotAuthorized):
		h.writeError(w, http.StatusUnauthorized, core.ErrNotAuthorized.Error(), "not_authorized")
	case errors.Is(err, core.ErrSearchUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, core.ErrSearchUnavailable.Error(), "search_unavailable")
	case errors.As(err, &deviceErr):
		h.writeError(w, http.StatusBadGateway, deviceErr.Error(), "no_device")
	default:
		h.logger.Error("Request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error", "internal")
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, map[string]string{"error": message, "code": code})
}
