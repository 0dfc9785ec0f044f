// Package core contains the queue data model, the command service and the
// reconciliation engine that keeps the local queue in step with Spotify.
package core

import (
	"context"
	"time"
)

// UnknownRequester is attached to queue items re-derived from the remote
// playlist when no local attribution exists for the track.
const UnknownRequester = "unknown"

// Track is an immutable catalog reference.
type Track struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	AlbumArt string `json:"albumArt"`
	URI      string `json:"uri"`
}

// QueueItem is a Track plus request metadata.
type QueueItem struct {
	Track
	RequestedBy string    `json:"requestedBy"`
	AddedAt     time.Time `json:"addedAt"`
}

// QueueState is the full client-facing view of the queue. NowPlaying is nil
// when nothing is playing; Queue is in play order, next-up first.
type QueueState struct {
	NowPlaying *QueueItem  `json:"nowPlaying"`
	Queue      []QueueItem `json:"queue"`
}

// RequestMeta is the human-authored part of a QueueItem, preserved across
// reconciliation passes.
type RequestMeta struct {
	RequestedBy string
	AddedAt     time.Time
}

// PlaybackState is the provider's currently-playing snapshot. Track is nil
// when nothing is playing.
type PlaybackState struct {
	Track      *Track
	ContextURI string
}

// Device is a playback device on the provider account.
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Active bool   `json:"isActive"`
}

// SessionStatus reports the state of the delegated provider session.
type SessionStatus struct {
	Authorized      bool      `json:"authorized"`
	UserID          string    `json:"userId"`
	PlaylistID      string    `json:"playlistId"`
	PlaylistName    string    `json:"playlistName"`
	TokenExpiresAt  time.Time `json:"tokenExpiresAt"`
	HasRefreshToken bool      `json:"hasRefreshToken"`
}

// ProviderClient is the boundary to the streaming provider. Playlist and
// playback operations require the delegated session; SearchTracks only needs
// the service credentials.
type ProviderClient interface {
	SearchTracks(ctx context.Context, query string) ([]Track, error)
	GetTrack(ctx context.Context, trackID string) (*Track, error)

	CurrentlyPlaying(ctx context.Context) (*PlaybackState, error)
	PlaylistTracks(ctx context.Context) ([]Track, error)
	PlaylistContextURI() string

	AddToPlaylist(ctx context.Context, uri string) error
	AddToPlaylistAt(ctx context.Context, uri string, position int) error
	RemoveFromPlaylist(ctx context.Context, uri string) error
	ReplacePlaylist(ctx context.Context, uris []string) error
	ClearPlaylist(ctx context.Context) error

	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	PlayPlaylist(ctx context.Context, offsetURI string) error
	Devices(ctx context.Context) ([]Device, error)
	TransferPlayback(ctx context.Context, deviceID string, play bool) error

	Session(ctx context.Context) SessionStatus
}

// Broadcaster fans a queue snapshot out to all connected clients.
type Broadcaster interface {
	Broadcast(state QueueState)
}

// RequestLimiter gates per-requester submissions.
type RequestLimiter interface {
	Allow(name string) bool
	Record(name string)
}
