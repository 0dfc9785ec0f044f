// Package spotify implements the streaming provider boundary: catalog search,
// managed playlist mutation and playback control on the venue account.
package spotify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"jukebox/internal/core"
	"jukebox/internal/store"
	"jukebox/pkg/fuzzy"
)

const (
	// MaxTrackSearchResults limits track search results for patron queries.
	MaxTrackSearchResults = 10
	// playlistPageLimit caps playlist reads to the first page. The managed
	// playlist is expected to stay well under one page for a single venue.
	playlistPageLimit = 100
	// tokenExpirySlack refreshes access tokens this long before their
	// reported expiry so requests never race the deadline.
	tokenExpirySlack = 60 * time.Second
	// trackCacheSize bounds the track metadata cache.
	trackCacheSize = 512

	oauthState = "jukebox-auth-state"
)

// Client talks to the Spotify Web API. Catalog search runs on the service's
// own client-credentials token; playlist and playback operations require the
// delegated user session established through the OAuth callback.
type Client struct {
	config     *core.SpotifyConfig
	logger     *zap.Logger
	auth       *spotifyauth.Authenticator
	oauth      *oauth2.Config
	search     *spotify.Client
	normalizer *fuzzy.Normalizer
	tracks     *store.TrackCache

	// writeThrottle paces playlist mutations so bursts of kiosk activity
	// stay under the Web API rate limit.
	writeThrottle *rate.Limiter

	mutex   sync.Mutex
	session *userSession
}

// userSession is the delegated account context. It is replaced wholesale on
// every completed login.
type userSession struct {
	client     *spotify.Client
	source     oauth2.TokenSource
	hasRefresh bool
	userID     string
	playlistID spotify.ID
}

func NewClient(config *core.SpotifyConfig, logger *zap.Logger) (*Client, error) {
	auth := spotifyauth.New(
		spotifyauth.WithRedirectURL(config.RedirectURL),
		spotifyauth.WithScopes(
			spotifyauth.ScopePlaylistModifyPublic,
			spotifyauth.ScopePlaylistModifyPrivate,
			spotifyauth.ScopePlaylistReadPrivate,
			spotifyauth.ScopeUserModifyPlaybackState,
			spotifyauth.ScopeUserReadCurrentlyPlaying,
			spotifyauth.ScopeUserReadPlaybackState,
		),
		spotifyauth.WithClientID(config.ClientID),
		spotifyauth.WithClientSecret(config.ClientSecret),
	)

	tracks, err := store.NewTrackCache(trackCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create track cache: %w", err)
	}

	c := &Client{
		config: config,
		logger: logger,
		auth:   auth,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  spotifyauth.AuthURL,
				TokenURL: spotifyauth.TokenURL,
			},
		},
		normalizer:    fuzzy.NewNormalizer(),
		tracks:        tracks,
		writeThrottle: rate.NewLimiter(rate.Every(250*time.Millisecond), 3),
	}

	if config.ClientID != "" && config.ClientSecret != "" {
		ccfg := &clientcredentials.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			TokenURL:     spotifyauth.TokenURL,
		}
		src := oauth2.ReuseTokenSourceWithExpiry(nil, ccfg.TokenSource(context.Background()), tokenExpirySlack)
		c.search = spotify.New(oauth2.NewClient(context.Background(), src))
	}

	return c, nil
}

// AuthURL returns the provider consent URL for the staff login flow. The
// account picker is always shown so staff can switch venue accounts.
func (c *Client) AuthURL() string {
	return c.auth.AuthURL(oauthState, spotifyauth.ShowDialog)
}

// CompleteAuth exchanges the OAuth callback code and replaces the delegated
// session. The token source refreshes ahead of expiry for the session's
// lifetime; tokens are not persisted across restarts.
func (c *Client) CompleteAuth(ctx context.Context, code string) error {
	token, err := c.auth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	src := oauth2.ReuseTokenSourceWithExpiry(token,
		c.oauth.TokenSource(context.Background(), token), tokenExpirySlack)
	client := spotify.New(oauth2.NewClient(context.Background(), src))

	c.mutex.Lock()
	c.session = &userSession{
		client:     client,
		source:     src,
		hasRefresh: token.RefreshToken != "",
	}
	c.mutex.Unlock()

	c.logger.Info("Delegated session established",
		zap.Time("tokenExpiresAt", token.Expiry),
		zap.Bool("hasRefreshToken", token.RefreshToken != ""))

	return nil
}

// Session reports the delegated session state. An expired access token still
// counts as authorized when a refresh token is held.
func (c *Client) Session(ctx context.Context) core.SessionStatus {
	c.mutex.Lock()
	sess := c.session
	c.mutex.Unlock()

	status := core.SessionStatus{PlaylistName: c.config.PlaylistName}
	if sess == nil {
		return status
	}

	status.UserID = sess.userID
	status.PlaylistID = string(sess.playlistID)
	status.HasRefreshToken = sess.hasRefresh

	token, err := sess.source.Token()
	if err != nil {
		c.logger.Warn("Delegated token no longer usable", zap.Error(err))
		return status
	}

	status.Authorized = true
	status.TokenExpiresAt = token.Expiry
	status.HasRefreshToken = status.HasRefreshToken || token.RefreshToken != ""
	return status
}

// ResolvePlaylist finds the managed playlist on the delegated account by
// exact name, creating it as a private playlist when absent. Called eagerly
// after login; playlist operations also resolve lazily.
func (c *Client) ResolvePlaylist(ctx context.Context) (string, error) {
	id, _, err := c.ensurePlaylist(ctx)
	return string(id), err
}

func (c *Client) ensurePlaylist(ctx context.Context) (spotify.ID, *spotify.Client, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.session == nil {
		return "", nil, core.ErrNotAuthorized
	}
	if c.session.playlistID != "" {
		return c.session.playlistID, c.session.client, nil
	}

	client := c.session.client
	user, err := client.CurrentUser(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get current user: %w", err)
	}
	c.session.userID = user.ID

	playlists, err := client.CurrentUsersPlaylists(ctx, spotify.Limit(50))
	if err != nil {
		return "", nil, fmt.Errorf("failed to list user playlists: %w", err)
	}
	for i := range playlists.Playlists {
		if playlists.Playlists[i].Name == c.config.PlaylistName {
			c.session.playlistID = playlists.Playlists[i].ID
			c.logger.Info("Using existing managed playlist",
				zap.String("playlistID", string(c.session.playlistID)),
				zap.String("name", c.config.PlaylistName))
			return c.session.playlistID, client, nil
		}
	}

	created, err := client.CreatePlaylistForUser(ctx, user.ID, c.config.PlaylistName,
		"Patron requests, managed automatically", false, false)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create managed playlist: %w", err)
	}
	c.session.playlistID = created.ID

	c.logger.Info("Created managed playlist",
		zap.String("playlistID", string(created.ID)),
		zap.String("name", c.config.PlaylistName))

	return created.ID, client, nil
}

// PlaylistContextURI returns the playback context URI of the managed
// playlist, or empty before the playlist has been resolved.
func (c *Client) PlaylistContextURI() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.session == nil || c.session.playlistID == "" {
		return ""
	}
	return "spotify:playlist:" + string(c.session.playlistID)
}

func (c *Client) SearchTracks(ctx context.Context, query string) ([]core.Track, error) {
	if c.search == nil {
		return nil, core.ErrSearchUnavailable
	}

	normalizedQuery := c.normalizer.NormalizeTitle(query)

	results, err := c.search.Search(ctx, normalizedQuery, spotify.SearchTypeTrack)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	if results.Tracks == nil || len(results.Tracks.Tracks) == 0 {
		return []core.Track{}, nil
	}

	tracks := make([]core.Track, 0, MaxTrackSearchResults)
	for i := range results.Tracks.Tracks {
		if len(tracks) >= MaxTrackSearchResults {
			break
		}
		track := convertTrack(&results.Tracks.Tracks[i])
		tracks = append(tracks, track)
		c.tracks.Add(track)
	}

	return c.rankTracks(tracks, query), nil
}

func (c *Client) GetTrack(ctx context.Context, trackID string) (*core.Track, error) {
	if cached, ok := c.tracks.Get(trackID); ok {
		return &cached, nil
	}

	client := c.catalogClient()
	if client == nil {
		return nil, core.ErrNotAuthorized
	}

	full, err := client.GetTrack(ctx, spotify.ID(trackID))
	if err != nil {
		return nil, fmt.Errorf("failed to get track: %w", err)
	}

	track := convertTrack(full)
	c.tracks.Add(track)
	return &track, nil
}

// catalogClient prefers the delegated session for catalog lookups and falls
// back to the client-credentials client.
func (c *Client) catalogClient() *spotify.Client {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.session != nil {
		return c.session.client
	}
	return c.search
}

func (c *Client) CurrentlyPlaying(ctx context.Context) (*core.PlaybackState, error) {
	client, err := c.userClient()
	if err != nil {
		return nil, err
	}

	currently, err := client.PlayerCurrentlyPlaying(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get currently playing: %w", err)
	}

	if currently == nil || currently.Item == nil || !currently.Playing {
		return &core.PlaybackState{}, nil
	}

	track := convertTrack(currently.Item)
	c.tracks.Add(track)

	return &core.PlaybackState{
		Track:      &track,
		ContextURI: string(currently.PlaybackContext.URI),
	}, nil
}

func (c *Client) PlaylistTracks(ctx context.Context) ([]core.Track, error) {
	playlistID, client, err := c.ensurePlaylist(ctx)
	if err != nil {
		return nil, err
	}

	items, err := client.GetPlaylistItems(ctx, playlistID, spotify.Limit(playlistPageLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to get playlist items: %w", err)
	}

	tracks := make([]core.Track, 0, len(items.Items))
	for i := range items.Items {
		full := items.Items[i].Track.Track
		if full == nil {
			continue
		}
		track := convertTrack(full)
		tracks = append(tracks, track)
		c.tracks.Add(track)
	}

	return tracks, nil
}

func (c *Client) AddToPlaylist(ctx context.Context, uri string) error {
	playlistID, client, err := c.ensurePlaylist(ctx)
	if err != nil {
		return err
	}
	if err := c.writeThrottle.Wait(ctx); err != nil {
		return err
	}

	if _, err := client.AddTracksToPlaylist(ctx, playlistID, trackID(uri)); err != nil {
		return fmt.Errorf("failed to add track to playlist: %w", err)
	}

	c.logger.Debug("Track added to playlist", zap.String("uri", uri))
	return nil
}

// AddToPlaylistAt appends the track and reorders it into position. The API
// has no positional insert, so a failed reorder still leaves the track in the
// playlist at the end.
func (c *Client) AddToPlaylistAt(ctx context.Context, uri string, position int) error {
	playlistID, client, err := c.ensurePlaylist(ctx)
	if err != nil {
		return err
	}
	if err := c.writeThrottle.Wait(ctx); err != nil {
		return err
	}

	if _, err := client.AddTracksToPlaylist(ctx, playlistID, trackID(uri)); err != nil {
		return fmt.Errorf("failed to add track to playlist: %w", err)
	}

	items, err := client.GetPlaylistItems(ctx, playlistID, spotify.Limit(1))
	if err != nil {
		c.logger.Warn("Track added but playlist length lookup failed, skipping reorder",
			zap.String("uri", uri), zap.Error(err))
		return nil
	}

	reorderOpts := spotify.PlaylistReorderOptions{
		RangeStart:   items.Total - 1,
		RangeLength:  1,
		InsertBefore: position,
	}
	if _, err := client.ReorderPlaylistTracks(ctx, playlistID, reorderOpts); err != nil {
		c.logger.Warn("Track added but reorder to target position failed",
			zap.String("uri", uri), zap.Int("position", position), zap.Error(err))
		return nil
	}

	c.logger.Debug("Track added to playlist at position",
		zap.String("uri", uri), zap.Int("position", position))
	return nil
}

func (c *Client) RemoveFromPlaylist(ctx context.Context, uri string) error {
	playlistID, client, err := c.ensurePlaylist(ctx)
	if err != nil {
		return err
	}
	if err := c.writeThrottle.Wait(ctx); err != nil {
		return err
	}

	if _, err := client.RemoveTracksFromPlaylist(ctx, playlistID, trackID(uri)); err != nil {
		return fmt.Errorf("failed to remove track from playlist: %w", err)
	}
	return nil
}

func (c *Client) ReplacePlaylist(ctx context.Context, uris []string) error {
	playlistID, client, err := c.ensurePlaylist(ctx)
	if err != nil {
		return err
	}
	if err := c.writeThrottle.Wait(ctx); err != nil {
		return err
	}

	trackIDs := make([]spotify.ID, 0, len(uris))
	for _, uri := range uris {
		trackIDs = append(trackIDs, trackID(uri))
	}

	if err := client.ReplacePlaylistTracks(ctx, playlistID, trackIDs...); err != nil {
		return fmt.Errorf("failed to replace playlist tracks: %w", err)
	}

	c.logger.Debug("Playlist replaced", zap.Int("trackCount", len(trackIDs)))
	return nil
}

func (c *Client) ClearPlaylist(ctx context.Context) error {
	return c.ReplacePlaylist(ctx, nil)
}

func (c *Client) Play(ctx context.Context) error {
	client, err := c.userClient()
	if err != nil {
		return err
	}
	return c.withDeviceRetry(ctx, client, "play", func() error {
		return client.Play(ctx)
	})
}

func (c *Client) Pause(ctx context.Context) error {
	client, err := c.userClient()
	if err != nil {
		return err
	}
	return c.withDeviceRetry(ctx, client, "pause", func() error {
		return client.Pause(ctx)
	})
}

func (c *Client) Next(ctx context.Context) error {
	client, err := c.userClient()
	if err != nil {
		return err
	}
	return c.withDeviceRetry(ctx, client, "next", func() error {
		return client.Next(ctx)
	})
}

func (c *Client) Previous(ctx context.Context) error {
	client, err := c.userClient()
	if err != nil {
		return err
	}
	return c.withDeviceRetry(ctx, client, "previous", func() error {
		return client.Previous(ctx)
	})
}

// PlayPlaylist starts playback of the managed playlist, optionally offset to
// a specific track URI.
func (c *Client) PlayPlaylist(ctx context.Context, offsetURI string) error {
	playlistID, client, err := c.ensurePlaylist(ctx)
	if err != nil {
		return err
	}

	contextURI := spotify.URI("spotify:playlist:" + string(playlistID))
	opts := &spotify.PlayOptions{PlaybackContext: &contextURI}
	if offsetURI != "" {
		opts.PlaybackOffset = &spotify.PlaybackOffset{URI: spotify.URI(offsetURI)}
	}

	return c.withDeviceRetry(ctx, client, "play playlist", func() error {
		return client.PlayOpt(ctx, opts)
	})
}

func (c *Client) Devices(ctx context.Context) ([]core.Device, error) {
	client, err := c.userClient()
	if err != nil {
		return nil, err
	}

	devices, err := client.PlayerDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get player devices: %w", err)
	}

	result := make([]core.Device, 0, len(devices))
	for _, d := range devices {
		result = append(result, core.Device{
			ID:     string(d.ID),
			Name:   d.Name,
			Type:   d.Type,
			Active: d.Active,
		})
	}
	return result, nil
}

func (c *Client) TransferPlayback(ctx context.Context, deviceID string, play bool) error {
	client, err := c.userClient()
	if err != nil {
		return err
	}
	if err := client.TransferPlayback(ctx, spotify.ID(deviceID), play); err != nil {
		return fmt.Errorf("failed to transfer playback: %w", err)
	}
	return nil
}

func (c *Client) userClient() (*spotify.Client, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.session == nil {
		return nil, core.ErrNotAuthorized
	}
	return c.session.client, nil
}

// withDeviceRetry runs a playback operation and, when it fails, transfers
// playback to the best available device and retries once. No device at all
// maps to DeviceUnavailableError.
func (c *Client) withDeviceRetry(ctx context.Context, client *spotify.Client, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}

	devices, derr := client.PlayerDevices(ctx)
	if derr != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if len(devices) == 0 {
		return &core.DeviceUnavailableError{Op: op}
	}

	target := devices[0]
	for _, d := range devices {
		if d.Active {
			target = d
			break
		}
	}

	c.logger.Info("Playback operation failed, transferring to device and retrying",
		zap.String("op", op),
		zap.String("deviceName", target.Name),
		zap.Bool("deviceWasActive", target.Active))

	if terr := client.TransferPlayback(ctx, target.ID, false); terr != nil {
		return fmt.Errorf("%s failed and device transfer failed: %w", op, terr)
	}

	if err := fn(); err != nil {
		return fmt.Errorf("%s failed after device transfer: %w", op, err)
	}
	return nil
}

func (c *Client) rankTracks(tracks []core.Track, originalQuery string) []core.Track {
	normalizedQuery := c.normalizer.NormalizeTitle(originalQuery)

	type scoredTrack struct {
		track core.Track
		score float64
	}

	scored := make([]scoredTrack, 0, len(tracks))
	for _, track := range tracks {
		score := c.relevanceScore(&track, normalizedQuery)
		scored = append(scored, scoredTrack{track: track, score: score})
	}

	for i := 0; i < len(scored)-1; i++ {
		for j := i + 1; j < len(scored); j++ {
			if scored[i].score < scored[j].score {
				scored[i], scored[j] = scored[j], scored[i]
			}
		}
	}

	ranked := make([]core.Track, 0, len(scored))
	for _, item := range scored {
		ranked = append(ranked, item.track)
	}
	return ranked
}

func (c *Client) relevanceScore(track *core.Track, normalizedQuery string) float64 {
	normalizedTitle := c.normalizer.NormalizeTitle(track.Title)
	normalizedArtist := c.normalizer.NormalizeArtist(track.Artist)

	titleSimilarity := c.normalizer.CalculateSimilarity(normalizedTitle, normalizedQuery)
	combinedText := normalizedArtist + " " + normalizedTitle
	combinedSimilarity := c.normalizer.CalculateSimilarity(combinedText, normalizedQuery)

	return 0.7*titleSimilarity + 0.3*combinedSimilarity
}

// trackID extracts the bare ID from a spotify:track:<id> URI. A bare ID
// passes through unchanged.
func trackID(uri string) spotify.ID {
	if id := core.TrackIDFromURI(uri); id != "" {
		return spotify.ID(id)
	}
	return spotify.ID(uri)
}

func convertTrack(track *spotify.FullTrack) core.Track {
	artists := make([]string, 0, len(track.Artists))
	for _, artist := range track.Artists {
		artists = append(artists, artist.Name)
	}

	albumArt := ""
	switch {
	case len(track.Album.Images) >= 2:
		albumArt = track.Album.Images[1].URL
	case len(track.Album.Images) == 1:
		albumArt = track.Album.Images[0].URL
	}

	return core.Track{
		ID:       string(track.ID),
		Title:    track.Name,
		Artist:   strings.Join(artists, ", "),
		AlbumArt: albumArt,
		URI:      string(track.URI),
	}
}
