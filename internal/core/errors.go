package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotAuthorized is returned by delegated provider operations when no
// usable user token is held. Remediation is a fresh login, so the HTTP layer
// reports it distinctly from generic upstream failure.
var ErrNotAuthorized = errors.New("not authorized with streaming provider")

// ErrSearchUnavailable is returned when catalog search cannot run because no
// service credentials were configured.
var ErrSearchUnavailable = errors.New("catalog search unavailable: provider credentials not configured")

// ValidationError marks a client-fixable request problem.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError marks a duplicate request: the track is already playing or
// already queued.
type ConflictError struct {
	TrackID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("track %s is already in the queue", e.TrackID)
}

// RateLimitError carries the configured limit and window so clients can
// explain the wait.
type RateLimitError struct {
	Name   string
	Limit  int
	Window time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("request limit reached: at most %d tracks per %s", e.Limit, e.Window)
}

// DeviceUnavailableError is returned when a playback operation fails and no
// provider device exists to fall back to.
type DeviceUnavailableError struct {
	Op string
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("%s failed: no playback device available", e.Op)
}
