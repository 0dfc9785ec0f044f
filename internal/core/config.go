package core

import (
	"time"
)

type Config struct {
	Spotify SpotifyConfig
	Queue   QueueConfig
	Server  ServerConfig
	Log     LogConfig
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	PlaylistName string
}

type QueueConfig struct {
	RequestLimit         int
	RequestWindowMinutes int
	SyncIntervalSecs     int
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

type LogConfig struct {
	Level  string
	Format string
}

func DefaultConfig() *Config {
	return &Config{
		Spotify: SpotifyConfig{
			RedirectURL:  "http://127.0.0.1:4000/auth/callback",
			PlaylistName: "Bar Queue",
		},
		Queue: QueueConfig{
			RequestLimit:         3,
			RequestWindowMinutes: 30,
			SyncIntervalSecs:     5,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         4000,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			CORSOrigins:  []string{"http://localhost:5173"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// RequestWindow returns the rate-limit window as a duration.
func (c *QueueConfig) RequestWindow() time.Duration {
	return time.Duration(c.RequestWindowMinutes) * time.Minute
}

// SyncInterval returns the reconciliation interval as a duration.
func (c *QueueConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSecs) * time.Second
}
