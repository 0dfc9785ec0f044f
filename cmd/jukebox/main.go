// Package main provides the jukebox service entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"jukebox/internal/core"
	httpserver "jukebox/internal/http"
	"jukebox/internal/ratelimit"
	"jukebox/internal/realtime"
	"jukebox/internal/spotify"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "jukebox",
	Short: "Jukebox - bar music request kiosk backed by Spotify",
	Long: `Jukebox runs the backend of a bar music-request kiosk: patrons search the
Spotify catalog and queue tracks, staff control playback, and the queue stays
in step with a managed Spotify playlist.`,
	RunE: runJukebox,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("spotify-client-id", "", "Spotify client ID")
	rootCmd.PersistentFlags().String("spotify-client-secret", "", "Spotify client secret")
	rootCmd.PersistentFlags().String("spotify-redirect-url", "", "OAuth redirect URL")
	rootCmd.PersistentFlags().String("playlist-name", "", "name of the managed playlist")
	rootCmd.PersistentFlags().StringSlice("cors-origins", nil, "allowed CORS origins")
	rootCmd.PersistentFlags().Int("request-limit", 0, "max requests per patron per window")
	rootCmd.PersistentFlags().Int("request-window-minutes", 0, "rate limit window in minutes")
	rootCmd.PersistentFlags().Int("sync-interval-secs", 0, "playlist reconciliation interval in seconds")
	rootCmd.PersistentFlags().String("server-host", "", "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", 0, "HTTP server port")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(".env")
		viper.SetConfigType("env")
	}

	viper.SetEnvPrefix("JUKEBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	cfg.Spotify.ClientID = viper.GetString("spotify-client-id")
	cfg.Spotify.ClientSecret = viper.GetString("spotify-client-secret")
	if v := viper.GetString("spotify-redirect-url"); v != "" {
		cfg.Spotify.RedirectURL = v
	}
	if v := viper.GetString("playlist-name"); v != "" {
		cfg.Spotify.PlaylistName = v
	}

	if v := viper.GetInt("request-limit"); v > 0 {
		cfg.Queue.RequestLimit = v
	}
	if v := viper.GetInt("request-window-minutes"); v > 0 {
		cfg.Queue.RequestWindowMinutes = v
	}
	if v := viper.GetInt("sync-interval-secs"); v > 0 {
		cfg.Queue.SyncIntervalSecs = v
	}

	if v := viper.GetString("server-host"); v != "" {
		cfg.Server.Host = v
	}
	if v := viper.GetInt("server-port"); v > 0 {
		cfg.Server.Port = v
	}
	if v := viper.GetStringSlice("cors-origins"); len(v) > 0 {
		cfg.Server.CORSOrigins = v
	}

	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}

	return cfg
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runJukebox(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting jukebox",
		zap.String("playlist", config.Spotify.PlaylistName),
		zap.Int("requestLimit", config.Queue.RequestLimit),
		zap.Duration("requestWindow", config.Queue.RequestWindow()))

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	spotifyClient, err := spotify.NewClient(&config.Spotify, logger.Named("spotify"))
	if err != nil {
		return fmt.Errorf("failed to create Spotify client: %w", err)
	}

	queueStore := core.NewQueueStore()
	hub := realtime.NewHub(queueStore.Snapshot, logger.Named("realtime"))
	limiter := ratelimit.New(config.Queue.RequestLimit, config.Queue.RequestWindow())

	var httpServer *httpserver.Server

	syncer := core.NewSyncer(
		queueStore,
		spotifyClient,
		hub,
		config.Queue.SyncInterval(),
		logger.Named("syncer"),
		core.WithOutcomeHook(func(outcome core.Outcome) {
			if httpServer == nil {
				return
			}
			switch {
			case outcome.Err != nil:
				httpServer.RecordSyncRun("error")
			case outcome.Changed:
				httpServer.RecordSyncRun("changed")
			default:
				httpServer.RecordSyncRun("unchanged")
			}
		}),
	)

	service := core.NewService(
		config,
		queueStore,
		spotifyClient,
		limiter,
		hub,
		syncer,
		logger.Named("service"),
		core.WithRemoteWriteHook(func(op string, err error) {
			if httpServer != nil && err != nil {
				httpServer.RecordRemoteWriteFailure(op)
			}
		}),
	)

	handlers := httpserver.NewHandlers(service, spotifyClient, hub.ServeWS, logger.Named("http"))
	httpServer = httpserver.NewServer(&config.Server, handlers, logger.Named("http"))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start(gCtx)
	})

	g.Go(func() error {
		return hub.Run(gCtx)
	})

	g.Go(func() error {
		return syncer.Run(gCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				httpServer.SetQueueLength(queueStore.Len())
				httpServer.SetConnectedClients(hub.ClientCount())
				httpServer.SetKnownRequesters(limiter.GetStats().KnownRequesters)
			}
		}
	})

	logger.Info("Jukebox started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil {
		logger.Error("Jukebox stopped with error", zap.Error(err))
		return err
	}

	logger.Info("Jukebox stopped gracefully")
	return nil
}

func validateConfig() error {
	if config.Spotify.ClientID == "" {
		return fmt.Errorf("spotify client ID is required")
	}

	if config.Spotify.ClientSecret == "" {
		return fmt.Errorf("spotify client secret is required")
	}

	if config.Spotify.RedirectURL == "" {
		return fmt.Errorf("spotify redirect URL is required")
	}

	if config.Queue.RequestLimit <= 0 {
		return fmt.Errorf("request limit must be positive")
	}

	if config.Queue.SyncIntervalSecs <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}

	return nil
}
