package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/janus-adapter/adapter"
	"github.com/dkeye/janus-adapter/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	opts := adapter.Options{
		URL:                  cfg.JanusURL,
		Room:                 adapter.RoomID(cfg.Room),
		ClientID:             adapter.ClientID(cfg.ClientID),
		Token:                cfg.Token,
		RequestTimeout:       cfg.RequestTimeout,
		Keepalive:            cfg.Keepalive,
		SubscribeRetries:     cfg.SubscribeRetries,
		SubscribeTimeout:     cfg.SubscribeTimeout,
		LeavePollInterval:    cfg.LeavePollInterval,
		ReconnectJitterMax:   cfg.ReconnectJitterMax,
		ReconnectIncrement:   cfg.ReconnectIncrement,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		ICEFailedDelay:       cfg.ICEFailedDelay,
		FixSubscriberSDP:     cfg.FixSubscriberSDP,
		StripSubscriberVideo: cfg.StripSubscriberVideo,
	}
	if len(cfg.STUNServers) > 0 {
		opts.WebRTC = webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: cfg.STUNServers}},
		}
	}

	var a *adapter.Adapter
	a, err = adapter.New(opts, adapter.Callbacks{
		OnConnect: func() {
			log.Info().Msg("connected to room")
			a.SyncOccupants(a.AvailableOccupants())
		},
		OnReconnected: func() {
			log.Info().Msg("reconnected")
			a.SyncOccupants(a.AvailableOccupants())
		},
		OnReconnecting: func(delay time.Duration) {
			log.Warn().Dur("delay", delay).Msg("connection lost, reconnecting")
		},
		OnReconnectionError: func(err error) {
			log.Error().Err(err).Msg("reconnection failed")
			cancel()
		},
		OnOccupantConnected: func(id adapter.ClientID) {
			log.Info().Str("occupant", string(id)).Msg("occupant connected")
		},
		OnOccupantDisconnected: func(id adapter.ClientID) {
			log.Info().Str("occupant", string(id)).Msg("occupant disconnected")
		},
		OnOccupantMessage: func(from adapter.ClientID, dataType string, data json.RawMessage) {
			log.Debug().
				Str("from", string(from)).
				Str("data_type", dataType).
				Int("bytes", len(data)).
				Msg("occupant message")
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build adapter")
	}

	if err := a.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}

	// Keep subscriptions in step with room membership.
	go func() {
		t := time.NewTicker(2 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.SyncOccupants(a.AvailableOccupants())
			}
		}
	}()

	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	api := r.Group("/api")
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.Stats())
	})
	api.GET("/occupants", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.Occupants())
	})

	addr := fmt.Sprintf(":%d", cfg.StatusPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("status server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("status server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	a.Disconnect()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Client exited gracefully")
}
