package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/mivora/callkit/internal/adapters/http"
	"github.com/mivora/callkit/internal/adapters/media"
	"github.com/mivora/callkit/internal/adapters/profile"
	wsignal "github.com/mivora/callkit/internal/adapters/signal"
	"github.com/mivora/callkit/internal/call"
	"github.com/mivora/callkit/internal/config"
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
		log.Error().Err(err).Msg("failed to load config")
	}

	transport := wsignal.NewClient(cfg.SignalURL, cfg.WriteTimeout)
	if err := transport.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("signal server unreachable at startup, will reconnect on demand")
	}
	defer transport.Close()

	engine, err := media.NewEngine(cfg.StunServers)
	if err != nil {
		log.Fatal().Err(err).Msg("media engine init failed")
	}
	room := media.NewRoom(engine, cfg.MediaURL, cfg.WriteTimeout)
	capturer := media.NewCapturer(engine)

	store := call.NewStore()
	bridge := call.NewBridge(transport, cfg.ReconnectWait)
	mediaMgr := call.NewMediaManager(room, capturer)
	reconciler := call.NewReconciler(store, mediaMgr, cfg.ReconcileInterval)
	profiles := profile.NewClient(cfg.ProfileURL)

	coord := call.NewCoordinator(store, bridge, mediaMgr, reconciler, profiles)
	coord.Start(ctx)

	r := router.SetupRouter(cfg, coord)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("self", cfg.SelfID).Msg("call daemon started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Leave any active call first so the counterparts get a farewell.
	if err := coord.LeaveCall(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("leave call on shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Daemon exited gracefully")
}
