package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Cast/internal/adapters/http"
	"github.com/dkeye/Cast/internal/adapters/media"
	"github.com/dkeye/Cast/internal/adapters/rtc"
	"github.com/dkeye/Cast/internal/app"
	"github.com/dkeye/Cast/internal/app/sfu"
	"github.com/dkeye/Cast/internal/config"
	"github.com/dkeye/Cast/internal/logging"
	transport "github.com/dkeye/Cast/internal/transport/http"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	logging.Setup(os.Getenv("CAST_MODE"))

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.Mode)

	relays := sfu.NewRelayManager(media.Opener(media.Options{
		FPS:      cfg.Media.FPS,
		Realtime: cfg.Media.Realtime,
	}), cfg.Media.SubscriberBuffer)

	factory, err := rtc.NewFactory(cfg.WebRTC)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build webrtc api")
	}

	// Every viewer shares the relay of the configured source.
	manager := app.NewSessionManager(relays.Relay(cfg.Media.Source), factory, app.SimplePolicy{}, app.Options{
		NegotiationTimeout: cfg.NegotiationTimeout,
	})
	coordinator := app.NewShutdownCoordinator(manager, relays, cfg.ShutdownTimeout)

	r := router.SetupRouter(cfg, &transport.Handlers{Sessions: manager, Relays: relays})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("source", cfg.Media.Source).Msg("Cast server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := coordinator.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("sessions did not close in time")
	}
	log.Info().Msg("Server exited gracefully")
}
