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

	"github.com/glowstream/livegrid/internal/adapters/feed"
	router "github.com/glowstream/livegrid/internal/adapters/http"
	"github.com/glowstream/livegrid/internal/adapters/rpc"
	"github.com/glowstream/livegrid/internal/adapters/rtc"
	"github.com/glowstream/livegrid/internal/app"
	"github.com/glowstream/livegrid/internal/config"
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

	client := rpc.NewClient(cfg.RPCURL, cfg.RPCKey)
	changeFeed := feed.New(cfg.FeedURL, cfg.PingPeriod)
	dialer := rtc.NewDialer(func(ctx context.Context) (rtc.SessionCredential, error) {
		cred, err := client.SessionToken(ctx)
		if err != nil {
			return rtc.SessionCredential{}, err
		}
		return rtc.SessionCredential{Token: cred.Token, URL: cred.URL}, nil
	}, rtc.DefaultWebRTCConfig())

	session := app.NewGridSession(cfg, app.SessionDeps{
		Registry:  app.NewSubscriptionRegistry(changeFeed),
		Scheduler: app.NewReloadScheduler(),
		Guard:     app.NewConnectionGuard(dialer, cfg.ConnectTimeout),
		Heartbeat: app.NewPresenceHeartbeat(client, cfg.HeartbeatInterval),
		Directory: client,
		Layout:    client,
		Presence:  client,
	})

	if err := session.Start(ctx); err != nil {
		log.Error().Err(err).Msg("session start failed")
	}

	r := router.SetupRouter(ctx, cfg, session)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("livegrid started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	session.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
