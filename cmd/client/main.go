package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/adapters/directory"
	router "github.com/rsavin/huddle/internal/adapters/http"
	"github.com/rsavin/huddle/internal/adapters/rtc"
	"github.com/rsavin/huddle/internal/adapters/ws"
	"github.com/rsavin/huddle/internal/app/call"
	"github.com/rsavin/huddle/internal/app/media"
	"github.com/rsavin/huddle/internal/app/presence"
	"github.com/rsavin/huddle/internal/app/signaling"
	"github.com/rsavin/huddle/internal/config"
	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	identity, err := domain.NewUserID(cfg.Identity)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid identity in config")
	}

	clk := clock.New()

	transport := ws.NewTransport(cfg.SignalURL)
	client := signaling.NewClient(transport, clk, cfg.ConnectTimeout, cfg.AuthTimeout)

	device, err := rtc.NewDevice()
	if err != nil {
		log.Fatal().Err(err).Msg("capture device init")
	}
	gateway := media.NewGateway(device, clk, cfg.RemotePollInterval)

	registry := presence.NewRegistry(transport, clk, cfg.HeartbeatTimeout, cfg.RecheckInterval)

	constraints := core.MediaConstraints{
		Audio:            true,
		Video:            cfg.VideoEnabled,
		Width:            cfg.VideoWidth,
		Height:           cfg.VideoHeight,
		EchoCancellation: cfg.EchoCancellation,
		NoiseSuppression: cfg.NoiseSuppression,
	}
	manager := call.NewManager(identity, client, gateway, clk, cfg.BusyGrace, constraints)

	dir := directory.NewClient(cfg.DirectoryURL, cfg.DirectoryTimeout)
	callRouter := call.NewRouter(dir, cfg.DirectoryTimeout)

	plane := newMediaPlane(ctx, manager, client)
	manager.OnSession(plane.bind)
	client.OnRemoteOffer(plane.handleOffer)
	client.OnRemoteAnswer(plane.handleAnswer)
	client.OnRemoteCandidate(plane.handleCandidate)

	client.OnIncomingCall(manager.HandleIncomingCall)
	client.OnCallStateChanged(manager.HandleCallState)
	client.OnReadyChanged(func(ready bool) {
		if !ready {
			log.Warn().Msg("signaling no longer ready")
		}
	})
	manager.OnIncoming(func(sess *call.Session) {
		ictx := callRouter.Resolve(ctx, sess.CallID(), sess.Remote())
		log.Info().
			Str("caller", ictx.Display.Name).
			Str("routing_hint", ictx.RoutingHint).
			Bool("provisional", ictx.Provisional).
			Msg("incoming call")
	})
	callRouter.OnUpgraded(func(ictx call.IncomingCallContext) {
		log.Info().Str("caller", ictx.Display.Name).Str("routing_hint", ictx.RoutingHint).Msg("caller resolved")
	})

	if err := client.Connect(ctx, signaling.Credentials{Identity: identity, Token: cfg.Token}); err != nil {
		log.Fatal().Err(err).Msg("signaling connect")
	}

	r := router.SetupRouter(cfg, registry, manager, client)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("huddle agent started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	manager.Close()
	client.Disconnect()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Agent exited gracefully")
}
