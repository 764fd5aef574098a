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

	"github.com/akarev/roomd/internal/config"
	"github.com/akarev/roomd/internal/fleet"
	"github.com/akarev/roomd/internal/media"
	"github.com/akarev/roomd/internal/metrics"
	"github.com/akarev/roomd/internal/orch"
	"github.com/akarev/roomd/internal/router"
	sig "github.com/akarev/roomd/internal/signal"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	nodes := dialFleet(ctx, cfg.Nodes)
	if len(nodes) == 0 {
		log.Fatal().Msg("no media node reachable")
	}
	f := fleet.New(nodes, fleet.PolicyFor(cfg.NodeLoadLimit))
	defer f.Close()

	m := metrics.New()
	dispatcher := sig.NewDispatcher(sig.Config{
		SuppressDetail: cfg.SuppressDetail,
		SendBuffer:     cfg.SendBuffer,
		PingPeriod:     cfg.PingPeriod,
	}, m)
	orchestrator := orch.New(f, dispatcher, m)
	dispatcher.Attach(orchestrator)

	r := router.SetupRouter(ctx, cfg, orchestrator, dispatcher, f, m)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Int("nodes", len(nodes)).Msg("roomd started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	orchestrator.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}

func dialFleet(ctx context.Context, uris []string) []*fleet.Node {
	var nodes []*fleet.Node
	for _, uri := range uris {
		dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
		engine, err := media.Dial(dialCtx, uri)
		dialCancel()
		if err != nil {
			log.Error().Err(err).Str("uri", uri).Msg("media node unreachable, skipping")
			continue
		}
		nodes = append(nodes, fleet.NewNode(uri, engine))
	}
	return nodes
}
