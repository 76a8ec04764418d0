package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/salihinsaealal/tnbcalc/pkg/coordinator"
	"github.com/salihinsaealal/tnbcalc/pkg/log"
	"github.com/salihinsaealal/tnbcalc/pkg/meter"
	"github.com/salihinsaealal/tnbcalc/pkg/server"
	"github.com/salihinsaealal/tnbcalc/pkg/storage"
	"github.com/salihinsaealal/tnbcalc/pkg/tariff"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// init packages
	st := storage.Configured()
	tar := tariff.Configured()
	src := meter.ConfiguredSource()
	coord := coordinator.Configured(st, src, tar)

	// init server
	srv := server.Configured(coord)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	if err := tar.Validate(); err != nil {
		slog.Error("invalid tariff configuration", "error", err)
		os.Exit(1)
	}
	if err := src.Validate(); err != nil {
		slog.Error("invalid meter source configuration", "error", err)
		os.Exit(1)
	}
	if err := coord.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// if initialization inside lflag.Do failed, we wouldn't be here (panic)
	defer func() {
		if err := st.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
