package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/memeperp/engine/params"
	"github.com/memeperp/engine/pkg/api"
	"github.com/memeperp/engine/pkg/app/perp"
	"github.com/memeperp/engine/pkg/journal"
	"github.com/memeperp/engine/pkg/oracle"
	"github.com/memeperp/engine/pkg/util"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional; env overrides apply)")
	flag.Parse()

	cfg, err := params.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Server.LogPath)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	j, err := journal.Open(cfg.Engine.JournalPath)
	if err != nil {
		logger.Fatal("open journal", zap.Error(err))
	}
	defer func() { _ = j.Close() }()

	var src oracle.Source
	switch cfg.Oracle.Source {
	case "http":
		src = oracle.NewHTTPSource(cfg.Oracle.URL, cfg.Oracle.PollInterval)
	default:
		src = oracle.NewStaticSource(cfg.Oracle.StaticPrices)
	}

	engine, err := perp.New(cfg, src, j, util.NewClock(), logger)
	if err != nil {
		logger.Fatal("build engine", zap.Error(err))
	}
	if err := engine.Restore(); err != nil {
		logger.Fatal("restore from journal", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		server := api.NewServer(engine, logger)
		if err := server.Start(ctx, cfg.Server.ListenAddr); err != nil {
			logger.Error("api server", zap.Error(err))
			stop()
		}
	}()

	go func() {
		srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: engine.Metrics().Handler()}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	engine.Run(ctx)
	logger.Info("engine stopped")
}
