package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ILLUVRSE/imagerotation/internal/app"
	"github.com/ILLUVRSE/imagerotation/internal/config"
	"github.com/ILLUVRSE/imagerotation/internal/httpserver"
	"github.com/ILLUVRSE/imagerotation/internal/logger"
	"github.com/ILLUVRSE/imagerotation/internal/rotation"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply the schema before serving")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := app.OpenDB(ctx, cfg.DatabaseURL)
	if err != nil {
		lg.Fatal("database unavailable", "error", err)
	}
	if *migrate {
		if err := store.Migrate(ctx, db); err != nil {
			lg.Fatal("migrate failed", "error", err)
		}
	}
	a, err := app.New(ctx, cfg, db, lg)
	if err != nil {
		lg.Fatal("wiring failed", "error", err)
	}
	defer a.Close()

	server := httpserver.New(httpserver.Config{
		AllowDebugToken: cfg.AllowDebugToken,
		DebugToken:      cfg.DebugToken,
	}, a.Engine, a.Store, a.Verifier, a.Metrics.Handler(), lg.With("component", "http"))
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TickInterval > 0 {
		go rotation.RunTicker(ctx, a.Engine, cfg.TickInterval)
	} else {
		lg.Info("in-process ticker disabled; expecting POST /rotations/run or rotatectl run-due from cron")
	}
	if a.Streamer != nil {
		go func() {
			_ = a.Streamer.Run(ctx)
		}()
	}

	go func() {
		lg.Info("rotation service listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("http server error", "error", err)
		}
	}()

	waitForShutdown(cancel, httpServer, lg)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, lg *logger.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		lg.Warn("graceful shutdown failed", "error", err)
	}
}
