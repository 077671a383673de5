// Package app wires the rotation service from configuration. Both binaries share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/imagerotation/internal/auth"
	"github.com/ILLUVRSE/imagerotation/internal/blob"
	"github.com/ILLUVRSE/imagerotation/internal/config"
	"github.com/ILLUVRSE/imagerotation/internal/history"
	"github.com/ILLUVRSE/imagerotation/internal/lease"
	"github.com/ILLUVRSE/imagerotation/internal/logger"
	"github.com/ILLUVRSE/imagerotation/internal/media"
	"github.com/ILLUVRSE/imagerotation/internal/metrics"
	"github.com/ILLUVRSE/imagerotation/internal/reconcile"
	"github.com/ILLUVRSE/imagerotation/internal/rotation"
	"github.com/ILLUVRSE/imagerotation/internal/shopify"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

type App struct {
	Config   config.Config
	Log      *logger.Logger
	DB       *sql.DB
	Store    *store.PGStore
	Metrics  *metrics.Metrics
	Engine   *rotation.Engine
	Verifier *auth.Verifier
	// Streamer is nil when no Kafka brokers are configured.
	Streamer *history.Streamer
}

// OpenDB opens and pings the Postgres pool.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func New(ctx context.Context, cfg config.Config, db *sql.DB, log *logger.Logger) (*App, error) {
	log = logger.OrNop(log)
	st := store.NewPGStore(db)
	m := metrics.New()

	var materializer reconcile.Materializer
	if cfg.BackingBucket != "" {
		mat, err := blob.NewS3Materializer(ctx, blob.Config{
			Bucket:        cfg.BackingBucket,
			InternalHosts: cfg.InternalMediaHosts,
			PresignTTL:    cfg.PresignTTL,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("backing storage: %w", err)
		}
		materializer = mat
	}

	var provider media.Provider = shopify.NewProvider(shopify.Config{
		APIVersion:        cfg.ShopifyAPIVersion,
		BaseURL:           cfg.ShopifyBaseURL,
		CreateConcurrency: cfg.CreateConcurrency,
		Poll:              media.PollConfig{Timeout: cfg.ReorderTimeout},
	}, cfg.ShopTokens)

	rec := reconcile.New(reconcile.Options{
		Materializer:   materializer,
		Recorder:       st,
		Ops:            m,
		Logger:         log.With("component", "reconciler"),
		ReorderTimeout: cfg.ReorderTimeout,
		RetryBackoff:   cfg.RetryBackoff,
	})
	engine := rotation.NewEngine(rotation.Deps{
		Store:      st,
		Leases:     lease.NewManager(st, cfg.LeaseDuration),
		Provider:   provider,
		Reconciler: rec,
		Metrics:    m,
		Logger:     log.With("component", "rotation"),
		Workers:    cfg.Workers,
		BatchSize:  cfg.BatchSize,
	})

	verifier, err := auth.NewVerifier(auth.Config{Secret: cfg.AdminJWTSecret, KeysFile: cfg.AdminKeysFile, Scope: cfg.AdminScope})
	if err != nil {
		return nil, fmt.Errorf("admin auth: %w", err)
	}

	a := &App{Config: cfg, Log: log, DB: db, Store: st, Metrics: m, Engine: engine, Verifier: verifier}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := history.NewKafkaProducer(history.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, fmt.Errorf("history producer: %w", err)
		}
		var archiver history.Archiver
		if cfg.ArchiveBucket != "" {
			s3a, err := history.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
			if err != nil {
				producer.Close()
				return nil, fmt.Errorf("history archive: %w", err)
			}
			archiver = s3a
		}
		a.Streamer = history.NewStreamer(st, producer, archiver, m, log.With("component", "history"), history.StreamerConfig{
			BatchSize:    cfg.StreamerBatch,
			PollInterval: cfg.StreamerPoll,
		})
	}
	return a, nil
}

func (a *App) Close() error {
	a.Log.Sync()
	return a.DB.Close()
}
