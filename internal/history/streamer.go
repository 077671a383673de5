// Package history streams rotation history entries from the store's outbox to Kafka and S3.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/imagerotation/internal/logger"
	"github.com/ILLUVRSE/imagerotation/internal/models"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

// EventType tags every published history event.
const EventType = "rotation.history.appended"

// Publisher delivers one keyed message, as KafkaProducer does.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}

// Archiver stores an entry durably and returns where it was written.
type Archiver interface {
	Archive(ctx context.Context, e models.RotationHistoryEntry) (string, error)
}

// StreamRecorder counts streamed entries.
type StreamRecorder interface {
	HistoryStreamed(ok bool)
}

// StreamerConfig tunes the outbox drain. Zero values fall back to 50 rows, 3s and 5 workers.
type StreamerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
}

// Event is the message published for every history entry.
type Event struct {
	Type  string                      `json:"eventType"`
	Entry models.RotationHistoryEntry `json:"entry"`
}

// Streamer drains the history outbox. The store stays the source of truth: an entry is marked
// done only after it was published (and archived when an archiver is set), otherwise it is
// marked failed and claimed again on a later pass.
type Streamer struct {
	outbox    store.Outbox
	publisher Publisher
	archiver  Archiver
	metrics   StreamRecorder
	log       *logger.Logger
	cfg       StreamerConfig
}

// NewStreamer builds a Streamer. archiver and metrics may be nil.
func NewStreamer(outbox store.Outbox, publisher Publisher, archiver Archiver, metrics StreamRecorder, log *logger.Logger, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{
		outbox:    outbox,
		publisher: publisher,
		archiver:  archiver,
		metrics:   metrics,
		log:       logger.OrNop(log),
		cfg:       cfg,
	}
}

// Run polls the outbox until ctx is cancelled, then closes the publisher.
func (s *Streamer) Run(ctx context.Context) error {
	s.log.Info("history streamer started", "batch", s.cfg.BatchSize, "concurrency", s.cfg.MaxConcurrency)
	defer func() {
		if s.publisher != nil {
			_ = s.publisher.Close()
		}
		s.log.Info("history streamer stopped")
	}()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error("stream history batch failed", "error", err)
		}
		if n == 0 || err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.PollInterval):
			}
		}
	}
}

// RunOnce claims one batch and processes it with bounded concurrency, returning the batch size.
func (s *Streamer) RunOnce(ctx context.Context) (int, error) {
	entries, err := s.outbox.ClaimPendingHistory(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim pending history: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if err := s.process(gctx, e); err != nil {
				s.log.Warn("stream history entry failed", "history_id", e.ID, "test_id", e.TestID, "error", err)
			}
			return nil
		})
	}
	return len(entries), g.Wait()
}

func (s *Streamer) process(parent context.Context, e models.RotationHistoryEntry) error {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	err := s.deliver(ctx, e)
	res := store.StreamResult{HistoryID: e.ID}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Success = true
	}
	var key string
	if err == nil && s.archiver != nil {
		key, err = s.archiver.Archive(ctx, e)
		if err != nil {
			res.Success = false
			res.Error = fmt.Sprintf("s3 archive: %v", err)
		}
		res.ArchivedKey = key
	}
	if s.metrics != nil {
		s.metrics.HistoryStreamed(res.Success)
	}
	if markErr := s.outbox.MarkHistoryStreamed(parent, res); markErr != nil {
		return fmt.Errorf("mark history streamed: %w", markErr)
	}
	return err
}

func (s *Streamer) deliver(ctx context.Context, e models.RotationHistoryEntry) error {
	body, err := json.Marshal(Event{Type: EventType, Entry: e})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.publisher.Publish(ctx, []byte(e.TestID.String()), body); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}
