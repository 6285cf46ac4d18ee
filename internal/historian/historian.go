// internal/historian/historian.go drains journaled lobby events from a Redis
// list and persists them to PostgreSQL in batches.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jason-s-yu/krackle/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// maxPopWait bounds a single BLPOP so cancellation and timed flushes are noticed.
const maxPopWait = 3 * time.Second

// Popper is the subset of the Redis client the historian reads with.
type Popper interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// Sink persists a batch of records.
type Sink interface {
	InsertLobbyEvents(ctx context.Context, recs []models.LobbyEventRecord) error
}

// Historian moves records from the journal queue into a Sink.
type Historian struct {
	src        Popper
	sink       Sink
	queue      string
	batchSize  int
	flushEvery time.Duration
	logger     *logrus.Logger

	batch     []models.LobbyEventRecord
	lastFlush time.Time
}

// New builds a historian reading queue from src.
func New(src Popper, sink Sink, queue string, batchSize int, flushEvery time.Duration, logger *logrus.Logger) *Historian {
	return &Historian{
		src:        src,
		sink:       sink,
		queue:      queue,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		logger:     logger,
		batch:      make([]models.LobbyEventRecord, 0, batchSize),
	}
}

// Run pops records until ctx is cancelled, then flushes what it holds.
func (h *Historian) Run(ctx context.Context) error {
	wait := h.flushEvery
	if wait > maxPopWait || wait <= 0 {
		wait = maxPopWait
	}
	h.lastFlush = time.Now()
	h.logger.WithField("queue", h.queue).Info("historian started")

	for {
		if ctx.Err() != nil {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := h.Flush(flushCtx)
			cancel()
			h.logger.Info("historian stopped")
			return err
		}

		res, err := h.src.BLPop(ctx, wait, h.queue).Result()
		switch {
		case err == nil && len(res) == 2:
			h.accept(res[1])
		case err == nil, errors.Is(err, redis.Nil), ctx.Err() != nil:
		default:
			h.logger.WithError(err).Warn("BLPop failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}

		if len(h.batch) >= h.batchSize || (len(h.batch) > 0 && time.Since(h.lastFlush) >= h.flushEvery) {
			if err := h.Flush(ctx); err != nil {
				h.logger.WithError(err).Error("flush failed, will retry")
			}
		}
	}
}

func (h *Historian) accept(payload string) {
	var rec models.LobbyEventRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		h.logger.WithError(err).Warn("invalid lobby event record")
		return
	}
	h.batch = append(h.batch, rec)
}

// Flush writes the held batch. On failure the records are kept for the next
// attempt, up to ten batches' worth.
func (h *Historian) Flush(ctx context.Context) error {
	h.lastFlush = time.Now()
	if len(h.batch) == 0 {
		return nil
	}
	if err := h.sink.InsertLobbyEvents(ctx, h.batch); err != nil {
		if limit := 10 * h.batchSize; len(h.batch) > limit {
			dropped := len(h.batch) - limit
			h.batch = append(h.batch[:0], h.batch[dropped:]...)
			h.logger.WithField("dropped", dropped).Warn("historian backlog trimmed")
		}
		return err
	}
	h.logger.WithField("count", len(h.batch)).Debug("flushed lobby events")
	h.batch = make([]models.LobbyEventRecord, 0, h.batchSize)
	return nil
}

// Pending returns how many records are held in memory.
func (h *Historian) Pending() int {
	return len(h.batch)
}
