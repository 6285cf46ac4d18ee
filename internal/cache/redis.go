// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/krackle/internal/lobby"
	"github.com/jason-s-yu/krackle/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Connect opens a Redis client and checks it with a ping.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// ListPusher is the subset of the Redis client the journal uses.
type ListPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisJournal publishes every lobby broadcast to a Redis list for the
// historian. Record only enqueues; a single worker performs the RPUSH calls so
// list order matches the order events were recorded in.
type RedisJournal struct {
	rdb     ListPusher
	queue   string
	logger  *logrus.Logger
	now     func() time.Time
	records chan models.LobbyEventRecord

	mu      sync.Mutex
	closed  bool
	dropped int
	done    chan struct{}
}

// NewRedisJournal starts the publishing worker. buffer bounds how many
// records may wait for Redis before new ones are dropped.
func NewRedisJournal(rdb ListPusher, queue string, buffer int, logger *logrus.Logger) *RedisJournal {
	if buffer < 1 {
		buffer = 1
	}
	j := &RedisJournal{
		rdb:     rdb,
		queue:   queue,
		logger:  logger,
		now:     time.Now,
		records: make(chan models.LobbyEventRecord, buffer),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// Record implements lobby.Journal.
func (j *RedisJournal) Record(code string, seq uint64, actor string, ev lobby.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		j.logger.WithError(err).WithField("event", ev.EventName()).Warn("journal: marshal failed")
		return
	}
	rec := models.LobbyEventRecord{
		LobbyCode: code,
		Seq:       seq,
		Event:     ev.EventName(),
		Actor:     actor,
		Payload:   payload,
		Timestamp: j.now().UnixMilli(),
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.records <- rec:
	default:
		j.dropped++
		j.logger.WithFields(logrus.Fields{"lobby": code, "seq": seq}).Warn("journal: queue full, record dropped")
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (j *RedisJournal) Dropped() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

func (j *RedisJournal) run() {
	defer close(j.done)
	for rec := range j.records {
		data, err := json.Marshal(rec)
		if err != nil {
			j.logger.WithError(err).Warn("journal: marshal record failed")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = j.rdb.RPush(ctx, j.queue, data).Err()
		cancel()
		if err != nil {
			j.logger.WithError(err).WithField("queue", j.queue).Warn("journal: RPush failed")
		}
	}
}

// Close stops accepting records and waits for queued ones to be pushed.
func (j *RedisJournal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.records)
	j.mu.Unlock()
	<-j.done
}
