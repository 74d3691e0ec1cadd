package bookingsync

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/booking_sync/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const debounceKeyPrefix = "webhook:debounce:"

// generationCounter hands out increasing generations per key.
type generationCounter interface {
	Next(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Current returns 0 when the key is unknown or expired.
	Current(ctx context.Context, key string) (int64, error)
}

// Debouncer collapses bursts of calls per key into the last one. Every call
// bumps the key's generation in Redis; when the window elapses only the call
// still holding the latest generation runs, whichever instance received it.
type Debouncer struct {
	counter generationCounter
	window  time.Duration
	after   func(d time.Duration, f func())
	logger  *logrus.Logger
}

func NewRedisDebouncer(rdb *redis.Client, window time.Duration, logger *logrus.Logger) *Debouncer {
	return newDebouncer(&redisGenerations{rdb: rdb}, window, logger)
}

func newDebouncer(counter generationCounter, window time.Duration, logger *logrus.Logger) *Debouncer {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Debouncer{
		counter: counter,
		window:  window,
		after:   func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		logger:  logger,
	}
}

// Debounce schedules fn for key. fn gets a context detached from ctx's
// cancellation. An error means nothing was scheduled.
func (d *Debouncer) Debounce(ctx context.Context, key string, fn func(ctx context.Context)) error {
	key = debounceKeyPrefix + key
	gen, err := d.counter.Next(ctx, key, 2*d.window)
	if err != nil {
		return err
	}
	runCtx := context.WithoutCancel(ctx)
	d.after(d.window, func() {
		cur, err := d.counter.Current(runCtx, key)
		if err != nil {
			// Running twice is harmless; losing the update is not.
			config.LogError(d.logger, "bookingsync", "Debounce", "read debounce generation", key, err)
		} else if cur != gen {
			return
		}
		fn(runCtx)
	})
	return nil
}

type redisGenerations struct {
	rdb *redis.Client
}

func (g *redisGenerations) Next(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := g.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (g *redisGenerations) Current(ctx context.Context, key string) (int64, error) {
	n, err := g.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
