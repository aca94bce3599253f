package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "kestrel:gate:sender:"

// RedisGate serializes senders across processes with a RedLock mutex.
type RedisGate struct {
	client     *redis.Client
	rs         *redsync.Redsync
	maxWait    time.Duration
	lockTTL    time.Duration
	retryDelay time.Duration
	metrics    *metrics.Metrics
}

// NewRedisGate connects to Redis and creates a distributed gate.
func NewRedisGate(cfg domain.GateConfig, m *metrics.Metrics) (*RedisGate, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisGateFromClient(client, cfg, m), nil
}

// NewRedisGateFromClient creates a distributed gate over an existing client.
func NewRedisGateFromClient(client *redis.Client, cfg domain.GateConfig, m *metrics.Metrics) *RedisGate {
	g := &RedisGate{
		client:     client,
		rs:         redsync.New(goredis.NewPool(client)),
		maxWait:    cfg.MaxWait,
		lockTTL:    cfg.LockTTL,
		retryDelay: cfg.RetryDelay,
		metrics:    m,
	}
	if g.lockTTL <= 0 {
		g.lockTTL = 30 * time.Second
	}
	if g.retryDelay <= 0 {
		g.retryDelay = 50 * time.Millisecond
	}
	return g
}

// tries is the number of attempts that fit in the wait bound.
func (g *RedisGate) tries() int {
	if g.maxWait <= 0 {
		return 1 << 20
	}
	return int(g.maxWait/g.retryDelay) + 1
}

// Acquire takes senderID's mutex, retrying until the wait bound elapses.
func (g *RedisGate) Acquire(ctx context.Context, senderID string) (Token, error) {
	if err := ctx.Err(); err != nil {
		g.metrics.IncrementGateTimeout()
		return nil, contentionError(ctx, senderID, err)
	}

	start := time.Now()

	waitCtx := ctx
	if g.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.maxWait)
		defer cancel()
	}

	mutex := g.rs.NewMutex(
		lockPrefix+senderID,
		redsync.WithExpiry(g.lockTTL),
		redsync.WithTries(g.tries()),
		redsync.WithRetryDelay(g.retryDelay),
	)

	if err := mutex.LockContext(waitCtx); err != nil {
		g.metrics.IncrementGateTimeout()
		slog.Debug("sender gate busy", "sender_id", senderID, "error", err)
		return nil, contentionError(ctx, senderID, err)
	}

	g.metrics.ObserveGateWait(time.Since(start))
	return &redisToken{mutex: mutex, senderID: senderID}, nil
}

// Close closes the Redis client.
func (g *RedisGate) Close() error {
	return g.client.Close()
}

type redisToken struct {
	mutex    *redsync.Mutex
	senderID string

	once sync.Once
	err  error
}

// Hold extends the mutex by a full TTL. Extension fails once the key has
// expired or changed owner.
func (t *redisToken) Hold(ctx context.Context) error {
	ok, err := t.mutex.ExtendContext(ctx)
	if ok && err == nil {
		return nil
	}
	return contentionError(ctx, t.senderID, lockLost(t.senderID, err))
}

// Release unlocks the mutex. It reports ErrLockLost when the lock had
// already expired.
func (t *redisToken) Release(ctx context.Context) error {
	t.once.Do(func() {
		ok, err := t.mutex.UnlockContext(ctx)
		if err != nil || !ok {
			t.err = lockLost(t.senderID, err)
		}
	})
	return t.err
}

func lockLost(senderID string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: sender %s", ErrLockLost, senderID)
	}
	return fmt.Errorf("%w: sender %s: %w", ErrLockLost, senderID, cause)
}
