package liveness

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	logx "reportsched/pkg/logx"
)

const (
	DefaultLeaseTTL    = 2 * time.Minute
	DefaultLeasePrefix = "reportsched:run:"
)

// RedisLease shares running-job state between scheduler hosts. Mark sets a
// key with a TTL and keeps renewing it until Unmark.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	owner  string
	log    logx.Logger

	mu     sync.Mutex
	renew  map[string]context.CancelFunc
	closed bool
}

func NewRedisLease(redisURL, prefix string, ttl time.Duration, log logx.Logger) (*RedisLease, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return newRedisLease(client, prefix, ttl, log), nil
}

func newRedisLease(client redis.UniversalClient, prefix string, ttl time.Duration, log logx.Logger) *RedisLease {
	if prefix == "" {
		prefix = DefaultLeasePrefix
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	host, _ := os.Hostname()
	return &RedisLease{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		owner:  fmt.Sprintf("%s:%d", host, os.Getpid()),
		log:    log,
		renew:  map[string]context.CancelFunc{},
	}
}

func (l *RedisLease) key(id string) string { return l.prefix + id }

func (l *RedisLease) Running(ctx context.Context, id string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(id)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis exists")
	}
	return n > 0, nil
}

func (l *RedisLease) Mark(ctx context.Context, id string) error {
	if err := l.client.Set(ctx, l.key(id), l.owner, l.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set lease")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if stop, ok := l.renew[id]; ok {
		stop()
	}
	rctx, stop := context.WithCancel(context.Background())
	l.renew[id] = stop
	go l.renewLoop(rctx, id)
	return nil
}

func (l *RedisLease) renewLoop(ctx context.Context, id string) {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := l.client.Expire(cctx, l.key(id), l.ttl).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				l.log.Warn("lease renew failed", logx.String("id", id), logx.Err(err))
			}
		}
	}
}

func (l *RedisLease) Unmark(ctx context.Context, id string) error {
	l.mu.Lock()
	if stop, ok := l.renew[id]; ok {
		stop()
		delete(l.renew, id)
	}
	l.mu.Unlock()
	return errors.Wrap(l.client.Del(ctx, l.key(id)).Err(), "redis del lease")
}

// Close stops renewals and closes the client. Leases left behind expire after the TTL.
func (l *RedisLease) Close() error {
	l.mu.Lock()
	l.closed = true
	for id, stop := range l.renew {
		stop()
		delete(l.renew, id)
	}
	l.mu.Unlock()
	return l.client.Close()
}
