package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRunLocked is returned when another run holds the named lock.
var ErrRunLocked = errors.New("run already in progress")

// RunLock gives one writer per named run. The returned release func must be
// called when the run ends.
type RunLock interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), err error)
}

var releaseRunLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRunLock implements a lock shared by every service instance. The TTL
// bounds how long a crashed holder can block the next run.
type RedisRunLock struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRunLock(client redis.UniversalClient, prefix string) *RedisRunLock {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "sepa:run_lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRunLock{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (l *RedisRunLock) key(name string) string {
	return fmt.Sprintf("%s:%s", l.prefix, name)
}

func (l *RedisRunLock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := l.key(name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, name)
	}

	return func() {
		// The caller's context may already be cancelled when the run ends.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseRunLockScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}, nil
}

// LocalRunLock is the single-instance fallback used when no Redis is configured.
type LocalRunLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalRunLock() *LocalRunLock {
	return &LocalRunLock{held: make(map[string]bool)}
}

func (l *LocalRunLock) Acquire(_ context.Context, name string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, name)
	}
	l.held[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, nil
}
