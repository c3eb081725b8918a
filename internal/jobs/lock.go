package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/services"
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired lease never releases someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease lock shared by all worker processes.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ services.Locker = (*RedisLocker)(nil)

// NewRedisLocker uses rdb for locking. Keys are namespaced with "syncengine:".
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: "syncengine:"}
}

// NewRedisClient opens a go-redis client with the queue's connection settings.
func NewRedisClient(cfg config.QueueConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// TryLock sets key with NX and a ttl. The returned unlock is idempotent.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	full := l.prefix + key
	ok, err := l.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Release on a fresh context: the caller's may already be done.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.rdb, []string{full}, token).Err(); err != nil {
				log.Warn().Err(err).Str("lock", key).Msg("release lock failed")
			}
		})
	}
	return unlock, true, nil
}

// LocalLocker is an in-process lease lock for single-node deployments and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localLease
	now  func() time.Time
	seq  uint64
}

type localLease struct {
	id      uint64
	expires time.Time
}

var _ services.Locker = (*LocalLocker)(nil)

// NewLocalLocker creates an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLease), now: time.Now}
}

// TryLock takes key unless an unexpired lease holds it.
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	l.seq++
	id := l.seq
	l.held[key] = localLease{id: id, expires: now.Add(ttl)}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.held[key]; ok && cur.id == id {
				delete(l.held, key)
			}
		})
	}
	return unlock, true, nil
}
