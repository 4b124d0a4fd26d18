// Package redisx implements payment locks and webhook deduplication on Redis.
package redisx

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/kart-fulfillment/internal/domain/payment"
)

// Key layouts.
const (
	keyLock  = "kart:lock:"
	keyDedup = "kart:dedup:"
)

// TTLDedup is how long a processed webhook delivery is remembered.
const TTLDedup = 48 * time.Hour

var (
	_ payment.Locker  = (*Locker)(nil)
	_ payment.Deduper = (*Deduper)(nil)
)

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// New returns a client for addr.
func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Locker takes SET NX leases.
type Locker struct {
	rdb redis.UniversalClient
}

// NewLocker returns a Locker on rdb.
func NewLocker(rdb redis.UniversalClient) *Locker {
	return &Locker{rdb: rdb}
}

// Lock acquires key for ttl. Unlocking after the lease expired and was taken
// by someone else is a no-op.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	k := keyLock + key
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, "setnx")
	}
	if !ok {
		return nil, payment.ErrLocked
	}

	return func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, l.rdb, []string{k}, token).Err(); err != nil {
			return errors.Wrap(err, "unlock")
		}
		return nil
	}, nil
}

// Deduper marks keys with a TTL.
type Deduper struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewDeduper returns a Deduper on rdb. A ttl of zero means TTLDedup.
func NewDeduper(rdb redis.UniversalClient, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = TTLDedup
	}
	return &Deduper{rdb: rdb, ttl: ttl}
}

func (d *Deduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.rdb.Exists(ctx, keyDedup+key).Result()
	if err != nil {
		return false, errors.Wrap(err, "exists")
	}
	return n > 0, nil
}

func (d *Deduper) Mark(ctx context.Context, key string) error {
	if err := d.rdb.Set(ctx, keyDedup+key, "1", d.ttl).Err(); err != nil {
		return errors.Wrap(err, "set")
	}
	return nil
}
