package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xenking/kart-fulfillment/internal/domain/payment"
)

var (
	_ payment.Locker  = (*Locker)(nil)
	_ payment.Deduper = (*Deduper)(nil)
)

// Locker is a process-local payment.Locker with expiring keys.
type Locker struct {
	mu    sync.Mutex
	held  map[string]lease
	seq   uint64
	clock func() time.Time
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]lease), clock: time.Now}
}

func (l *Locker) Lock(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, payment.ErrLocked
	}
	l.seq++
	token := l.seq
	l.held[key] = lease{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}

// Deduper remembers keys for a fixed time.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	clock func() time.Time
}

// NewDeduper returns a Deduper whose entries expire after ttl.
func NewDeduper(ttl time.Duration) *Deduper {
	return &Deduper{seen: make(map[string]time.Time), ttl: ttl, clock: time.Now}
}

func (d *Deduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	exp, ok := d.seen[key]
	if !ok {
		return false, nil
	}
	if !d.clock().Before(exp) {
		delete(d.seen, key)
		return false, nil
	}
	return true, nil
}

func (d *Deduper) Mark(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = d.clock().Add(d.ttl)
	return nil
}
