// Package lease gives one server process exclusive ownership of a document's
// in-memory state when several instances share the same database.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrHeld = errors.New("document leased by another instance")
	ErrLost = errors.New("lease no longer held")
)

var renewScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`)

// RedisLease stores lease:doc:{id} = owner with a TTL and renews the leases
// it holds in the background until Stop.
type RedisLease struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
	log    zerolog.Logger

	mu     sync.Mutex
	held   map[string]struct{}
	onLost func(documentID string)

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewRedisLease(client *redis.Client, owner string, ttl time.Duration, log zerolog.Logger) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{
		client: client,
		owner:  owner,
		ttl:    ttl,
		log:    log,
		held:   make(map[string]struct{}),
		stop:   make(chan struct{}),
	}
}

func key(documentID string) string {
	return "lease:doc:" + documentID
}

// Acquire takes the lease, or refreshes it when this owner already holds it.
func (l *RedisLease) Acquire(ctx context.Context, documentID string) error {
	ok, err := l.client.SetNX(ctx, key(documentID), l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		if err := l.renew(ctx, documentID); err != nil {
			if errors.Is(err, ErrLost) {
				return ErrHeld
			}
			return err
		}
	}

	l.mu.Lock()
	l.held[documentID] = struct{}{}
	l.mu.Unlock()
	return nil
}

func (l *RedisLease) renew(ctx context.Context, documentID string) error {
	n, err := renewScript.Run(ctx, l.client, []string{key(documentID)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Release drops the lease if this owner still holds it.
func (l *RedisLease) Release(ctx context.Context, documentID string) error {
	l.mu.Lock()
	delete(l.held, documentID)
	l.mu.Unlock()

	if err := releaseScript.Run(ctx, l.client, []string{key(documentID)}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (l *RedisLease) Holds(documentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[documentID]
	return ok
}

// OnLost registers fn to run, on the renewal goroutine, for every lease a
// renewal finds owned by someone else.
func (l *RedisLease) OnLost(fn func(documentID string)) {
	l.mu.Lock()
	l.onLost = fn
	l.mu.Unlock()
}

// Start renews held leases every third of the TTL.
func (l *RedisLease) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.RenewAll(context.Background())
			}
		}
	}()
}

func (l *RedisLease) RenewAll(ctx context.Context) {
	l.mu.Lock()
	docs := make([]string, 0, len(l.held))
	for id := range l.held {
		docs = append(docs, id)
	}
	l.mu.Unlock()

	for _, id := range docs {
		err := l.renew(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, ErrLost):
			l.log.Warn().Str("document_id", id).Msg("document lease lost")
			l.mu.Lock()
			delete(l.held, id)
			onLost := l.onLost
			l.mu.Unlock()
			if onLost != nil {
				onLost(id)
			}
		default:
			l.log.Error().Err(err).Str("document_id", id).Msg("renew document lease")
		}
	}
}

// Stop ends renewal and releases every lease still held.
func (l *RedisLease) Stop(ctx context.Context) {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()

	l.mu.Lock()
	docs := make([]string, 0, len(l.held))
	for id := range l.held {
		docs = append(docs, id)
	}
	l.mu.Unlock()
	for _, id := range docs {
		if err := l.Release(ctx, id); err != nil {
			l.log.Error().Err(err).Str("document_id", id).Msg("release document lease")
		}
	}
}
