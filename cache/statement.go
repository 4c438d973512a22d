// Package cache keeps derived statements in Redis. Entries are keyed by a
// per-unit version; any ledger write bumps the version so stale entries are
// never read again and simply expire. A unit whose bump failed is read
// straight from the store until a later bump succeeds.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/generic"
)

const keyPrefix = "unit-ledger:stmt"

// New creates a Redis client and pings it.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return client, nil
}

// StatementCache implements billing.StatementCache.
type StatementCache struct {
	client redis.UniversalClient
	ttl    time.Duration

	mu    sync.Mutex
	stale map[generic.UnitID]struct{}
}

func NewStatementCache(client redis.UniversalClient, ttl time.Duration) *StatementCache {
	return &StatementCache{client: client, ttl: ttl, stale: make(map[generic.UnitID]struct{})}
}

// Version returns the current version of unit's entries, 0 if never bumped.
func (c *StatementCache) Version(ctx context.Context, unit generic.UnitID) (int64, error) {
	ver, err := c.client.Get(ctx, versionKey(unit)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

// Fetch returns the cached statement or builds and stores it with load.
func (c *StatementCache) Fetch(ctx context.Context, unit generic.UnitID, track generic.Track, asOf time.Time,
	load func(context.Context) (billing.Statement, error)) (billing.Statement, error) {
	if c.isStale(unit) && c.Invalidate(ctx, unit) != nil {
		return load(ctx)
	}
	ver, err := c.Version(ctx, unit)
	if err != nil {
		return load(ctx)
	}
	key := entryKey(unit, track, asOf, ver)

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var st billing.Statement
		if err := json.Unmarshal(payload, &st); err == nil {
			return st, nil
		}
	}

	st, err := load(ctx)
	if err != nil {
		return billing.Statement{}, err
	}
	if raw, err := json.Marshal(st); err == nil {
		_ = c.client.Set(ctx, key, raw, c.ttl).Err()
	}
	return st, nil
}

// Invalidate bumps unit's version. On failure the unit bypasses the cache
// in this process until a bump succeeds.
func (c *StatementCache) Invalidate(ctx context.Context, unit generic.UnitID) error {
	err := c.client.Incr(ctx, versionKey(unit)).Err()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.stale[unit] = struct{}{}
		return err
	}
	delete(c.stale, unit)
	return nil
}

func (c *StatementCache) isStale(unit generic.UnitID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.stale[unit]
	return ok
}

func versionKey(unit generic.UnitID) string {
	return strings.Join([]string{keyPrefix, "version", string(unit)}, ":")
}

func entryKey(unit generic.UnitID, track generic.Track, asOf time.Time, ver int64) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", keyPrefix, unit, track, asOf.Format("2006-01-02"), ver)
}
