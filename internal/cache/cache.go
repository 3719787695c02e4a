// Package cache is the position store: a redis layer fronted by an
// in-process fallback with identical TTL semantics. Reads never block
// on the network beyond the client timeout; every write lands in both
// layers where possible.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"talon"
	"talon/pkg/logging"
)

const (
	positionPrefix = "position:"
	checkpointKey  = "checkpoint:last_block"
	oraclePrefix   = "oracle_price:"
)

// Stats is the cache health summary.
type Stats struct {
	Count          int            `json:"count"`
	PerProtocol    map[string]int `json:"per_protocol"`
	BackendHealthy bool           `json:"backend_healthy"`
	CurrentBlock   uint64         `json:"current_block"`
}

// Store maps (protocol, user) to Position with a soft TTL.
type Store struct {
	rdb      *redis.Client
	mem      *memoryLayer
	ttl      time.Duration
	log      *logging.Logger
	fallback atomic.Bool

	currentBlock atomic.Uint64

	// rebuild repopulates the cache after the redis layer recovers.
	// Installed by the state engine at wiring time.
	rebuild func(ctx context.Context) error
}

// New creates a Store. rdb may be nil, in which case only the
// in-process layer is used.
func New(rdb *redis.Client, ttl time.Duration, log *logging.Logger) *Store {
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	s := &Store{
		rdb: rdb,
		mem: newMemoryLayer(ttl),
		ttl: ttl,
		log: log,
	}
	if rdb == nil {
		s.fallback.Store(true)
	}
	return s
}

// SetRebuild installs the rebuild hook run after redis reconnects.
func (s *Store) SetRebuild(fn func(ctx context.Context) error) { s.rebuild = fn }

// BackendHealthy reports whether the redis layer is in use.
func (s *Store) BackendHealthy() bool { return !s.fallback.Load() }

func positionKey(protocol string, user string) string {
	return positionPrefix + protocol + ":" + user
}

// Get returns the cached position for (protocol, user), or false when
// absent or expired.
func (s *Store) Get(ctx context.Context, protocol, user string) (*talon.Position, bool) {
	key := positionKey(protocol, user)

	if !s.fallback.Load() {
		raw, err := s.rdb.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			return nil, false
		case err != nil:
			s.degrade(err)
		default:
			var pos talon.Position
			if err := json.Unmarshal(raw, &pos); err != nil {
				s.log.Event(map[string]interface{}{"key": key, "error": err.Error()}).
					Warn("cache_decode_failed")
				return nil, false
			}
			return &pos, true
		}
	}

	raw, ok := s.mem.get(key)
	if !ok {
		return nil, false
	}
	var pos talon.Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, false
	}
	return &pos, true
}

// ListAll returns every live position.
func (s *Store) ListAll(ctx context.Context) []talon.Position {
	var out []talon.Position

	if !s.fallback.Load() {
		keys, err := s.rdb.Keys(ctx, positionPrefix+"*").Result()
		if err != nil {
			s.degrade(err)
		} else {
			for _, key := range keys {
				raw, err := s.rdb.Get(ctx, key).Bytes()
				if err != nil {
					continue
				}
				var pos talon.Position
				if err := json.Unmarshal(raw, &pos); err != nil {
					continue
				}
				out = append(out, pos)
			}
			return out
		}
	}

	for _, raw := range s.mem.values(positionPrefix) {
		var pos talon.Position
		if err := json.Unmarshal(raw, &pos); err != nil {
			continue
		}
		out = append(out, pos)
	}
	return out
}

// Upsert writes a position to both layers, preserving the existing
// BlocksUnhealthy streak; only UpdateHealth may move that counter.
func (s *Store) Upsert(ctx context.Context, pos *talon.Position) error {
	if existing, ok := s.Get(ctx, pos.Protocol, pos.User.Hex()); ok {
		pos.BlocksUnhealthy = existing.BlocksUnhealthy
		if pos.LastUpdateBlock < existing.LastUpdateBlock {
			pos.LastUpdateBlock = existing.LastUpdateBlock
		}
	}
	return s.put(ctx, pos)
}

func (s *Store) put(ctx context.Context, pos *talon.Position) error {
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("%w: marshal position: %v", talon.ErrCache, err)
	}
	key := positionKey(pos.Protocol, pos.User.Hex())

	s.mem.set(key, raw)

	if !s.fallback.Load() {
		if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
			s.degrade(err)
		}
	}
	return nil
}

// UpdateHealth is the sole writer of BlocksUnhealthy: reset to zero on
// healthy, increment on unhealthy. Returns the new streak length.
func (s *Store) UpdateHealth(ctx context.Context, protocol, user string, healthy bool, block uint64) (int, error) {
	pos, ok := s.Get(ctx, protocol, user)
	if !ok {
		return 0, fmt.Errorf("%w: no position for %s:%s", talon.ErrCache, protocol, user)
	}
	if healthy {
		pos.BlocksUnhealthy = 0
	} else {
		pos.BlocksUnhealthy++
	}
	if block > pos.LastUpdateBlock {
		pos.LastUpdateBlock = block
	}
	if err := s.put(ctx, pos); err != nil {
		return 0, err
	}
	return pos.BlocksUnhealthy, nil
}

// Remove deletes a position from both layers.
func (s *Store) Remove(ctx context.Context, protocol, user string) {
	key := positionKey(protocol, user)
	s.mem.delete(key)
	if !s.fallback.Load() {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			s.degrade(err)
		}
	}
}

// SetCurrentBlock records the engine's view of the chain head.
func (s *Store) SetCurrentBlock(block uint64) { s.currentBlock.Store(block) }

// CurrentBlock returns the engine's view of the chain head.
func (s *Store) CurrentBlock() uint64 { return s.currentBlock.Load() }

// Checkpoint persists the last-processed-block marker. The marker is
// monotonic: shallow reorgs never move it backwards.
func (s *Store) Checkpoint(ctx context.Context, block uint64) {
	if block <= s.LastCheckpoint(ctx) {
		return
	}
	s.mem.setNoTTL(checkpointKey, []byte(strconv.FormatUint(block, 10)))
	if !s.fallback.Load() {
		if err := s.rdb.Set(ctx, checkpointKey, block, 0).Err(); err != nil {
			s.degrade(err)
		}
	}
}

// LastCheckpoint returns the persisted marker, zero when absent.
func (s *Store) LastCheckpoint(ctx context.Context) uint64 {
	if !s.fallback.Load() {
		raw, err := s.rdb.Get(ctx, checkpointKey).Result()
		if err == nil {
			if n, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
				return n
			}
		} else if err != redis.Nil {
			s.degrade(err)
		}
	}
	raw, ok := s.mem.get(checkpointKey)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseUint(string(raw), 10, 64)
	return n
}

// SetOraclePrice caches a decoded on-chain price update for the feed.
func (s *Store) SetOraclePrice(ctx context.Context, feed string, raw []byte, ttl time.Duration) {
	key := oraclePrefix + feed
	s.mem.setWithTTL(key, raw, ttl)
	if !s.fallback.Load() {
		if err := s.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
			s.degrade(err)
		}
	}
}

// Stats summarizes the live cache contents.
func (s *Store) Stats(ctx context.Context) Stats {
	positions := s.ListAll(ctx)
	perProtocol := make(map[string]int)
	for _, p := range positions {
		perProtocol[p.Protocol]++
	}
	return Stats{
		Count:          len(positions),
		PerProtocol:    perProtocol,
		BackendHealthy: s.BackendHealthy(),
		CurrentBlock:   s.currentBlock.Load(),
	}
}

// degrade flips to the in-process layer after a redis failure.
func (s *Store) degrade(err error) {
	if s.fallback.CompareAndSwap(false, true) {
		s.log.Event(map[string]interface{}{"error": err.Error()}).
			Warn("cache_backend_lost")
	}
}

// TryRecover pings redis and, on success, rebuilds the cache from
// chain state and resumes dual-layer writes. Called by the health
// monitor tick.
func (s *Store) TryRecover(ctx context.Context) {
	if s.rdb == nil || !s.fallback.Load() {
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return
	}
	// Resume dual-layer writes first so the rebuild lands in redis too.
	s.fallback.Store(false)
	if s.rebuild != nil {
		if err := s.rebuild(ctx); err != nil {
			s.fallback.Store(true)
			s.log.Event(map[string]interface{}{"error": err.Error()}).
				Warn("cache_rebuild_failed")
			return
		}
	}
	s.log.Plain().Info("cache_backend_recovered")
}
