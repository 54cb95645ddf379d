package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"futures-risk-bot/internal/compliance"
	"futures-risk-bot/internal/position"
)

// Redis keys for restart-critical state
const (
	// ComplianceStateKey holds the compliance state JSON
	ComplianceStateKey = "riskbot:compliance:state"

	// PositionSnapshotKey holds the ledger snapshot JSON
	PositionSnapshotKey = "riskbot:positions:snapshot"

	// PositionSnapshotTTL bounds how stale a restored snapshot can be
	PositionSnapshotTTL = 7 * 24 * time.Hour
)

// RedisStateStore stores compliance state and ledger snapshots in Redis with
// an in-memory fallback when Redis is unavailable. Compliance state has no
// TTL: the fail-safe latch must survive any restart.
type RedisStateStore struct {
	client         *redis.Client
	redisAvailable atomic.Bool
	logger         zerolog.Logger

	cacheMu    sync.RWMutex
	compliance *compliance.State
	positions  []position.Position
}

// NewRedisStateStore creates a store. If client is nil the store operates in
// memory-only mode.
func NewRedisStateStore(ctx context.Context, client *redis.Client, logger zerolog.Logger) *RedisStateStore {
	s := &RedisStateStore{
		client: client,
		logger: logger.With().Str("component", "RedisState").Logger(),
	}

	if client == nil {
		s.logger.Warn().Msg("No Redis client provided, using in-memory state only")
		return s
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory state")
		return s
	}
	s.redisAvailable.Store(true)
	s.logger.Info().Msg("Redis connected")
	return s
}

// IsRedisAvailable returns whether Redis is currently available
func (s *RedisStateStore) IsRedisAvailable() bool {
	return s.redisAvailable.Load()
}

// CheckRedisConnection pings Redis and updates availability
func (s *RedisStateStore) CheckRedisConnection(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("no Redis client configured")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if !s.redisAvailable.Swap(true) {
		s.logger.Info().Msg("Redis connection recovered")
	}
	return nil
}

func (s *RedisStateStore) save(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	if s.client == nil || !s.redisAvailable.Load() {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		// memory copy is already updated
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to save to Redis, using in-memory state")
		s.redisAvailable.Store(false)
	}
	return nil
}

// load returns found=false when Redis is unavailable or the key is absent
func (s *RedisStateStore) load(ctx context.Context, key string, v interface{}) (bool, error) {
	if s.client == nil || !s.redisAvailable.Load() {
		return false, nil
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Redis read error, using in-memory state")
		s.redisAvailable.Store(false)
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// ============================================================================
// COMPLIANCE STATE
// ============================================================================

// SaveComplianceState implements compliance.StateStore
func (s *RedisStateStore) SaveComplianceState(ctx context.Context, st compliance.State) error {
	s.cacheMu.Lock()
	cp := st
	s.compliance = &cp
	s.cacheMu.Unlock()
	return s.save(ctx, ComplianceStateKey, st, 0)
}

// LoadComplianceState implements compliance.StateStore. Returns nil when no
// state has been saved.
func (s *RedisStateStore) LoadComplianceState(ctx context.Context) (*compliance.State, error) {
	var st compliance.State
	found, err := s.load(ctx, ComplianceStateKey, &st)
	if err != nil {
		return nil, err
	}
	if found {
		s.cacheMu.Lock()
		cp := st
		s.compliance = &cp
		s.cacheMu.Unlock()
		return &st, nil
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if s.compliance == nil {
		return nil, nil
	}
	cp := *s.compliance
	return &cp, nil
}

// ============================================================================
// LEDGER SNAPSHOT
// ============================================================================

// SavePositions implements position.SnapshotStore
func (s *RedisStateStore) SavePositions(ctx context.Context, positions []position.Position) error {
	s.cacheMu.Lock()
	s.positions = append([]position.Position(nil), positions...)
	s.cacheMu.Unlock()
	return s.save(ctx, PositionSnapshotKey, positions, PositionSnapshotTTL)
}

// LoadPositions implements position.SnapshotStore
func (s *RedisStateStore) LoadPositions(ctx context.Context) ([]position.Position, error) {
	var positions []position.Position
	found, err := s.load(ctx, PositionSnapshotKey, &positions)
	if err != nil {
		return nil, err
	}
	if found {
		return positions, nil
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return append([]position.Position(nil), s.positions...), nil
}

// SyncCacheToRedis pushes the in-memory copies to Redis after a recovery
func (s *RedisStateStore) SyncCacheToRedis(ctx context.Context) error {
	if err := s.CheckRedisConnection(ctx); err != nil {
		return err
	}
	s.cacheMu.RLock()
	st := s.compliance
	positions := s.positions
	s.cacheMu.RUnlock()

	if st != nil {
		if err := s.save(ctx, ComplianceStateKey, *st, 0); err != nil {
			return err
		}
	}
	if positions != nil {
		if err := s.save(ctx, PositionSnapshotKey, positions, PositionSnapshotTTL); err != nil {
			return err
		}
	}
	return nil
}
