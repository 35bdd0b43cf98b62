package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const heartbeatKeyPrefix = "nexusrag:worker:heartbeat:"

// HeartbeatStore records per-worker liveness in Redis with a TTL, so a
// crashed worker's heartbeat simply expires rather than needing active
// cleanup. Ops derives worker_heartbeat_age_s from LastBeat.
type HeartbeatStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewHeartbeatStore(rdb *redis.Client, ttl time.Duration) *HeartbeatStore {
	return &HeartbeatStore{rdb: rdb, ttl: ttl}
}

// Beat refreshes workerID's heartbeat key.
func (h *HeartbeatStore) Beat(ctx context.Context, workerID string) error {
	return h.rdb.Set(ctx, heartbeatKeyPrefix+workerID, time.Now().Unix(), h.ttl).Err()
}

// Age returns how long ago workerID last beat, or an error if it has no
// live heartbeat (expired or never started).
func (h *HeartbeatStore) Age(ctx context.Context, workerID string) (time.Duration, error) {
	ts, err := h.rdb.Get(ctx, heartbeatKeyPrefix+workerID).Int64()
	if err != nil {
		return 0, fmt.Errorf("worker heartbeat unavailable: %w", err)
	}
	return time.Since(time.Unix(ts, 0)), nil
}
