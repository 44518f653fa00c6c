package memproc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror is an optional, best-effort copy of tensor payloads into Redis.
// It exists purely as an out-of-band inspection aid (e.g. an operator
// dashboard reading the last payload written for a tensor); the pool itself
// never reads back from it, so a Redis outage never affects admission or
// eviction.
type Mirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMirror connects to Redis and verifies reachability with a ping,
// mirroring the connect-then-ping pattern used elsewhere for this driver.
func NewMirror(addr, password string, db int) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("memproc: redis mirror ping failed (%s): %w", addr, err)
	}

	slog.Info("memproc: tensor mirror connected", "addr", addr, "db", db)
	return &Mirror{rdb: rdb, ttl: 24 * time.Hour}, nil
}

// Close shuts down the underlying client.
func (m *Mirror) Close() error {
	return m.rdb.Close()
}

// WriteAsync fires off a best-effort mirror write; failures are logged, not
// propagated, since the mirror is diagnostic-only.
func (m *Mirror) WriteAsync(tid TensorID, payload []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		key := fmt.Sprintf("agentkernel:tensor:%d", tid)
		if err := m.rdb.Set(ctx, key, payload, m.ttl).Err(); err != nil {
			slog.Warn("memproc: tensor mirror write failed", "tensor_id", tid, "error", err)
		}
	}()
}
