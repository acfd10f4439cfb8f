// Package redisstore is a Redis persistence backend. Value keys carry
// a TTL equal to the store max-age, so lazy expiry is native; a sorted
// set scored by last-write epoch-ms serves as the expiry index so the
// periodic sweep stays O(expired) and can reconcile index entries
// whose value keys the TTL already reclaimed.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect parses a Redis URL (redis://[user:pass@]host:port/db) and
// verifies connectivity.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// keyspace holds the key layout for one record type.
type keyspace struct {
	valuePrefix string // e.g. "threadline:context:"
	indexKey    string // e.g. "threadline:context:index"
}

var (
	contextKeys  = keyspace{valuePrefix: "threadline:context:", indexKey: "threadline:context-index"}
	runstateKeys = keyspace{valuePrefix: "threadline:runstate:", indexKey: "threadline:runstate-index"}
)

// core implements the shared save/load/delete/cleanup mechanics over
// string payloads. The typed stores marshal on top of it.
type core struct {
	client *redis.Client
	keys   keyspace
	maxAge time.Duration
	logger *slog.Logger
}

func (c *core) valueKey(subjectID string) string {
	return c.keys.valuePrefix + subjectID
}

// save writes the payload with TTL and scores the index entry with the
// write time.
func (c *core) save(ctx context.Context, subjectID, payload string) error {
	now := time.Now().UnixMilli()
	if err := c.client.Set(ctx, c.valueKey(subjectID), payload, c.maxAge).Err(); err != nil {
		return fmt.Errorf("save %s: %w", subjectID, err)
	}
	if err := c.client.ZAdd(ctx, c.keys.indexKey, redis.Z{
		Score:  float64(now),
		Member: subjectID,
	}).Err(); err != nil {
		// The value key has its TTL; a missing index entry only delays
		// index reconciliation, it does not lose data.
		c.logger.Warn("index update failed", "subject", subjectID, "error", err)
	}
	return nil
}

// load returns the payload or "" on miss. Network errors degrade to a
// miss so a Redis blip reads as "no data" instead of failing the turn.
func (c *core) load(ctx context.Context, subjectID string) (string, error) {
	val, err := c.client.Get(ctx, c.valueKey(subjectID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", nil
	case err != nil:
		c.logger.Warn("read failed, treating as missing",
			"subject", subjectID, "error", err)
		return "", nil
	}
	return val, nil
}

func (c *core) delete(ctx context.Context, subjectID string) error {
	if err := c.client.Del(ctx, c.valueKey(subjectID)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", subjectID, err)
	}
	if err := c.client.ZRem(ctx, c.keys.indexKey, subjectID).Err(); err != nil {
		c.logger.Warn("index entry not removed", "subject", subjectID, "error", err)
	}
	return nil
}

// cleanup removes every index entry older than the cutoff along with
// its value key. Counts only entries whose value key still existed —
// entries the TTL already reclaimed are index reconciliation, not
// record removal.
func (c *core) cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = c.maxAge
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	ids, err := c.client.ZRangeByScore(ctx, c.keys.indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan index: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	removed := 0
	for _, id := range ids {
		n, err := c.client.Del(ctx, c.valueKey(id)).Result()
		if err != nil {
			c.logger.Warn("expired record not removed", "subject", id, "error", err)
			continue
		}
		if err := c.client.ZRem(ctx, c.keys.indexKey, id).Err(); err != nil {
			c.logger.Warn("index entry not removed", "subject", id, "error", err)
		}
		if n > 0 {
			removed++
		}
	}
	return removed, nil
}
