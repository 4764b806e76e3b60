package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/health"

	"github.com/redis/go-redis/v9"
)

const prefix = "office-monitor:status:"

// Cache mirrors committed device status into redis for other readers.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client) *Cache { return &Cache{rdb: rdb, ttl: 24 * time.Hour} }

func key(id uint) string { return prefix + strconv.FormatUint(uint64(id), 10) }

func (c *Cache) PutStatus(ctx context.Context, v health.StatusView) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(v.DeviceID), b, c.ttl).Err()
}

// Get returns nil without error when nothing is cached for id.
func (c *Cache) Get(ctx context.Context, id uint) (*health.StatusView, error) {
	b, err := c.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v health.StatusView
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// RemoveAllExcept deletes mirrored entries for devices not in keep and
// returns the removed ids.
func (c *Cache) RemoveAllExcept(ctx context.Context, keep []uint) ([]uint, error) {
	keepSet := make(map[uint]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var removed []uint
	for iter.Next(ctx) {
		full := iter.Val()
		n, err := strconv.ParseUint(strings.TrimPrefix(full, prefix), 10, 64)
		if err != nil {
			continue
		}
		id := uint(n)
		if _, ok := keepSet[id]; ok {
			continue
		}
		if err := c.rdb.Del(ctx, full).Err(); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, nil
}
