package statuscache

import (
	"context"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/health"
	"github.com/PetoAdam/homenavi/office-monitor/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*miniredis.Miniredis, *Cache) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, New(rdb)
}

func TestPutAndGet(t *testing.T) {
	mr, c := setupCache(t)
	ctx := context.Background()
	changed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, c.PutStatus(ctx, health.StatusView{DeviceID: 12, Status: model.StatusDown, LastChange: changed, LastCheck: changed}))

	got, err := c.Get(ctx, 12)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusDown, got.Status)
	assert.True(t, changed.Equal(got.LastChange))
	assert.Equal(t, 24*time.Hour, mr.TTL("office-monitor:status:12"))

	missing, err := c.Get(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRemoveAllExcept(t *testing.T) {
	mr, c := setupCache(t)
	ctx := context.Background()
	for _, id := range []uint{1, 2, 3} {
		require.NoError(t, c.PutStatus(ctx, health.StatusView{DeviceID: id, Status: model.StatusUp}))
	}
	require.NoError(t, mr.Set("office-monitor:status:junk", "x"))

	removed, err := c.RemoveAllExcept(ctx, []uint{2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{1, 3}, removed)
	assert.True(t, mr.Exists("office-monitor:status:2"))
	assert.False(t, mr.Exists("office-monitor:status:1"))
	assert.True(t, mr.Exists("office-monitor:status:junk"))
}
