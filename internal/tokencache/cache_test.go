package tokencache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/bogpay-gateway/internal/model"
)

func TestMemory_ExpiresByClock(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cache := NewMemory(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", model.AccessToken{Value: "t1", ExpiresAt: now.Add(time.Minute)}))

	tok, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "t1", tok.Value)

	now = now.Add(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_MissingKey(t *testing.T) {
	cache := NewMemory(nil)

	_, ok, err := cache.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
