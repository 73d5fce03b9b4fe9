package redis

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coupon/internal/config"
)

func redisConfig(t *testing.T, addr string) config.RedisConfig {
	t.Helper()
	host, port, err := splitAddr(addr)
	require.NoError(t, err)
	return config.RedisConfig{
		Host:         host,
		Port:         port,
		PoolSize:     5,
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

func splitAddr(addr string) (string, int, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.Atoi(port)
	return host, p, err
}

func TestNew(t *testing.T) {
	t.Run("connects", func(t *testing.T) {
		s := miniredis.RunT(t)
		client, err := New(context.Background(), redisConfig(t, s.Addr()))
		require.NoError(t, err)
		defer client.Close()

		require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
		s.CheckGet(t, "k", "v")
	})

	t.Run("unreachable server", func(t *testing.T) {
		s := miniredis.RunT(t)
		cfg := redisConfig(t, s.Addr())
		s.Close()

		_, err := New(context.Background(), cfg)
		assert.Error(t, err)
	})
}

func TestHealth(t *testing.T) {
	original := Client
	defer func() { Client = original }()

	Client = nil
	assert.Error(t, Health(context.Background()))

	s := miniredis.RunT(t)
	require.NoError(t, Init(&config.Config{Redis: redisConfig(t, s.Addr())}))
	defer Close()
	assert.NoError(t, Health(context.Background()))
}

func TestPopDueScript(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, client.ZAdd(ctx, "q",
		redis.Z{Score: 300, Member: "late"},
		redis.Z{Score: 100, Member: "first"},
		redis.Z{Score: 200, Member: "second"},
	).Err())

	pop := func(now int64) []interface{} {
		res, err := PopDueScript.Run(ctx, client, []string{"q"}, now).Slice()
		if err == redis.Nil {
			return nil
		}
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, []interface{}{"first", "100"}, pop(250))
	assert.Equal(t, []interface{}{"second", "200"}, pop(250))
	assert.Nil(t, pop(250))
	assert.Equal(t, []interface{}{"late", "300"}, pop(300))

	n, err := client.ZCard(ctx, "q").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
