package redis

import (
	"context"
	"strconv"
	"testing"

	"escrow-engine/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisConfigFor(t *testing.T, mr *miniredis.Miniredis) config.RedisConfig {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return config.RedisConfig{Host: mr.Host(), Port: port}
}

func TestNewClient_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), redisConfigFor(t, mr), zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	health := NewHealthCheck(client)
	assert.Equal(t, "redis", health.Name())
	assert.NoError(t, health.Ping(context.Background()))

	mr.Close()
	assert.Error(t, health.Ping(context.Background()))
}

func TestNewClient_Unreachable(t *testing.T) {
	_, err := NewClient(context.Background(), config.RedisConfig{Host: "127.0.0.1", Port: 1}, zerolog.Nop())
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	opts := options(config.RedisConfig{Host: "redis.local", Port: 6380, Password: "pw", DB: 2})
	assert.Equal(t, "redis.local:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, pingTimeout, opts.DialTimeout)
}
