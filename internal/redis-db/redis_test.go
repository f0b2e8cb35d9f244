package redis_db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected *redis.Options
		wantErr  bool
	}{
		{
			name:     "simple docker style",
			url:      "redis:6379",
			expected: &redis.Options{Addr: "redis:6379"},
		},
		{
			name:     "redis url with password",
			url:      "redis://:password123@localhost:6379",
			expected: &redis.Options{Addr: "localhost:6379", Password: "password123"},
		},
		{
			name:     "host with port but no scheme",
			url:      "cache.internal:6380",
			expected: &redis.Options{Addr: "cache.internal:6380"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRedisURL(tt.url, false)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected.Addr, got.Addr)
			assert.Equal(t, tt.expected.Password, got.Password)
		})
	}
}

func TestNewRedisClient(t *testing.T) {
	tests := []struct {
		name      string
		addresses []string
		wantErr   bool
	}{
		{
			name:      "empty addresses",
			addresses: []string{},
			wantErr:   true,
		},
		{
			name:      "single address",
			addresses: []string{"localhost:6379"},
		},
		{
			name:      "multiple addresses",
			addresses: []string{"localhost:6379", "localhost:6380"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewRedisClient(tt.addresses, false)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, client)
			assert.NotNil(t, client.Client())
		})
	}
}

func TestRedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient([]string{mr.Addr()}, false)
	assert.NoError(t, err)

	ctx := context.Background()
	err = client.Client().Set(ctx, "evt_1", "SETTLED", time.Minute).Err()
	assert.NoError(t, err)

	got, err := client.Client().Get(ctx, "evt_1").Result()
	assert.NoError(t, err)
	assert.Equal(t, "SETTLED", got)
}
