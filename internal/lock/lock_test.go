package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestClient(t *testing.T) redis.UniversalClient {
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLockUnlock(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	locker := NewLocker(client, "wallet:wlt_1", "holder-a")
	assert.NoError(t, locker.Lock(ctx, time.Minute))

	// Second holder cannot take the same key.
	other := NewLocker(client, "wallet:wlt_1", "holder-b")
	assert.Error(t, other.Lock(ctx, time.Minute))

	assert.NoError(t, locker.Unlock(ctx))
	assert.NoError(t, other.Lock(ctx, time.Minute))
}

func TestUnlockByNonHolder(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	holder := NewLocker(client, "wallet:wlt_2", "holder-a")
	assert.NoError(t, holder.Lock(ctx, time.Minute))

	impostor := NewLocker(client, "wallet:wlt_2", "holder-b")
	assert.Error(t, impostor.Unlock(ctx))
}

func TestWaitLock(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first := NewLocker(client, "wallet:wlt_3", "holder-a")
	assert.NoError(t, first.Lock(ctx, time.Minute))

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = first.Unlock(ctx)
	}()

	second := NewLocker(client, "wallet:wlt_3", "holder-b")
	err := second.WaitLock(ctx, time.Minute, 2*time.Second)
	assert.NoError(t, err)
}
