package solana

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreshnessCache_SlotNeverRollsBack(t *testing.T) {
	ctx := context.Background()
	mock := NewMockRPCClient()
	mock.Blockhashes = []*rpc.GetLatestBlockhashResult{
		blockhashResult(10, testHash(1), 160),
		blockhashResult(12, testHash(2), 162),
		blockhashResult(11, testHash(3), 161), // out of order
		blockhashResult(12, testHash(4), 162), // same slot
		blockhashResult(15, testHash(5), 165),
	}
	cache := NewFreshnessCache(newTestClient(mock), FreshnessConfig{StartupTimeout: time.Second}, nil, testLogger())

	var slots []uint64
	for range mock.Blockhashes {
		require.NoError(t, cache.Refresh(ctx))
		token, err := cache.Current(ctx)
		require.NoError(t, err)
		slots = append(slots, token.Slot)
	}

	assert.Equal(t, []uint64{10, 12, 12, 12, 15}, slots)
	token, err := cache.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, testHash(5), token.Blockhash)
}

func TestFreshnessCache_RefreshTimesOut(t *testing.T) {
	mock := NewMockRPCClient()
	mock.BlockhashHang = true
	cache := NewFreshnessCache(newTestClient(mock), FreshnessConfig{
		RefreshInterval: time.Millisecond,
		CallTimeout:     20 * time.Millisecond,
	}, nil, testLogger())

	start := time.Now()
	err := cache.Refresh(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// The refresher moves on to the next tick.
	mock.mu.Lock()
	mock.BlockhashHang = false
	mock.Blockhashes = []*rpc.GetLatestBlockhashResult{blockhashResult(10, testHash(1), 160)}
	mock.mu.Unlock()
	require.NoError(t, cache.Refresh(context.Background()))
}

func TestFreshnessCache_CallTimeoutDefault(t *testing.T) {
	tests := []struct {
		interval time.Duration
		want     time.Duration
	}{
		{500 * time.Millisecond, 2 * time.Second},
		{time.Second, 4 * time.Second},
		{0, 2 * time.Second},
	}
	for _, tt := range tests {
		cache := NewFreshnessCache(nil, FreshnessConfig{RefreshInterval: tt.interval}, nil, testLogger())
		assert.Equal(t, tt.want, cache.config.CallTimeout, "interval %s", tt.interval)
	}
}

func TestFreshnessCache_FailsAfterStartupDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := NewMockRPCClient()
	mock.BlockhashErr = errors.New("connection refused")
	cache := NewFreshnessCache(newTestClient(mock), FreshnessConfig{
		RefreshInterval: 5 * time.Millisecond,
		StartupTimeout:  50 * time.Millisecond,
	}, nil, testLogger())
	cache.Start(ctx)

	start := time.Now()
	_, err := cache.Current(ctx)
	require.ErrorIs(t, err, ErrFreshnessUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "reader should block until the deadline")

	// Once the deadline has passed, readers fail immediately.
	_, err = cache.Current(ctx)
	assert.ErrorIs(t, err, ErrFreshnessUnavailable)
	assert.Greater(t, mock.Calls("GetLatestBlockhash"), 1, "refresher keeps polling after failures")
}

func TestFreshnessCache_ReadersUnblockOnFirstRefresh(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := NewMockRPCClient()
	mock.Blockhashes = []*rpc.GetLatestBlockhashResult{blockhashResult(100, testHash(9), 250)}
	cache := NewFreshnessCache(newTestClient(mock), FreshnessConfig{
		RefreshInterval: 10 * time.Millisecond,
		StartupTimeout:  time.Second,
	}, nil, testLogger())

	var wg sync.WaitGroup
	results := make([]FreshnessToken, 8)
	errs := make([]error, 8)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = cache.Current(ctx)
		}()
	}

	cache.Start(ctx)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, uint64(100), results[i].Slot)
		assert.Equal(t, testHash(9), results[i].Blockhash)
	}
}

func TestFreshnessCache_CurrentHonorsContext(t *testing.T) {
	mock := NewMockRPCClient()
	cache := NewFreshnessCache(newTestClient(mock), FreshnessConfig{StartupTimeout: time.Minute}, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := cache.Current(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFreshnessCache_Fresher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mock := NewMockRPCClient()
	mock.Blockhashes = []*rpc.GetLatestBlockhashResult{
		blockhashResult(20, testHash(1), 170),
		blockhashResult(20, testHash(1), 170),
		blockhashResult(21, testHash(2), 171),
	}
	cache := NewFreshnessCache(newTestClient(mock), FreshnessConfig{
		RefreshInterval: 5 * time.Millisecond,
		StartupTimeout:  time.Second,
	}, nil, testLogger())
	cache.Start(ctx)

	token, err := cache.Fresher(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(21), token.Slot)
}
