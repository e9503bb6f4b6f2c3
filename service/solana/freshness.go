package solana

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/swapper/service/metrics"
	"github.com/gagliardetto/solana-go/rpc"
)

// FreshnessConfig configures the background blockhash refresher.
type FreshnessConfig struct {
	Commitment      rpc.CommitmentType
	RefreshInterval time.Duration
	StartupTimeout  time.Duration

	// CallTimeout bounds a single refresh. Zero means four refresh
	// intervals, but never less than minCallTimeout.
	CallTimeout time.Duration
}

const minCallTimeout = 2 * time.Second

// DefaultFreshnessConfig returns the refresher defaults: confirmed commitment,
// a 500ms refresh interval and a 10s startup deadline.
func DefaultFreshnessConfig() FreshnessConfig {
	return FreshnessConfig{
		Commitment:      rpc.CommitmentConfirmed,
		RefreshInterval: 500 * time.Millisecond,
		StartupTimeout:  10 * time.Second,
	}
}

// FreshnessCache keeps the most recent blockhash, refreshed by a single
// background goroutine and read by any number of submissions.
type FreshnessCache struct {
	client  *Client
	config  FreshnessConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	// deadline bounds how long readers wait for the first token
	deadline time.Time

	mu    sync.RWMutex
	token FreshnessToken
	have  bool

	ready     chan struct{}
	readyOnce sync.Once
}

// NewFreshnessCache creates a cache. The startup deadline starts counting now.
// If metrics is nil, no metrics will be recorded.
func NewFreshnessCache(client *Client, config FreshnessConfig, m *metrics.Metrics, logger *slog.Logger) *FreshnessCache {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultFreshnessConfig()
	if config.Commitment == "" {
		config.Commitment = defaults.Commitment
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = defaults.StartupTimeout
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = max(4*config.RefreshInterval, minCallTimeout)
	}
	return &FreshnessCache{
		client:   client,
		config:   config,
		metrics:  m,
		logger:   logger.With("component", "freshness_cache"),
		deadline: time.Now().Add(config.StartupTimeout),
		ready:    make(chan struct{}),
	}
}

// Start runs the refresher in a new goroutine until ctx is cancelled.
func (c *FreshnessCache) Start(ctx context.Context) {
	go c.Run(ctx)
}

// Run refreshes immediately and then on every tick until ctx is cancelled.
// Refresh failures are logged and never stop the loop.
func (c *FreshnessCache) Run(ctx context.Context) {
	c.logger.InfoContext(ctx, "starting blockhash refresher",
		"interval", c.config.RefreshInterval,
		"commitment", c.config.Commitment,
	)

	ticker := time.NewTicker(c.config.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			c.logger.WarnContext(ctx, "blockhash refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "blockhash refresher stopped")
			return
		case <-ticker.C:
		}
	}
}

// Refresh polls the ledger once and publishes the result if it is newer than
// the cached token.
func (c *FreshnessCache) Refresh(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	token, err := c.client.LatestBlockhash(callCtx, c.config.Commitment)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordFreshnessRefresh("error")
		}
		return err
	}

	if !c.publish(token) {
		c.logger.DebugContext(ctx, "ignoring stale blockhash",
			"slot", token.Slot,
		)
		if c.metrics != nil {
			c.metrics.RecordFreshnessRefresh("stale")
		}
		return nil
	}

	c.logger.DebugContext(ctx, "blockhash refreshed",
		"blockhash", token.Blockhash.String(),
		"slot", token.Slot,
		"last_valid_block_height", token.LastValidBlockHeight,
	)
	if c.metrics != nil {
		c.metrics.RecordFreshnessRefresh("updated")
		c.metrics.SetFreshnessSlot(token.Slot)
	}
	return nil
}

// publish stores token if its slot is strictly greater than the cached one.
// Responses may arrive out of order, so older slots are dropped.
func (c *FreshnessCache) publish(token FreshnessToken) bool {
	c.mu.Lock()
	if c.have && token.Slot <= c.token.Slot {
		c.mu.Unlock()
		return false
	}
	c.token = token
	c.have = true
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
	return true
}

// Current returns the cached token, waiting for the first successful refresh
// if necessary. It fails with ErrFreshnessUnavailable once the startup
// deadline has passed without any refresh, or with ctx.Err() if ctx ends first.
func (c *FreshnessCache) Current(ctx context.Context) (FreshnessToken, error) {
	select {
	case <-c.ready:
		return c.snapshot(), nil
	default:
	}

	wait := time.Until(c.deadline)
	if wait <= 0 {
		return FreshnessToken{}, ErrFreshnessUnavailable
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-c.ready:
		return c.snapshot(), nil
	case <-ctx.Done():
		return FreshnessToken{}, ctx.Err()
	case <-timer.C:
		return FreshnessToken{}, ErrFreshnessUnavailable
	}
}

// Fresher waits until the cache holds a token observed at a slot greater than
// slot, polling at the refresh interval.
func (c *FreshnessCache) Fresher(ctx context.Context, slot uint64) (FreshnessToken, error) {
	for {
		token, err := c.Current(ctx)
		if err != nil {
			return FreshnessToken{}, err
		}
		if token.Slot > slot {
			return token, nil
		}
		if err := sleepContext(ctx, c.config.RefreshInterval); err != nil {
			return FreshnessToken{}, err
		}
	}
}

func (c *FreshnessCache) snapshot() FreshnessToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}
