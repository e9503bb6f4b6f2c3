package solana

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/swapper/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RetryPolicy bounds the retries the client performs on transient errors for
// idempotent reads (blockhash, account data, simulation, status).
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (zero-based),
// doubling from InitialBackoff and capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Client wraps the RPC client with logging, metrics and retry handling.
// It is safe for concurrent use.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint identifier for metrics (e.g., "mainnet", "helius", rpc host)
	retry    RetryPolicy
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling (e.g., "mainnet", "devnet", or RPC hostname).
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rpc:      rpcClient,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
		retry:    DefaultRetryPolicy(),
	}
}

// SetRetryPolicy replaces the retry policy used for idempotent reads.
func (c *Client) SetRetryPolicy(p RetryPolicy) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	c.retry = p
}

// LatestBlockhash fetches the current blockhash as a FreshnessToken.
// It is not retried; the freshness cache polls again on its next tick.
func (c *Client) LatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (FreshnessToken, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.call(ctx, "GetLatestBlockhash", func(ctx context.Context) error {
		var err error
		out, err = c.rpc.GetLatestBlockhash(ctx, commitment)
		return err
	})
	if err != nil {
		return FreshnessToken{}, err
	}
	if out == nil || out.Value == nil {
		return FreshnessToken{}, fmt.Errorf("empty GetLatestBlockhash response")
	}
	return FreshnessToken{
		Blockhash:            out.Value.Blockhash,
		Slot:                 out.Context.Slot,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
		ObservedAt:           time.Now(),
	}, nil
}

// AccountData fetches the raw data of an account, retrying transient errors.
func (c *Client) AccountData(ctx context.Context, account solana.PublicKey) ([]byte, error) {
	var data []byte
	err := c.withRetry(ctx, "GetAccountInfo", func(ctx context.Context) error {
		var err error
		data, err = c.rpc.GetAccountData(ctx, account)
		return err
	})
	return data, err
}

// Simulate runs tx against the simulate endpoint, retrying transient errors.
// Execution failures are reported in the result, not as an error.
func (c *Client) Simulate(
	ctx context.Context,
	tx *solana.Transaction,
	opts *rpc.SimulateTransactionOpts,
) (*rpc.SimulateTransactionResult, error) {
	var out *rpc.SimulateTransactionResponse
	err := c.withRetry(ctx, "SimulateTransaction", func(ctx context.Context) error {
		var err error
		out, err = c.rpc.SimulateTransaction(ctx, tx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("empty SimulateTransaction response")
	}
	return out.Value, nil
}

// SendRaw transmits raw once. Retrying a transmission is a decision for the
// submitter, which owns the artifact lifecycle.
func (c *Client) SendRaw(ctx context.Context, raw []byte) (solana.Signature, error) {
	var sig solana.Signature
	err := c.call(ctx, "SendTransaction", func(ctx context.Context) error {
		var err error
		sig, err = c.rpc.SendRawTransaction(ctx, raw, rpc.TransactionOpts{
			SkipPreflight:       true,
			PreflightCommitment: rpc.CommitmentProcessed,
		})
		return err
	})
	return sig, err
}

// SignatureStatus returns the status of one signature, or nil if the ledger
// has not observed it. It is not retried; the submitter polls again.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	var out *rpc.GetSignatureStatusesResult
	err := c.call(ctx, "GetSignatureStatuses", func(ctx context.Context) error {
		var err error
		out, err = c.rpc.GetSignatureStatuses(ctx, false, sig)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// BlockHeight returns the current block height, retrying transient errors.
func (c *Client) BlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	var height uint64
	err := c.withRetry(ctx, "GetBlockHeight", func(ctx context.Context) error {
		var err error
		height, err = c.rpc.GetBlockHeight(ctx, commitment)
		return err
	})
	return height, err
}

// call performs a single RPC call and records its duration and status.
func (c *Client) call(ctx context.Context, method string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Seconds()

	// Record metrics for the call
	status := "success"
	if err != nil {
		status = "error"
		c.logger.DebugContext(ctx, "rpc call failed",
			"method", method,
			"error", err,
		)
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall(method, status, c.endpoint, duration)
		if isRateLimited(err) {
			c.metrics.RecordRateLimitHit(c.endpoint)
		}
	}
	return err
}

// withRetry retries fn on transient errors with exponential backoff.
// Rate limited calls back off twice as long.
func (c *Client) withRetry(ctx context.Context, method string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		err = c.call(ctx, method, fn)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == c.retry.MaxAttempts-1 {
			break
		}

		backoff := c.retry.Backoff(attempt)
		reason := retryReason(err)
		if reason == "rate_limit" {
			backoff *= 2
		}
		c.logger.WarnContext(ctx, "rpc call failed, retrying",
			"method", method,
			"attempt", attempt+1,
			"reason", reason,
			"error", err,
			"backoff_seconds", backoff.Seconds(),
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry(method, reason)
		}
		if err := sleepContext(ctx, backoff); err != nil {
			return err
		}
	}
	return err
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
