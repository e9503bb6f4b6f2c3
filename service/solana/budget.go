package solana

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/swapper/service/metrics"
	"github.com/gagliardetto/solana-go/rpc"
)

// Budget estimation defaults.
const (
	DefaultProbeUnitLimit = MaxComputeUnitLimit
	DefaultUnitPrice      = uint64(200_000)
	DefaultBudgetMargin   = uint32(10_000)
)

// BudgetConfig configures the probe simulation and the derived budget.
type BudgetConfig struct {
	Commitment     rpc.CommitmentType
	ProbeUnitLimit uint32
	UnitPrice      uint64 // micro-lamports per compute unit, used for probe and final budget
	Margin         uint32 // headroom added on top of simulated consumption
}

// DefaultBudgetConfig returns the estimator defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		Commitment:     rpc.CommitmentConfirmed,
		ProbeUnitLimit: DefaultProbeUnitLimit,
		UnitPrice:      DefaultUnitPrice,
		Margin:         DefaultBudgetMargin,
	}
}

// BudgetEstimator learns the compute consumption of a draft by simulating a
// signed probe with a generous unit limit.
type BudgetEstimator struct {
	client    *Client
	assembler *Assembler
	signer    Signer
	config    BudgetConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewBudgetEstimator creates an estimator. If metrics is nil, no metrics will be recorded.
func NewBudgetEstimator(
	client *Client,
	assembler *Assembler,
	signer Signer,
	config BudgetConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *BudgetEstimator {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultBudgetConfig()
	if config.Commitment == "" {
		config.Commitment = defaults.Commitment
	}
	if config.ProbeUnitLimit == 0 {
		config.ProbeUnitLimit = defaults.ProbeUnitLimit
	}
	return &BudgetEstimator{
		client:    client,
		assembler: assembler,
		signer:    signer,
		config:    config,
		metrics:   m,
		logger:    logger.With("component", "budget_estimator"),
	}
}

// Estimate simulates draft bound to token and returns the reported usage.
// Transport failures are retried by the client and returned as is; an
// execution failure is returned as *SimulationError.
func (e *BudgetEstimator) Estimate(
	ctx context.Context,
	draft DraftOperation,
	tables LookupTables,
	token FreshnessToken,
) (*ResourceUsage, error) {
	probe, err := e.assembler.Assemble(draft, tables, token, ResourceBudget{
		UnitLimit: e.config.ProbeUnitLimit,
		UnitPrice: e.config.UnitPrice,
	}, e.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble probe: %w", err)
	}

	result, err := e.client.Simulate(ctx, probe.Tx, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		Commitment:             e.config.Commitment,
		ReplaceRecentBlockhash: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to simulate probe: %w", err)
	}

	if result.Err != nil {
		e.logger.WarnContext(ctx, "probe simulation failed",
			"error", result.Err,
			"logs", result.Logs,
		)
		return nil, &SimulationError{Err: result.Err, Logs: result.Logs}
	}
	if result.UnitsConsumed == nil {
		return nil, fmt.Errorf("simulation did not report units consumed")
	}

	usage := &ResourceUsage{
		UnitsConsumed: *result.UnitsConsumed,
		Logs:          result.Logs,
	}
	if e.metrics != nil {
		e.metrics.RecordSimulatedUnits(usage.UnitsConsumed)
	}
	e.logger.InfoContext(ctx, "probe simulated",
		"units_consumed", usage.UnitsConsumed,
		"probe_unit_limit", e.config.ProbeUnitLimit,
	)
	return usage, nil
}

// Budget derives the final budget from usage: consumption plus the margin,
// clamped to the ledger maximum.
func (e *BudgetEstimator) Budget(usage ResourceUsage) ResourceBudget {
	limit := usage.UnitsConsumed + uint64(e.config.Margin)
	if limit > uint64(MaxComputeUnitLimit) {
		limit = uint64(MaxComputeUnitLimit)
	}
	budget := ResourceBudget{
		UnitLimit: uint32(limit),
		UnitPrice: e.config.UnitPrice,
	}
	if e.metrics != nil {
		e.metrics.RecordDeclaredUnits(budget.UnitLimit)
	}
	return budget
}
