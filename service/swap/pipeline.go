package swap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/swapper/client"
	"github.com/brojonat/swapper/service/metrics"
	"github.com/brojonat/swapper/service/nats"
	"github.com/brojonat/swapper/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// SwapAPI is the instruction source the pipeline consumes.
// *client.Client satisfies it.
type SwapAPI interface {
	Quote(ctx context.Context, req client.QuoteRequest) (*client.Quote, error)
	SwapInstructions(
		ctx context.Context,
		quote *client.Quote,
		user solanago.PublicKey,
		slippage *client.DynamicSlippage,
	) (*client.SwapInstructions, error)
}

// Config selects the swap to perform.
type Config struct {
	InputMint       solanago.PublicKey
	OutputMint      solanago.PublicKey
	Amount          uint64
	SlippageBps     uint16
	DynamicSlippage *client.DynamicSlippage

	// MaxReassemblies bounds how many times an expired artifact is replaced
	// by one bound to a fresh blockhash.
	MaxReassemblies int

	// Deadline bounds the whole run, from quote to terminal outcome.
	// Zero means ctx alone bounds it.
	Deadline time.Duration
}

// Result is the outcome of one pipeline run.
type Result struct {
	SubmissionID string
	Outcome      solana.SubmissionOutcome
	Quote        *client.Quote
	Budget       solana.ResourceBudget
	Reassemblies int
}

// Pipeline quotes a swap, estimates its compute budget, and drives the signed
// transaction to a terminal outcome.
type Pipeline struct {
	api       SwapAPI
	freshness *solana.FreshnessCache
	resolver  *solana.AddressTableResolver
	estimator *solana.BudgetEstimator
	assembler *solana.Assembler
	submitter *solana.Submitter
	signer    solana.Signer
	publisher nats.Publisher
	config    Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Deps groups the collaborators of a Pipeline.
type Deps struct {
	API       SwapAPI
	Freshness *solana.FreshnessCache
	Resolver  *solana.AddressTableResolver
	Estimator *solana.BudgetEstimator
	Assembler *solana.Assembler
	Submitter *solana.Submitter
	Signer    solana.Signer
	Publisher nats.Publisher // optional
	Metrics   *metrics.Metrics
}

// NewPipeline creates a pipeline.
func NewPipeline(deps Deps, config Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		api:       deps.API,
		freshness: deps.Freshness,
		resolver:  deps.Resolver,
		estimator: deps.Estimator,
		assembler: deps.Assembler,
		submitter: deps.Submitter,
		signer:    deps.Signer,
		publisher: deps.Publisher,
		config:    config,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// Run performs one swap. An error means no transaction was submitted; once
// submission starts, the result carries the outcome and its fingerprint.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	started := time.Now().UTC()
	// The outcome is published even when the deadline has passed.
	publishCtx := ctx
	if p.config.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Deadline)
		defer cancel()
	}

	result := &Result{SubmissionID: uuid.NewString()}
	logger := p.logger.With("submission_id", result.SubmissionID)
	payer := p.signer.PublicKey()

	quote, err := p.api.Quote(ctx, client.QuoteRequest{
		InputMint:   p.config.InputMint,
		OutputMint:  p.config.OutputMint,
		Amount:      p.config.Amount,
		SlippageBps: p.config.SlippageBps,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	result.Quote = quote
	logger.InfoContext(ctx, "quote received",
		"in_amount", quote.InAmount,
		"out_amount", quote.OutAmount,
		"route_steps", len(quote.RoutePlan),
	)

	instructions, err := p.api.SwapInstructions(ctx, quote, payer, p.config.DynamicSlippage)
	if err != nil {
		return nil, fmt.Errorf("failed to get swap instructions: %w", err)
	}
	draft, err := DraftFromSwap(payer, instructions)
	if err != nil {
		return nil, err
	}

	tables, err := p.resolver.Resolve(ctx, draft.TableKeys)
	if err != nil {
		return nil, err
	}

	// The same token binds the probe and the final artifact.
	token, err := p.freshness.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}

	usage, err := p.estimator.Estimate(ctx, draft, tables, token)
	if err != nil {
		return nil, err
	}
	result.Budget = p.estimator.Budget(*usage)
	logger.InfoContext(ctx, "compute budget estimated",
		"units_consumed", usage.UnitsConsumed,
		"unit_limit", result.Budget.UnitLimit,
		"unit_price", result.Budget.UnitPrice,
	)

	for {
		op, err := p.assembler.Assemble(draft, tables, token, result.Budget, p.signer)
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "submitting transaction",
			"signature", op.Fingerprint.String(),
			"slot", token.Slot,
			"reassembly", result.Reassemblies,
		)

		result.Outcome = p.submitter.Submit(ctx, op)
		if result.Outcome.Status != solana.OutcomeExpired || result.Reassemblies >= p.config.MaxReassemblies {
			break
		}

		// A replacement has a new fingerprint; it may only be sent once the
		// expired artifact can no longer land.
		landed, err := p.submitter.AwaitTokenLapse(ctx, op)
		if err != nil {
			logger.WarnContext(ctx, "could not confirm expired transaction lapsed",
				"signature", op.Fingerprint.String(),
				"error", err,
			)
			break
		}
		if landed != nil {
			settle(&result.Outcome, landed)
			break
		}

		token, err = p.freshness.Fresher(ctx, token.Slot)
		if err != nil {
			logger.WarnContext(ctx, "no fresh blockhash for reassembly", "error", err)
			break
		}
		result.Reassemblies++
		if p.metrics != nil {
			p.metrics.RecordReassembly()
		}
	}

	p.publish(publishCtx, logger, result, started)
	return result, nil
}

// settle records the late verdict on an expired submission while keeping
// its transmission history.
func settle(outcome *solana.SubmissionOutcome, landed *solana.SubmissionOutcome) {
	outcome.Status = landed.Status
	outcome.Slot = landed.Slot
	outcome.Reason = landed.Reason
	outcome.Err = landed.Err
	if n := len(outcome.Trace); n > 0 && len(landed.Trace) > 0 {
		outcome.Trace[n-1] = landed.Trace[len(landed.Trace)-1]
	}
}

func (p *Pipeline) publish(ctx context.Context, logger *slog.Logger, result *Result, started time.Time) {
	if p.publisher == nil {
		return
	}

	event := &nats.OutcomeEvent{
		SubmissionID: result.SubmissionID,
		Signer:       p.signer.PublicKey().String(),
		InputMint:    p.config.InputMint.String(),
		OutputMint:   p.config.OutputMint.String(),
		InAmount:     result.Quote.InAmount,
		OutAmount:    result.Quote.OutAmount,
		Reassemblies: result.Reassemblies,
		UnitLimit:    result.Budget.UnitLimit,
		UnitPrice:    result.Budget.UnitPrice,
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
	}
	event.FromOutcome(result.Outcome)

	// Publishing is best effort; the outcome is already decided.
	if err := p.publisher.PublishOutcome(ctx, event); err != nil {
		logger.ErrorContext(ctx, "failed to publish outcome event", "error", err)
	}
}

// DraftFromSwap converts swap API instructions into a draft operation paid
// by payer. Accounts are referenced inline; the assembler moves those found
// in the lookup tables behind them.
func DraftFromSwap(payer solanago.PublicKey, swap *client.SwapInstructions) (solana.DraftOperation, error) {
	draft := solana.DraftOperation{
		Payer:     payer,
		TableKeys: swap.AddressLookupTableAddresses,
	}

	for i, ix := range swap.Ordered() {
		data, err := ix.DecodeData()
		if err != nil {
			return solana.DraftOperation{}, fmt.Errorf("instruction %d: %w", i, err)
		}
		accounts := make([]solana.AccountReference, len(ix.Accounts))
		for j, meta := range ix.Accounts {
			accounts[j] = solana.Inline(meta.Pubkey, meta.IsSigner, meta.IsWritable)
		}
		draft.Instructions = append(draft.Instructions, solana.DraftInstruction{
			ProgramID: ix.ProgramID,
			Accounts:  accounts,
			Data:      data,
		})
	}
	return draft, nil
}
