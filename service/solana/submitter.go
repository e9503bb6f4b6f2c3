package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/swapper/service/metrics"
	"github.com/gagliardetto/solana-go/rpc"
)

// SubmitterConfig bounds how long and how hard a submission is driven.
type SubmitterConfig struct {
	Commitment          rpc.CommitmentType
	PollInterval        time.Duration
	AcceptanceWindow    time.Duration
	MaxRetries          int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	RebroadcastInterval time.Duration
	Deadline            time.Duration // zero means the caller's context alone bounds the submission
}

// DefaultSubmitterConfig returns the submitter defaults.
func DefaultSubmitterConfig() SubmitterConfig {
	return SubmitterConfig{
		Commitment:          rpc.CommitmentConfirmed,
		PollInterval:        500 * time.Millisecond,
		AcceptanceWindow:    60 * time.Second,
		MaxRetries:          8,
		InitialBackoff:      250 * time.Millisecond,
		MaxBackoff:          4 * time.Second,
		RebroadcastInterval: 2 * time.Second,
	}
}

// Submitter drives one signed operation to a terminal outcome. It transmits
// the same bytes on every attempt and never re-signs.
type Submitter struct {
	client  *Client
	config  SubmitterConfig
	backoff RetryPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSubmitter creates a submitter. Zero config fields take their defaults.
// If metrics is nil, no metrics will be recorded.
func NewSubmitter(client *Client, config SubmitterConfig, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultSubmitterConfig()
	if config.Commitment == "" {
		config.Commitment = defaults.Commitment
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.AcceptanceWindow <= 0 {
		config.AcceptanceWindow = defaults.AcceptanceWindow
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.RebroadcastInterval <= 0 {
		config.RebroadcastInterval = defaults.RebroadcastInterval
	}
	return &Submitter{
		client: client,
		config: config,
		backoff: RetryPolicy{
			InitialBackoff: config.InitialBackoff,
			MaxBackoff:     config.MaxBackoff,
		},
		metrics: m,
		logger:  logger.With("component", "submitter"),
	}
}

// submission is the mutable state of one Submit call.
type submission struct {
	op       *SignedOperation
	state    State
	outcome  SubmissionOutcome
	lastSend time.Time
}

func (s *submission) enter(state State) {
	s.state = state
	s.outcome.Trace = append(s.outcome.Trace, state)
}

func (s *submission) finish(status OutcomeStatus, reason string, err error) SubmissionOutcome {
	switch status {
	case OutcomeConfirmed:
		s.enter(StateConfirmed)
	case OutcomeRejected:
		s.enter(StateRejected)
	default:
		s.enter(StateTimedOut)
	}
	s.outcome.Status = status
	s.outcome.Reason = reason
	s.outcome.Err = err
	return s.outcome
}

// Submit transmits op and polls until it is confirmed, rejected, expired,
// out of retries, or ctx ends. The outcome always carries op's fingerprint.
//
// An expired outcome means op can no longer land once its blockhash lapses;
// the caller decides whether to assemble a new artifact.
func (s *Submitter) Submit(ctx context.Context, op *SignedOperation) SubmissionOutcome {
	start := time.Now()
	if s.config.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Deadline)
		defer cancel()
	}

	logger := s.logger.With("signature", op.Fingerprint.String())
	run := &submission{
		op:      op,
		outcome: SubmissionOutcome{Fingerprint: op.Fingerprint},
	}
	run.enter(StateBuilt)

	outcome := s.drive(ctx, run, logger)

	if s.metrics != nil {
		s.metrics.RecordSubmissionOutcome(string(outcome.Status), time.Since(start).Seconds())
	}
	attrs := []any{
		"status", outcome.Status,
		"attempts", outcome.Attempts,
		"retries", outcome.Retries,
		"duration_seconds", time.Since(start).Seconds(),
	}
	if outcome.Reason != "" {
		attrs = append(attrs, "reason", outcome.Reason)
	}
	if outcome.Status == OutcomeConfirmed {
		logger.InfoContext(ctx, "transaction confirmed", append(attrs, "slot", outcome.Slot)...)
	} else {
		logger.WarnContext(ctx, "submission ended without confirmation", attrs...)
	}
	return outcome
}

func (s *Submitter) drive(ctx context.Context, run *submission, logger *slog.Logger) SubmissionOutcome {
	for {
		if err := ctx.Err(); err != nil {
			return run.finish(OutcomeTimedOut, "deadline exceeded", err)
		}

		switch run.state {
		case StateBuilt, StateDropped:
			if run.op.Token.Expired(s.config.AcceptanceWindow, time.Now()) {
				return run.finish(OutcomeExpired, "blockhash aged past acceptance window before transmission", ErrTokenExpired)
			}

			kind := "initial"
			if run.state == StateDropped {
				kind = "retry"
			}
			err := s.transmit(ctx, run, kind)
			if err == nil {
				run.enter(StateSent)
				continue
			}
			if done, outcome := s.handleError(ctx, run, err, logger); done {
				return outcome
			}

		case StateSent:
			if err := sleepContext(ctx, s.config.PollInterval); err != nil {
				return run.finish(OutcomeTimedOut, "deadline exceeded while awaiting confirmation", err)
			}

			status, err := s.client.SignatureStatus(ctx, run.op.Fingerprint)
			if err != nil {
				if done, outcome := s.handleError(ctx, run, err, logger); done {
					return outcome
				}
				continue
			}

			if status != nil {
				run.outcome.Slot = status.Slot
				if status.Err != nil {
					reason := fmt.Sprintf("%v", status.Err)
					return run.finish(OutcomeRejected, reason, &RejectionError{Reason: reason})
				}
				if commitmentReached(status.ConfirmationStatus, s.config.Commitment) {
					return run.finish(OutcomeConfirmed, "", nil)
				}
				logger.DebugContext(ctx, "transaction observed below target commitment",
					"confirmation_status", status.ConfirmationStatus,
					"slot", status.Slot,
				)
				continue
			}

			if run.op.Token.Expired(s.config.AcceptanceWindow, time.Now()) {
				return run.finish(OutcomeExpired, "blockhash aged past acceptance window without confirmation", ErrTokenExpired)
			}

			if time.Since(run.lastSend) >= s.config.RebroadcastInterval {
				if err := s.transmit(ctx, run, "rebroadcast"); err != nil {
					if done, outcome := s.handleError(ctx, run, err, logger); done {
						return outcome
					}
				}
			}
		}
	}
}

// handleError classifies err and either ends the submission or moves it to
// Dropped after backing off.
func (s *Submitter) handleError(ctx context.Context, run *submission, err error, logger *slog.Logger) (bool, SubmissionOutcome) {
	switch ClassifyError(err) {
	case ClassCancelled:
		return true, run.finish(OutcomeTimedOut, "deadline exceeded", err)
	case ClassRejected:
		return true, run.finish(OutcomeRejected, err.Error(), err)
	case ClassExpired:
		return true, run.finish(OutcomeExpired, err.Error(), errors.Join(ErrTokenExpired, err))
	}

	run.outcome.Retries++
	if run.outcome.Retries > s.config.MaxRetries {
		return true, run.finish(OutcomeNetworkExhausted,
			fmt.Sprintf("gave up after %d retries", s.config.MaxRetries), err)
	}

	backoff := s.backoff.Backoff(run.outcome.Retries - 1)
	reason := retryReason(err)
	if reason == "rate_limit" {
		backoff *= 2
	}
	logger.WarnContext(ctx, "transient submission error, retrying",
		"retry", run.outcome.Retries,
		"max_retries", s.config.MaxRetries,
		"reason", reason,
		"error", err,
		"backoff_seconds", backoff.Seconds(),
	)
	run.enter(StateDropped)

	if err := sleepContext(ctx, backoff); err != nil {
		return true, run.finish(OutcomeTimedOut, "deadline exceeded during backoff", err)
	}
	return false, SubmissionOutcome{}
}

// transmit sends the operation's raw bytes once.
func (s *Submitter) transmit(ctx context.Context, run *submission, kind string) error {
	run.outcome.Attempts++
	run.lastSend = time.Now()
	sig, err := s.client.SendRaw(ctx, run.op.Raw)

	status := "success"
	if err != nil {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordTransmission(kind, status)
	}
	if err != nil {
		return err
	}
	if !sig.Equals(run.op.Fingerprint) {
		s.logger.WarnContext(ctx, "node returned unexpected signature",
			"expected", run.op.Fingerprint.String(),
			"got", sig.String(),
		)
	}
	return nil
}

// AwaitTokenLapse blocks until the ledger can no longer accept op, then checks
// its status one last time. It returns a terminal outcome if op landed after
// all, or nil if it is safe to assemble a replacement.
//
// An op that was observed but stays below the target commitment for a whole
// acceptance window ends as an ambiguous timed out outcome.
func (s *Submitter) AwaitTokenLapse(ctx context.Context, op *SignedOperation) (*SubmissionOutcome, error) {
	if op.Token.LastValidBlockHeight > 0 {
		for {
			height, err := s.client.BlockHeight(ctx, s.config.Commitment)
			if err != nil {
				return nil, fmt.Errorf("failed to get block height: %w", err)
			}
			if height > op.Token.LastValidBlockHeight {
				break
			}
			s.logger.DebugContext(ctx, "waiting for blockhash to lapse",
				"signature", op.Fingerprint.String(),
				"block_height", height,
				"last_valid_block_height", op.Token.LastValidBlockHeight,
			)
			if err := sleepContext(ctx, s.config.PollInterval); err != nil {
				return nil, err
			}
		}
	}

	settleBy := time.Now().Add(s.config.AcceptanceWindow)
	for {
		status, err := s.client.SignatureStatus(ctx, op.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("failed to check signature status: %w", err)
		}
		if status == nil {
			return nil, nil
		}

		outcome := &SubmissionOutcome{Fingerprint: op.Fingerprint, Slot: status.Slot}
		if status.Err != nil {
			reason := fmt.Sprintf("%v", status.Err)
			outcome.Status = OutcomeRejected
			outcome.Reason = reason
			outcome.Err = &RejectionError{Reason: reason}
			outcome.Trace = []State{StateRejected}
			return outcome, nil
		}
		if commitmentReached(status.ConfirmationStatus, s.config.Commitment) {
			outcome.Status = OutcomeConfirmed
			outcome.Trace = []State{StateConfirmed}
			return outcome, nil
		}
		if time.Now().After(settleBy) {
			outcome.Status = OutcomeTimedOut
			outcome.Reason = fmt.Sprintf("expired transaction stuck at %s, wanted %s",
				status.ConfirmationStatus, s.config.Commitment)
			outcome.Trace = []State{StateTimedOut}
			return outcome, nil
		}
		if err := sleepContext(ctx, s.config.PollInterval); err != nil {
			return nil, err
		}
	}
}

// commitmentReached reports whether a confirmation status satisfies the
// requested commitment level.
func commitmentReached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := map[string]int{
		string(rpc.CommitmentProcessed): 1,
		string(rpc.CommitmentConfirmed): 2,
		string(rpc.CommitmentFinalized): 3,
	}
	got, ok := rank[string(status)]
	if !ok {
		return false
	}
	need, ok := rank[string(want)]
	if !ok {
		need = rank[string(rpc.CommitmentConfirmed)]
	}
	return got >= need
}
