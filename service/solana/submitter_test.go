package solana

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransport = errors.New("read tcp 10.0.0.1:443: connection reset by peer")

func testSubmitterConfig() SubmitterConfig {
	return SubmitterConfig{
		Commitment:          rpc.CommitmentConfirmed,
		PollInterval:        time.Millisecond,
		AcceptanceWindow:    time.Minute,
		MaxRetries:          8,
		InitialBackoff:      time.Millisecond,
		MaxBackoff:          2 * time.Millisecond,
		RebroadcastInterval: time.Hour,
		Deadline:            5 * time.Second,
	}
}

func testOperation(t *testing.T, token FreshnessToken) *SignedOperation {
	t.Helper()
	signer := newTestSigner(t)
	table := testKey(0xA0)
	op, err := NewAssembler(testLogger()).Assemble(
		swapDraft(signer.PublicKey(), table),
		LookupTables{table: testKeys(1, 12)},
		token,
		ResourceBudget{UnitLimit: 90_000, UnitPrice: 200_000},
		signer,
	)
	require.NoError(t, err)
	return op
}

func statusAt(slot uint64, level rpc.ConfirmationStatusType) *rpc.SignatureStatusesResult {
	return &rpc.SignatureStatusesResult{Slot: slot, ConfirmationStatus: level}
}

func TestSubmit_RetriesTransientSendWithIdenticalBytes(t *testing.T) {
	op := testOperation(t, testToken(1, 100))
	mock := NewMockRPCClient()
	mock.SendErrs = []error{errTransport, errTransport, nil}
	mock.Statuses = []*rpc.SignatureStatusesResult{statusAt(105, rpc.ConfirmationStatusConfirmed)}

	outcome := NewSubmitter(newTestClient(mock), testSubmitterConfig(), nil, testLogger()).
		Submit(context.Background(), op)

	assert.Equal(t, OutcomeConfirmed, outcome.Status)
	assert.Equal(t, 2, outcome.Retries)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, []State{StateBuilt, StateDropped, StateDropped, StateSent, StateConfirmed}, outcome.Trace)

	sent := mock.SentPayloads()
	require.Len(t, sent, 3)
	for i, payload := range sent {
		assert.Equal(t, op.Raw, payload, "transmission %d differs", i)
	}
}

func TestSubmit_RejectedStatusStopsImmediately(t *testing.T) {
	op := testOperation(t, testToken(1, 100))
	mock := NewMockRPCClient()
	mock.Statuses = []*rpc.SignatureStatusesResult{{
		Slot:               105,
		Err:                map[string]interface{}{"InstructionError": []interface{}{2, map[string]interface{}{"Custom": 6001}}},
		ConfirmationStatus: rpc.ConfirmationStatusProcessed,
	}}

	outcome := NewSubmitter(newTestClient(mock), testSubmitterConfig(), nil, testLogger()).
		Submit(context.Background(), op)

	assert.Equal(t, OutcomeRejected, outcome.Status)
	assert.ErrorIs(t, outcome.Err, ErrRejected)
	assert.Contains(t, outcome.Reason, "InstructionError")
	assert.Equal(t, op.Fingerprint, outcome.Fingerprint)
	assert.Equal(t, []State{StateBuilt, StateSent, StateRejected}, outcome.Trace)
	assert.Len(t, mock.SentPayloads(), 1)
	assert.False(t, outcome.Ambiguous())
}

func TestSubmit_PreflightRejection(t *testing.T) {
	op := testOperation(t, testToken(1, 100))
	mock := NewMockRPCClient()
	mock.SendErrs = []error{&jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Error processing Instruction 2"}}

	outcome := NewSubmitter(newTestClient(mock), testSubmitterConfig(), nil, testLogger()).
		Submit(context.Background(), op)

	assert.Equal(t, OutcomeRejected, outcome.Status)
	assert.Len(t, mock.SentPayloads(), 1)
	assert.Equal(t, 0, mock.Calls("GetSignatureStatuses"))
}

func TestSubmit_WaitsForTargetCommitment(t *testing.T) {
	op := testOperation(t, testToken(1, 100))
	mock := NewMockRPCClient()
	mock.Statuses = []*rpc.SignatureStatusesResult{
		nil,
		nil,
		statusAt(105, rpc.ConfirmationStatusProcessed),
		statusAt(105, rpc.ConfirmationStatusConfirmed),
	}

	outcome := NewSubmitter(newTestClient(mock), testSubmitterConfig(), nil, testLogger()).
		Submit(context.Background(), op)

	assert.Equal(t, OutcomeConfirmed, outcome.Status)
	assert.Equal(t, uint64(105), outcome.Slot)
	assert.Equal(t, 4, mock.Calls("GetSignatureStatuses"))
	assert.Equal(t, 1, outcome.Attempts)
}

func TestSubmit_RebroadcastsSameBytes(t *testing.T) {
	op := testOperation(t, testToken(1, 100))
	mock := NewMockRPCClient()
	mock.Statuses = []*rpc.SignatureStatusesResult{nil, nil, nil, nil, nil, statusAt(110, rpc.ConfirmationStatusFinalized)}

	cfg := testSubmitterConfig()
	cfg.RebroadcastInterval = time.Nanosecond
	outcome := NewSubmitter(newTestClient(mock), cfg, nil, testLogger()).Submit(context.Background(), op)

	assert.Equal(t, OutcomeConfirmed, outcome.Status)
	assert.Equal(t, 0, outcome.Retries)
	assert.Greater(t, outcome.Attempts, 1)
	for _, payload := range mock.SentPayloads() {
		assert.Equal(t, op.Raw, payload)
	}
}

func TestSubmit_PollErrorRetransmits(t *testing.T) {
	op := testOperation(t, testToken(1, 100))
	mock := NewMockRPCClient()
	mock.StatusErrs = []error{errTransport}
	mock.Statuses = []*rpc.SignatureStatusesResult{nil, statusAt(105, rpc.ConfirmationStatusConfirmed)}

	outcome := NewSubmitter(newTestClient(mock), testSubmitterConfig(), nil, testLogger()).
		Submit(context.Background(), op)

	assert.Equal(t, OutcomeConfirmed, outcome.Status)
	assert.Equal(t, 1, outcome.Retries)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, []State{StateBuilt, StateSent, StateDropped, StateSent, StateConfirmed}, outcome.Trace)
}

func TestSubmit_NetworkExhausted(t *testing.T) {
	op := testOperation(t, testToken(1, 100))
	mock := NewMockRPCClient()
	mock.SendErrs = []error{errTransport, errTransport, errTransport, errTransport}

	cfg := testSubmitterConfig()
	cfg.MaxRetries = 2
	outcome := NewSubmitter(newTestClient(mock), cfg, nil, testLogger()).Submit(context.Background(), op)

	assert.Equal(t, OutcomeNetworkExhausted, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	assert.ErrorIs(t, outcome.Err, errTransport)
	assert.True(t, outcome.Ambiguous())
	assert.Equal(t, op.Fingerprint, outcome.Fingerprint)
}

func TestSubmit_ExpiredTokenIsSignalled(t *testing.T) {
	t.Run("expired before transmission", func(t *testing.T) {
		token := testToken(1, 100)
		token.ObservedAt = time.Now().Add(-2 * time.Minute)
		op := testOperation(t, token)
		mock := NewMockRPCClient()

		outcome := NewSubmitter(newTestClient(mock), testSubmitterConfig(), nil, testLogger()).
			Submit(context.Background(), op)

		assert.Equal(t, OutcomeExpired, outcome.Status)
		assert.ErrorIs(t, outcome.Err, ErrTokenExpired)
		assert.Empty(t, mock.SentPayloads())
	})

	t.Run("expired while awaiting confirmation", func(t *testing.T) {
		op := testOperation(t, testToken(1, 100))
		mock := NewMockRPCClient()

		cfg := testSubmitterConfig()
		cfg.AcceptanceWindow = 20 * time.Millisecond
		outcome := NewSubmitter(newTestClient(mock), cfg, nil, testLogger()).Submit(context.Background(), op)

		assert.Equal(t, OutcomeExpired, outcome.Status)
		assert.ErrorIs(t, outcome.Err, ErrTokenExpired)
		assert.Equal(t, op.Fingerprint, outcome.Fingerprint)
		assert.Len(t, mock.SentPayloads(), 1)
	})

	t.Run("node reports blockhash not found", func(t *testing.T) {
		op := testOperation(t, testToken(1, 100))
		mock := NewMockRPCClient()
		mock.SendErrs = []error{&jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}}

		outcome := NewSubmitter(newTestClient(mock), testSubmitterConfig(), nil, testLogger()).
			Submit(context.Background(), op)

		assert.Equal(t, OutcomeExpired, outcome.Status)
		assert.ErrorIs(t, outcome.Err, ErrTokenExpired)
	})
}

func TestSubmit_DeadlineIsAmbiguous(t *testing.T) {
	op := testOperation(t, testToken(1, 100))
	mock := NewMockRPCClient()

	cfg := testSubmitterConfig()
	cfg.Deadline = 20 * time.Millisecond
	start := time.Now()
	outcome := NewSubmitter(newTestClient(mock), cfg, nil, testLogger()).Submit(context.Background(), op)

	assert.Equal(t, OutcomeTimedOut, outcome.Status)
	assert.True(t, outcome.Ambiguous())
	assert.Equal(t, op.Fingerprint, outcome.Fingerprint)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateTimedOut, outcome.Trace[len(outcome.Trace)-1])
}

func TestAwaitTokenLapse(t *testing.T) {
	t.Run("safe to replace after lapse", func(t *testing.T) {
		token := testToken(1, 100)
		token.LastValidBlockHeight = 250
		op := testOperation(t, token)
		mock := NewMockRPCClient()
		mock.BlockHeights = []uint64{200, 250, 251}

		outcome, err := NewSubmitter(newTestClient(mock), testSubmitterConfig(), nil, testLogger()).
			AwaitTokenLapse(context.Background(), op)
		require.NoError(t, err)
		assert.Nil(t, outcome)
		assert.Equal(t, 3, mock.Calls("GetBlockHeight"))
		assert.Equal(t, 1, mock.Calls("GetSignatureStatuses"))
	})

	t.Run("landed late", func(t *testing.T) {
		token := testToken(1, 100)
		token.LastValidBlockHeight = 250
		op := testOperation(t, token)
		mock := NewMockRPCClient()
		mock.BlockHeights = []uint64{260}
		mock.Statuses = []*rpc.SignatureStatusesResult{statusAt(240, rpc.ConfirmationStatusFinalized)}

		outcome, err := NewSubmitter(newTestClient(mock), testSubmitterConfig(), nil, testLogger()).
			AwaitTokenLapse(context.Background(), op)
		require.NoError(t, err)
		require.NotNil(t, outcome)
		assert.Equal(t, OutcomeConfirmed, outcome.Status)
		assert.Equal(t, op.Fingerprint, outcome.Fingerprint)
	})

	t.Run("stuck below target commitment", func(t *testing.T) {
		token := testToken(1, 100)
		token.LastValidBlockHeight = 250
		op := testOperation(t, token)
		mock := NewMockRPCClient()
		mock.BlockHeights = []uint64{260}
		mock.Statuses = []*rpc.SignatureStatusesResult{statusAt(240, rpc.ConfirmationStatusProcessed)}

		config := testSubmitterConfig()
		config.AcceptanceWindow = 20 * time.Millisecond
		start := time.Now()
		outcome, err := NewSubmitter(newTestClient(mock), config, nil, testLogger()).
			AwaitTokenLapse(context.Background(), op)
		require.NoError(t, err)
		require.NotNil(t, outcome)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, OutcomeTimedOut, outcome.Status)
		assert.True(t, outcome.Ambiguous())
		assert.Equal(t, uint64(240), outcome.Slot)
		assert.Greater(t, mock.Calls("GetSignatureStatuses"), 1)
	})
}

func TestCommitmentReached(t *testing.T) {
	assert.True(t, commitmentReached(rpc.ConfirmationStatusConfirmed, rpc.CommitmentConfirmed))
	assert.True(t, commitmentReached(rpc.ConfirmationStatusFinalized, rpc.CommitmentConfirmed))
	assert.False(t, commitmentReached(rpc.ConfirmationStatusProcessed, rpc.CommitmentConfirmed))
	assert.False(t, commitmentReached(rpc.ConfirmationStatusConfirmed, rpc.CommitmentFinalized))
	assert.False(t, commitmentReached("", rpc.CommitmentProcessed))
}
