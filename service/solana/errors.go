package solana

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Submission pipeline errors
var (
	ErrFreshnessUnavailable = errors.New("no blockhash observed before startup deadline")
	ErrUnresolvedDependency = errors.New("unresolved dependency")
	ErrMalformedLookupTable = errors.New("malformed lookup table account")
	ErrDanglingReference    = errors.New("dangling account reference")
	ErrTooManyAccounts      = errors.New("too many accounts in transaction")
	ErrOversizeArtifact     = errors.New("transaction exceeds maximum size")
	ErrSignerMismatch       = errors.New("signer does not match payer")
	ErrSimulationRejected   = errors.New("simulation reported execution failure")
	ErrRejected             = errors.New("transaction rejected by ledger")
	ErrTokenExpired         = errors.New("blockhash expired")
)

// JSON-RPC error codes returned by sendTransaction when the node refuses the
// transaction before forwarding it.
const (
	rpcCodePreflightFailure      = -32002
	rpcCodeSignatureVerification = -32003
)

// SimulationError is returned when a probe simulation executed and failed.
// Retrying with a fresh blockhash does not help; the instructions are invalid
// against current on-chain state.
type SimulationError struct {
	Err  interface{}
	Logs []string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulation failed: %v", e.Err)
}

func (e *SimulationError) Unwrap() error {
	return ErrSimulationRejected
}

// RejectionError is a deterministic on-chain or preflight failure of a
// submitted transaction. Resending identical bytes would fail identically.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("transaction rejected: %s", e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

// ErrorClass is the retry classification of an RPC error.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassRejected
	ClassExpired
	ClassCancelled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRejected:
		return "rejected"
	case ClassExpired:
		return "expired"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ClassifyError decides how the submission pipeline reacts to an RPC error.
// Anything not recognised as a rejection, expiry or cancellation is treated as
// a transport problem and retried.
func ClassifyError(err error) ErrorClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}
	if errors.Is(err, ErrTokenExpired) {
		return ClassExpired
	}
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrSimulationRejected) || errors.Is(err, ErrAccountNotFound) {
		return ClassRejected
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		if strings.Contains(msg, "blockhash not found") {
			return ClassExpired
		}
		switch rpcErr.Code {
		case rpcCodePreflightFailure, rpcCodeSignatureVerification:
			return ClassRejected
		}
		return ClassTransient
	}

	if strings.Contains(strings.ToLower(err.Error()), "blockhash not found") {
		return ClassExpired
	}
	return ClassTransient
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && ClassifyError(err) == ClassTransient
}

// retryReason returns a short metric label for a transient error.
func retryReason(err error) string {
	if isRateLimited(err) {
		return "rate_limit"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return "connection"
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return "rpc_error"
	}
	return "timeout_or_error"
}

// isRateLimited reports whether the node answered 429 Too Many Requests.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "too many requests")
}
