package solana

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// FreshnessToken is a recent blockhash together with the slot it was observed at.
// A transaction bound to the blockhash is accepted by the ledger only while the
// blockhash is recent, so tokens are short-lived by nature.
type FreshnessToken struct {
	Blockhash            solana.Hash
	Slot                 uint64
	LastValidBlockHeight uint64
	ObservedAt           time.Time
}

// IsZero reports whether the token was never populated.
func (t FreshnessToken) IsZero() bool {
	return t.Slot == 0 && t.Blockhash == solana.Hash{}
}

// Expired reports whether the token has aged past the acceptance window.
func (t FreshnessToken) Expired(window time.Duration, now time.Time) bool {
	return now.Sub(t.ObservedAt) > window
}

// AccountReference identifies an account used by an instruction, either inline
// by address or indirectly through a lookup table index.
type AccountReference struct {
	Address    solana.PublicKey
	Table      solana.PublicKey
	Index      uint8
	Indirect   bool
	IsSigner   bool
	IsWritable bool
}

// Inline references an account directly by its address.
func Inline(address solana.PublicKey, isSigner, isWritable bool) AccountReference {
	return AccountReference{
		Address:    address,
		IsSigner:   isSigner,
		IsWritable: isWritable,
	}
}

// FromTable references the account stored at index of the given lookup table.
func FromTable(table solana.PublicKey, index uint8, isWritable bool) AccountReference {
	return AccountReference{
		Table:      table,
		Index:      index,
		Indirect:   true,
		IsWritable: isWritable,
	}
}

// DraftInstruction is an instruction that has not been compiled into a message yet.
type DraftInstruction struct {
	ProgramID solana.PublicKey
	Accounts  []AccountReference
	Data      []byte
}

// DraftOperation is an ordered instruction list that is not yet bound to a
// blockhash or signature. TableKeys lists the lookup tables the operation may
// load accounts through.
type DraftOperation struct {
	Payer        solana.PublicKey
	Instructions []DraftInstruction
	TableKeys    []solana.PublicKey
}

// LookupTables maps a lookup table address to its ordered member addresses.
type LookupTables map[solana.PublicKey]solana.PublicKeySlice

// AddressCount returns the total number of member addresses across all tables.
func (t LookupTables) AddressCount() int {
	n := 0
	for _, addrs := range t {
		n += len(addrs)
	}
	return n
}

// LookupTableAccount is the decoded state of an address lookup table account.
type LookupTableAccount struct {
	DeactivationSlot           uint64
	LastExtendedSlot           uint64
	LastExtendedSlotStartIndex uint8
	Authority                  *solana.PublicKey
	Addresses                  solana.PublicKeySlice
}

// IsActive reports whether the table has not been deactivated.
func (a *LookupTableAccount) IsActive() bool {
	return a.DeactivationSlot == ^uint64(0)
}

// ResourceBudget is the compute unit limit and price declared by a transaction.
// A zero field means the corresponding instruction is omitted.
type ResourceBudget struct {
	UnitLimit uint32
	UnitPrice uint64 // micro-lamports per compute unit
}

// ResourceUsage is what a simulation reported about a probe transaction.
type ResourceUsage struct {
	UnitsConsumed uint64
	Logs          []string
}

// SignedOperation is a compiled, signed transaction ready for transmission.
// Raw is the exact wire encoding; every transmission sends these bytes.
type SignedOperation struct {
	Tx          *solana.Transaction
	Raw         []byte
	Fingerprint solana.Signature
	Token       FreshnessToken
	Budget      ResourceBudget
}

// State is a step of the submission state machine.
type State string

const (
	StateBuilt     State = "built"
	StateSent      State = "sent"
	StateDropped   State = "dropped"
	StateConfirmed State = "confirmed"
	StateRejected  State = "rejected"
	StateTimedOut  State = "timed_out"
)

// OutcomeStatus is the terminal status of a submission.
type OutcomeStatus string

const (
	OutcomeConfirmed        OutcomeStatus = "confirmed"
	OutcomeRejected         OutcomeStatus = "rejected"
	OutcomeTimedOut         OutcomeStatus = "timed_out"
	OutcomeExpired          OutcomeStatus = "expired"
	OutcomeNetworkExhausted OutcomeStatus = "network_exhausted"
)

// SubmissionOutcome is the terminal result of submitting one SignedOperation.
// Fingerprint is always set so the caller can verify the status out-of-band.
type SubmissionOutcome struct {
	Status      OutcomeStatus
	Fingerprint solana.Signature
	Reason      string
	Err         error
	Attempts    int // transmissions, including rebroadcasts
	Retries     int // transmissions caused by transient errors
	Slot        uint64
	Trace       []State
}

// Ambiguous reports whether the operation may still land on the ledger.
func (o SubmissionOutcome) Ambiguous() bool {
	switch o.Status {
	case OutcomeTimedOut, OutcomeNetworkExhausted:
		return true
	case OutcomeExpired:
		// expiry is judged by wall clock; the ledger may not agree yet
		return true
	default:
		return false
	}
}
