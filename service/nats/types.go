package nats

import (
	"time"

	"github.com/brojonat/swapper/service/solana"
)

// OutcomeEvent reports the terminal result of one swap run.
// This is published to the subject "swaps.{signer}" in JetStream.
type OutcomeEvent struct {
	// Run identifiers
	SubmissionID string `json:"submission_id"`
	Signature    string `json:"signature"`
	Slot         uint64 `json:"slot,omitempty"`

	Signer     string `json:"signer"`
	InputMint  string `json:"input_mint"`
	OutputMint string `json:"output_mint"`
	InAmount   string `json:"in_amount"`
	OutAmount  string `json:"out_amount,omitempty"`

	// Outcome
	Status       string   `json:"status"`
	Reason       string   `json:"reason,omitempty"`
	Ambiguous    bool     `json:"ambiguous"`
	Attempts     int      `json:"attempts"`
	Retries      int      `json:"retries"`
	Reassemblies int      `json:"reassemblies"`
	Trace        []string `json:"trace,omitempty"`

	// Declared budget of the final artifact
	UnitLimit uint32 `json:"unit_limit"`
	UnitPrice uint64 `json:"unit_price"`

	// Timing information
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromOutcome fills the outcome fields of an event from a submission outcome.
func (e *OutcomeEvent) FromOutcome(outcome solana.SubmissionOutcome) *OutcomeEvent {
	e.Signature = outcome.Fingerprint.String()
	e.Slot = outcome.Slot
	e.Status = string(outcome.Status)
	e.Reason = outcome.Reason
	e.Ambiguous = outcome.Ambiguous()
	e.Attempts = outcome.Attempts
	e.Retries = outcome.Retries

	e.Trace = make([]string, len(outcome.Trace))
	for i, state := range outcome.Trace {
		e.Trace[i] = string(state)
	}
	return e
}

// Subject returns the subject the event is published to.
func (e *OutcomeEvent) Subject() string {
	return SubjectPrefix + e.Signer
}
