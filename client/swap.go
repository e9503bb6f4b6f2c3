package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
)

// DefaultBaseURL is the public Jupiter v6 swap API.
const DefaultBaseURL = "https://quote-api.jup.ag/v6"

// ErrInvalidResponse is returned when a response decodes but fails validation.
var ErrInvalidResponse = errors.New("invalid swap API response")

// QuoteRequest selects the route to quote.
type QuoteRequest struct {
	InputMint   solana.PublicKey
	OutputMint  solana.PublicKey
	Amount      uint64 // in the input mint's base units
	SlippageBps uint16
}

// Validate checks the request before it is sent.
func (r QuoteRequest) Validate() error {
	if r.InputMint.IsZero() {
		return errors.New("input mint is required")
	}
	if r.OutputMint.IsZero() {
		return errors.New("output mint is required")
	}
	if r.InputMint.Equals(r.OutputMint) {
		return errors.New("input and output mint must differ")
	}
	if r.Amount == 0 {
		return errors.New("amount must be positive")
	}
	if r.SlippageBps > 10_000 {
		return fmt.Errorf("slippage of %d bps exceeds 100%%", r.SlippageBps)
	}
	return nil
}

// Quote is a priced route. Raw holds the response body verbatim; it is what
// the swap-instructions endpoint expects back.
type Quote struct {
	InputMint            solana.PublicKey `json:"inputMint"`
	InAmount             string           `json:"inAmount"`
	OutputMint           solana.PublicKey `json:"outputMint"`
	OutAmount            string           `json:"outAmount"`
	OtherAmountThreshold string           `json:"otherAmountThreshold"`
	SwapMode             string           `json:"swapMode"`
	SlippageBps          uint16           `json:"slippageBps"`
	PriceImpactPct       string           `json:"priceImpactPct"`
	RoutePlan            []RoutePlanStep  `json:"routePlan"`
	ContextSlot          uint64           `json:"contextSlot"`
	TimeTaken            float64          `json:"timeTaken"`

	Raw json.RawMessage `json:"-"`
}

// RoutePlanStep is one hop of a quoted route.
type RoutePlanStep struct {
	SwapInfo struct {
		AmmKey     string `json:"ammKey"`
		Label      string `json:"label"`
		InputMint  string `json:"inputMint"`
		OutputMint string `json:"outputMint"`
		InAmount   string `json:"inAmount"`
		OutAmount  string `json:"outAmount"`
	} `json:"swapInfo"`
	Percent int `json:"percent"`
}

// Validate checks the quote is usable for a swap.
func (q *Quote) Validate() error {
	if q.InputMint.IsZero() || q.OutputMint.IsZero() {
		return fmt.Errorf("%w: quote is missing mints", ErrInvalidResponse)
	}
	if _, err := strconv.ParseUint(q.InAmount, 10, 64); err != nil {
		return fmt.Errorf("%w: inAmount %q: %v", ErrInvalidResponse, q.InAmount, err)
	}
	if _, err := strconv.ParseUint(q.OutAmount, 10, 64); err != nil {
		return fmt.Errorf("%w: outAmount %q: %v", ErrInvalidResponse, q.OutAmount, err)
	}
	if len(q.RoutePlan) == 0 {
		return fmt.Errorf("%w: quote has no route", ErrInvalidResponse)
	}
	return nil
}

// DynamicSlippage bounds the slippage the API may pick.
type DynamicSlippage struct {
	MinBps uint16 `json:"minBps"`
	MaxBps uint16 `json:"maxBps"`
}

// SwapInstructionsRequest asks for the instructions executing a quote.
type SwapInstructionsRequest struct {
	UserPublicKey           solana.PublicKey `json:"userPublicKey"`
	QuoteResponse           json.RawMessage  `json:"quoteResponse"`
	WrapAndUnwrapSol        bool             `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit bool             `json:"dynamicComputeUnitLimit"`
	DynamicSlippage         *DynamicSlippage `json:"dynamicSlippage,omitempty"`
}

// AccountMeta is an account used by an instruction.
type AccountMeta struct {
	Pubkey     solana.PublicKey `json:"pubkey"`
	IsSigner   bool             `json:"isSigner"`
	IsWritable bool             `json:"isWritable"`
}

// Instruction is an instruction as returned by the API, data base64 encoded.
type Instruction struct {
	ProgramID solana.PublicKey `json:"programId"`
	Accounts  []AccountMeta    `json:"accounts"`
	Data      string           `json:"data"`
}

// DecodeData returns the raw instruction data.
func (i Instruction) DecodeData() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(i.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid instruction data: %w", err)
	}
	return data, nil
}

func (i Instruction) validate(name string) error {
	if i.ProgramID.IsZero() {
		return fmt.Errorf("%w: %s has no program id", ErrInvalidResponse, name)
	}
	if _, err := i.DecodeData(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, name, err)
	}
	return nil
}

// SwapInstructions is the instruction set executing a quote.
type SwapInstructions struct {
	TokenLedgerInstruction      *Instruction       `json:"tokenLedgerInstruction,omitempty"`
	ComputeBudgetInstructions   []Instruction      `json:"computeBudgetInstructions"`
	SetupInstructions           []Instruction      `json:"setupInstructions"`
	SwapInstruction             Instruction        `json:"swapInstruction"`
	CleanupInstruction          *Instruction       `json:"cleanupInstruction,omitempty"`
	OtherInstructions           []Instruction      `json:"otherInstructions"`
	AddressLookupTableAddresses []solana.PublicKey `json:"addressLookupTableAddresses"`
}

// Validate checks every instruction is well formed.
func (s *SwapInstructions) Validate() error {
	if err := s.SwapInstruction.validate("swap instruction"); err != nil {
		return err
	}
	for i, ix := range s.SetupInstructions {
		if err := ix.validate(fmt.Sprintf("setup instruction %d", i)); err != nil {
			return err
		}
	}
	if s.CleanupInstruction != nil {
		if err := s.CleanupInstruction.validate("cleanup instruction"); err != nil {
			return err
		}
	}
	for i, ix := range s.OtherInstructions {
		if err := ix.validate(fmt.Sprintf("other instruction %d", i)); err != nil {
			return err
		}
	}
	return nil
}

// Ordered returns the instructions to execute in order: setup, swap,
// cleanup, then any others. Compute budget instructions are left out.
func (s *SwapInstructions) Ordered() []Instruction {
	out := make([]Instruction, 0, len(s.SetupInstructions)+len(s.OtherInstructions)+2)
	out = append(out, s.SetupInstructions...)
	out = append(out, s.SwapInstruction)
	if s.CleanupInstruction != nil {
		out = append(out, *s.CleanupInstruction)
	}
	return append(out, s.OtherInstructions...)
}

// APIError is a non-2xx response from the swap API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("swap API returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("swap API returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RetryPolicy bounds the retries of rate limited, server error and
// transport failures.
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

// backoff returns the delay before retry number attempt (zero-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Client is the HTTP client for the Jupiter swap API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	retry      RetryPolicy
}

// NewClient creates a new swap API client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		retry:      DefaultRetryPolicy(),
	}
}

// SetRetryPolicy replaces the retry policy.
func (c *Client) SetRetryPolicy(p RetryPolicy) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	c.retry = p
}

// Quote fetches the best route for req.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quote request: %w", err)
	}

	params := url.Values{}
	params.Set("inputMint", req.InputMint.String())
	params.Set("outputMint", req.OutputMint.String())
	params.Set("amount", strconv.FormatUint(req.Amount, 10))
	params.Set("slippageBps", strconv.FormatUint(uint64(req.SlippageBps), 10))

	body, err := c.do(ctx, "quote", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, "GET", c.baseURL+"/quote?"+params.Encode(), nil)
	})
	if err != nil {
		return nil, err
	}
	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := quote.Validate(); err != nil {
		return nil, err
	}
	quote.Raw = body

	c.logger.Debug("quote received",
		"input_mint", quote.InputMint.String(),
		"output_mint", quote.OutputMint.String(),
		"in_amount", quote.InAmount,
		"out_amount", quote.OutAmount,
		"route_steps", len(quote.RoutePlan),
		"context_slot", quote.ContextSlot,
	)
	return &quote, nil
}

// SwapInstructions fetches the instructions executing quote for user.
func (c *Client) SwapInstructions(
	ctx context.Context,
	quote *Quote,
	user solana.PublicKey,
	slippage *DynamicSlippage,
) (*SwapInstructions, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return nil, errors.New("quote is required")
	}

	body, err := json.Marshal(SwapInstructionsRequest{
		UserPublicKey:           user,
		QuoteResponse:           quote.Raw,
		WrapAndUnwrapSol:        true,
		DynamicComputeUnitLimit: true,
		DynamicSlippage:         slippage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	respBody, err := c.do(ctx, "swap-instructions", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/swap-instructions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var out SwapInstructions
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}

	c.logger.Debug("swap instructions received",
		"user", user.String(),
		"setup_instructions", len(out.SetupInstructions),
		"lookup_tables", len(out.AddressLookupTableAddresses),
	)
	return &out, nil
}

// do sends the request built by newReq and returns the body of a 200
// response. Rate limits, server errors and transport failures are retried
// with exponential backoff; rate limited requests back off twice as long.
func (c *Client) do(ctx context.Context, name string, newReq func() (*http.Request, error)) ([]byte, error) {
	var err error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		var body []byte
		body, err = c.send(newReq)
		if err == nil {
			return body, nil
		}
		if !retryable(ctx, err) || attempt == c.retry.MaxAttempts-1 {
			break
		}

		backoff := c.retry.backoff(attempt)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			backoff *= 2
		}
		c.logger.Warn("swap API request failed, retrying",
			"request", name,
			"attempt", attempt+1,
			"error", err,
			"backoff_seconds", backoff.Seconds(),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
	return nil, err
}

// send performs one request.
func (c *Client) send(newReq func() (*http.Request, error)) ([]byte, error) {
	req, err := newReq()
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// retryable reports whether a failed request is worth sending again.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error     string `json:"error"`
		ErrorCode string `json:"errorCode"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error, Code: errResp.ErrorCode}
}
