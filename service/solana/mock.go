package solana

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// MockRPCClient is a scripted RPCClient for tests.
// Scripted slices are consumed one entry per call; the last entry repeats.
type MockRPCClient struct {
	mu sync.Mutex

	Blockhashes   []*rpc.GetLatestBlockhashResult
	BlockhashErr  error
	BlockhashHang bool // block until ctx is done

	Accounts   map[solana.PublicKey][]byte
	AccountErr error

	SimulateResult *rpc.SimulateTransactionResult
	SimulateErrs   []error
	SimulateHang   bool // block until ctx is done

	SendErrs []error

	// Statuses scripts GetSignatureStatuses; a nil entry means not yet observed.
	Statuses   []*rpc.SignatureStatusesResult
	StatusErrs []error

	BlockHeights []uint64

	// Recorded calls
	Sent      [][]byte
	Simulated []*solana.Transaction
	calls     map[string]int
}

// NewMockRPCClient creates an empty mock.
func NewMockRPCClient() *MockRPCClient {
	return &MockRPCClient{
		Accounts: make(map[solana.PublicKey][]byte),
		calls:    make(map[string]int),
	}
}

// Calls returns how many times method was called.
func (m *MockRPCClient) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// SentPayloads returns a copy of every raw transaction sent.
func (m *MockRPCClient) SentPayloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.Sent))
	copy(out, m.Sent)
	return out
}

func (m *MockRPCClient) next(method string) int {
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	n := m.calls[method]
	m.calls[method] = n + 1
	return n
}

func scripted[T any](items []T, n int) (T, bool) {
	var zero T
	if len(items) == 0 {
		return zero, false
	}
	if n >= len(items) {
		n = len(items) - 1
	}
	return items[n], true
}

func (m *MockRPCClient) GetLatestBlockhash(
	ctx context.Context,
	commitment rpc.CommitmentType,
) (*rpc.GetLatestBlockhashResult, error) {
	m.mu.Lock()
	n := m.next("GetLatestBlockhash")
	hang := m.BlockhashHang
	m.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BlockhashErr != nil {
		return nil, m.BlockhashErr
	}
	out, _ := scripted(m.Blockhashes, n)
	return out, nil
}

func (m *MockRPCClient) GetAccountData(
	ctx context.Context,
	account solana.PublicKey,
) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next("GetAccountData")
	if m.AccountErr != nil {
		return nil, m.AccountErr
	}
	data, ok := m.Accounts[account]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return data, nil
}

func (m *MockRPCClient) SimulateTransaction(
	ctx context.Context,
	tx *solana.Transaction,
	opts *rpc.SimulateTransactionOpts,
) (*rpc.SimulateTransactionResponse, error) {
	m.mu.Lock()
	n := m.next("SimulateTransaction")
	m.Simulated = append(m.Simulated, tx)
	hang := m.SimulateHang
	m.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if n < len(m.SimulateErrs) && m.SimulateErrs[n] != nil {
		return nil, m.SimulateErrs[n]
	}
	return &rpc.SimulateTransactionResponse{Value: m.SimulateResult}, nil
}

func (m *MockRPCClient) SendRawTransaction(
	ctx context.Context,
	raw []byte,
	opts rpc.TransactionOpts,
) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next("SendRawTransaction")
	m.Sent = append(m.Sent, bytes.Clone(raw))
	if n < len(m.SendErrs) && m.SendErrs[n] != nil {
		return solana.Signature{}, m.SendErrs[n]
	}

	// The first signature follows its one byte compact length prefix.
	var sig solana.Signature
	if len(raw) > 1 {
		copy(sig[:], raw[1:])
	}
	return sig, nil
}

func (m *MockRPCClient) GetSignatureStatuses(
	ctx context.Context,
	searchTransactionHistory bool,
	signatures ...solana.Signature,
) (*rpc.GetSignatureStatusesResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next("GetSignatureStatuses")
	if n < len(m.StatusErrs) && m.StatusErrs[n] != nil {
		return nil, m.StatusErrs[n]
	}
	status, _ := scripted(m.Statuses, n)
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{status},
	}, nil
}

func (m *MockRPCClient) GetBlockHeight(
	ctx context.Context,
	commitment rpc.CommitmentType,
) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next("GetBlockHeight")
	height, _ := scripted(m.BlockHeights, n)
	return height, nil
}

// EncodeLookupTable serializes an active lookup table account holding addrs,
// in the layout DecodeLookupTable reads.
func EncodeLookupTable(addrs []solana.PublicKey) []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint32(lookupTableDiscriminator, binary.LittleEndian)
	_ = enc.WriteUint64(^uint64(0), binary.LittleEndian) // deactivation slot: active
	_ = enc.WriteUint64(0, binary.LittleEndian)
	_ = enc.WriteUint8(0)
	_ = enc.WriteUint8(0) // no authority
	_ = enc.WriteBytes(make([]byte, addressSize), false)
	_ = enc.WriteUint16(0, binary.LittleEndian)
	for _, addr := range addrs {
		_ = enc.WriteBytes(addr[:], false)
	}
	return buf.Bytes()
}
