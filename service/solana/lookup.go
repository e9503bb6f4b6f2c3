package solana

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brojonat/swapper/service/metrics"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"
)

// Address lookup table account layout.
const (
	lookupTableMetaSize      = 56
	lookupTableDiscriminator = uint32(1)
	addressSize              = 32
)

// DecodeLookupTable decodes an address lookup table account: a 56 byte header
// followed by a flat array of 32 byte addresses. Malformed input is reported
// as ErrMalformedLookupTable.
func DecodeLookupTable(data []byte) (*LookupTableAccount, error) {
	if len(data) < lookupTableMetaSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte header",
			ErrMalformedLookupTable, len(data), lookupTableMetaSize)
	}
	if rem := (len(data) - lookupTableMetaSize) % addressSize; rem != 0 {
		return nil, fmt.Errorf("%w: address section of %d bytes is not a multiple of %d",
			ErrMalformedLookupTable, len(data)-lookupTableMetaSize, addressSize)
	}

	dec := bin.NewBinDecoder(data)

	discriminator, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("%w: read discriminator: %v", ErrMalformedLookupTable, err)
	}
	if discriminator != lookupTableDiscriminator {
		return nil, fmt.Errorf("%w: unexpected account type %d", ErrMalformedLookupTable, discriminator)
	}

	account := &LookupTableAccount{}
	if account.DeactivationSlot, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("%w: read deactivation slot: %v", ErrMalformedLookupTable, err)
	}
	if account.LastExtendedSlot, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("%w: read last extended slot: %v", ErrMalformedLookupTable, err)
	}
	if account.LastExtendedSlotStartIndex, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("%w: read start index: %v", ErrMalformedLookupTable, err)
	}

	hasAuthority, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: read authority tag: %v", ErrMalformedLookupTable, err)
	}
	// The authority slot is always reserved, set or not.
	authority, err := dec.ReadNBytes(addressSize)
	if err != nil {
		return nil, fmt.Errorf("%w: read authority: %v", ErrMalformedLookupTable, err)
	}
	switch hasAuthority {
	case 0:
	case 1:
		key := solana.PublicKeyFromBytes(authority)
		account.Authority = &key
	default:
		return nil, fmt.Errorf("%w: invalid authority tag %d", ErrMalformedLookupTable, hasAuthority)
	}

	count := (len(data) - lookupTableMetaSize) / addressSize
	account.Addresses = make(solana.PublicKeySlice, 0, count)
	for i := 0; i < count; i++ {
		offset := lookupTableMetaSize + i*addressSize
		account.Addresses = append(account.Addresses, solana.PublicKeyFromBytes(data[offset:offset+addressSize]))
	}
	return account, nil
}

// AddressTableResolver expands lookup table addresses into their member lists.
type AddressTableResolver struct {
	client      *Client
	concurrency int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewAddressTableResolver creates a resolver fetching at most concurrency
// tables at a time. If metrics is nil, no metrics will be recorded.
func NewAddressTableResolver(client *Client, concurrency int, m *metrics.Metrics, logger *slog.Logger) *AddressTableResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 4
	}
	return &AddressTableResolver{
		client:      client,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger.With("component", "address_table_resolver"),
	}
}

// Resolve fetches and decodes every table in keys. Tables are independent and
// read-only, so they are fetched concurrently. Any failure aborts the whole
// resolution with an error wrapping ErrUnresolvedDependency.
func (r *AddressTableResolver) Resolve(ctx context.Context, keys []solana.PublicKey) (LookupTables, error) {
	tables := make(LookupTables, len(keys))
	if len(keys) == 0 {
		return tables, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	seen := make(map[solana.PublicKey]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		key := key
		g.Go(func() error {
			account, err := r.fetch(gctx, key)
			if err != nil {
				if r.metrics != nil {
					r.metrics.RecordLookupTableResolved("error", 0)
				}
				return fmt.Errorf("%w: lookup table %s: %w", ErrUnresolvedDependency, key, err)
			}
			if r.metrics != nil {
				r.metrics.RecordLookupTableResolved("success", len(account.Addresses))
			}

			mu.Lock()
			tables[key] = account.Addresses
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.logger.ErrorContext(ctx, "failed to resolve lookup tables",
			"tables", len(seen),
			"error", err,
		)
		return nil, err
	}

	r.logger.DebugContext(ctx, "resolved lookup tables",
		"tables", len(tables),
		"addresses", tables.AddressCount(),
	)
	return tables, nil
}

func (r *AddressTableResolver) fetch(ctx context.Context, key solana.PublicKey) (*LookupTableAccount, error) {
	data, err := r.client.AccountData(ctx, key)
	if err != nil {
		return nil, err
	}
	account, err := DecodeLookupTable(data)
	if err != nil {
		return nil, err
	}
	if !account.IsActive() {
		r.logger.WarnContext(ctx, "lookup table is deactivated",
			"table", key.String(),
			"deactivation_slot", account.DeactivationSlot,
		)
	}
	return account, nil
}
