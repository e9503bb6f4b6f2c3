package solana

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gagliardetto/solana-go"
)

// Ledger limits on a compiled transaction.
const (
	MaxTransactionSize = 1232
	MaxAccountKeys     = 256
)

// Signer signs compiled messages. solana.PrivateKey satisfies it.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(payload []byte) (solana.Signature, error)
}

// Assembler compiles draft operations into signed v0 transactions.
type Assembler struct {
	logger *slog.Logger
}

// NewAssembler creates an assembler.
func NewAssembler(logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		logger: logger.With("component", "assembler"),
	}
}

// accountMeta accumulates the role of one account across all instructions.
type accountMeta struct {
	key      solana.PublicKey
	signer   bool
	writable bool
	program  bool

	// table and index are set when an instruction named the account
	// through a lookup table explicitly.
	table *solana.PublicKey
	index uint8
}

// Assemble compiles draft into a signed transaction bound to token. The
// compute budget instructions for budget come first, followed by the draft
// instructions in the order given. Identical inputs produce identical bytes.
func (a *Assembler) Assemble(
	draft DraftOperation,
	tables LookupTables,
	token FreshnessToken,
	budget ResourceBudget,
	signer Signer,
) (*SignedOperation, error) {
	if signer == nil || !signer.PublicKey().Equals(draft.Payer) {
		return nil, fmt.Errorf("%w: payer %s", ErrSignerMismatch, draft.Payer)
	}

	budgetInstructions, err := budget.Instructions()
	if err != nil {
		return nil, err
	}
	instructions := append(budgetInstructions, draft.Instructions...)

	metas, err := collectAccounts(draft.Payer, instructions, tables)
	if err != nil {
		return nil, err
	}

	msg, err := compileMessage(metas, instructions, tables, token)
	if err != nil {
		return nil, err
	}

	payload, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	tx := &solana.Transaction{
		Signatures: []solana.Signature{sig},
		Message:    *msg,
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	if len(raw) > MaxTransactionSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrOversizeArtifact, len(raw), MaxTransactionSize)
	}

	a.logger.Debug("assembled transaction",
		"signature", sig.String(),
		"blockhash", token.Blockhash.String(),
		"size", len(raw),
		"static_accounts", len(msg.AccountKeys),
		"table_lookups", len(msg.AddressTableLookups),
		"unit_limit", budget.UnitLimit,
		"unit_price", budget.UnitPrice,
		"message_base64", base64.StdEncoding.EncodeToString(payload),
	)

	return &SignedOperation{
		Tx:          tx,
		Raw:         raw,
		Fingerprint: sig,
		Token:       token,
		Budget:      budget,
	}, nil
}

// collectAccounts merges every account reference into one meta per key, in
// order of first appearance with the payer first.
func collectAccounts(payer solana.PublicKey, instructions []DraftInstruction, tables LookupTables) ([]*accountMeta, error) {
	var metas []*accountMeta
	byKey := make(map[solana.PublicKey]*accountMeta)

	get := func(key solana.PublicKey) *accountMeta {
		if m, ok := byKey[key]; ok {
			return m
		}
		m := &accountMeta{key: key}
		byKey[key] = m
		metas = append(metas, m)
		return m
	}

	p := get(payer)
	p.signer = true
	p.writable = true

	for i, ix := range instructions {
		get(ix.ProgramID).program = true

		for j, ref := range ix.Accounts {
			if !ref.Indirect {
				m := get(ref.Address)
				m.signer = m.signer || ref.IsSigner
				m.writable = m.writable || ref.IsWritable
				continue
			}

			if ref.IsSigner {
				return nil, fmt.Errorf("%w: instruction %d account %d: signer loaded through table %s",
					ErrDanglingReference, i, j, ref.Table)
			}
			addrs, ok := tables[ref.Table]
			if !ok {
				return nil, fmt.Errorf("%w: instruction %d account %d: table %s not resolved",
					ErrDanglingReference, i, j, ref.Table)
			}
			if int(ref.Index) >= len(addrs) {
				return nil, fmt.Errorf("%w: instruction %d account %d: index %d out of range for table %s (%d entries)",
					ErrDanglingReference, i, j, ref.Index, ref.Table, len(addrs))
			}

			m := get(addrs[ref.Index])
			m.writable = m.writable || ref.IsWritable
			if m.table == nil {
				table := ref.Table
				m.table = &table
				m.index = ref.Index
			}
		}
	}

	for _, m := range metas {
		if m.signer && !m.key.Equals(payer) {
			return nil, fmt.Errorf("%w: unexpected signer %s", ErrSignerMismatch, m.key)
		}
	}
	return metas, nil
}

// tableEntry is an account loaded through a lookup table.
type tableEntry struct {
	meta  *accountMeta
	index uint8
}

func compileMessage(
	metas []*accountMeta,
	instructions []DraftInstruction,
	tables LookupTables,
	token FreshnessToken,
) (*solana.Message, error) {
	tableKeys := make([]solana.PublicKey, 0, len(tables))
	for key := range tables {
		tableKeys = append(tableKeys, key)
	}
	slices.SortFunc(tableKeys, func(x, y solana.PublicKey) int {
		return bytes.Compare(x[:], y[:])
	})

	var static []*accountMeta
	loaded := make(map[solana.PublicKey][]tableEntry)
	for _, m := range metas {
		if m.signer || m.program {
			static = append(static, m)
			continue
		}
		if m.table != nil {
			loaded[*m.table] = append(loaded[*m.table], tableEntry{meta: m, index: m.index})
			continue
		}
		table, index, ok := findInTables(m.key, tableKeys, tables)
		if !ok {
			static = append(static, m)
			continue
		}
		loaded[table] = append(loaded[table], tableEntry{meta: m, index: index})
	}

	// Static keys: writable signers, readonly signers, writable then readonly non-signers.
	ordered := make([]*accountMeta, 0, len(static))
	for _, class := range []struct{ signer, writable bool }{
		{true, true}, {true, false}, {false, true}, {false, false},
	} {
		for _, m := range static {
			if m.signer == class.signer && m.writable == class.writable {
				ordered = append(ordered, m)
			}
		}
	}

	positions := make(map[solana.PublicKey]uint16, len(metas))
	msg := &solana.Message{RecentBlockhash: token.Blockhash}
	for _, m := range ordered {
		positions[m.key] = uint16(len(msg.AccountKeys))
		msg.AccountKeys = append(msg.AccountKeys, m.key)
		switch {
		case m.signer:
			msg.Header.NumRequiredSignatures++
			if !m.writable {
				msg.Header.NumReadonlySignedAccounts++
			}
		case !m.writable:
			msg.Header.NumReadonlyUnsignedAccounts++
		}
	}

	var lookups []solana.MessageAddressTableLookup
	var writableLoaded, readonlyLoaded []*accountMeta
	for _, key := range tableKeys {
		entries := loaded[key]
		if len(entries) == 0 {
			continue
		}
		var writableIdx, readonlyIdx []uint8
		for _, e := range entries {
			if e.meta.writable {
				writableIdx = append(writableIdx, e.index)
				writableLoaded = append(writableLoaded, e.meta)
			} else {
				readonlyIdx = append(readonlyIdx, e.index)
				readonlyLoaded = append(readonlyLoaded, e.meta)
			}
		}
		lookups = append(lookups, solana.MessageAddressTableLookup{
			AccountKey:      key,
			WritableIndexes: writableIdx,
			ReadonlyIndexes: readonlyIdx,
		})
	}

	next := uint16(len(ordered))
	for _, m := range append(writableLoaded, readonlyLoaded...) {
		positions[m.key] = next
		next++
	}
	if int(next) > MaxAccountKeys {
		return nil, fmt.Errorf("%w: %d accounts, limit %d", ErrTooManyAccounts, next, MaxAccountKeys)
	}

	for _, ix := range instructions {
		compiled := solana.CompiledInstruction{
			ProgramIDIndex: positions[ix.ProgramID],
			Accounts:       make([]uint16, 0, len(ix.Accounts)),
			Data:           solana.Base58(ix.Data),
		}
		for _, ref := range ix.Accounts {
			key := ref.Address
			if ref.Indirect {
				key = tables[ref.Table][ref.Index]
			}
			compiled.Accounts = append(compiled.Accounts, positions[key])
		}
		msg.Instructions = append(msg.Instructions, compiled)
	}

	msg.AddressTableLookups = lookups
	msg.SetVersion(solana.MessageVersionV0)
	return msg, nil
}

// findInTables returns the first table, in key order, holding address.
func findInTables(address solana.PublicKey, tableKeys []solana.PublicKey, tables LookupTables) (solana.PublicKey, uint8, bool) {
	for _, key := range tableKeys {
		for i, member := range tables[key] {
			if i >= MaxAccountKeys {
				break
			}
			if member.Equals(address) {
				return key, uint8(i), true
			}
		}
	}
	return solana.PublicKey{}, 0, false
}
