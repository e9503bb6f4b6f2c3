package solana

import (
	"bytes"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func testToken(b byte, slot uint64) FreshnessToken {
	return FreshnessToken{
		Blockhash:            testHash(b),
		Slot:                 slot,
		LastValidBlockHeight: slot + 150,
		ObservedAt:           time.Now(),
	}
}

// swapDraft is a single instruction touching the payer, a writable account
// held by table, an explicit table entry and an account in no table.
func swapDraft(payer, table solana.PublicKey) DraftOperation {
	return DraftOperation{
		Payer: payer,
		Instructions: []DraftInstruction{{
			ProgramID: testKey(0xF0),
			Accounts: []AccountReference{
				Inline(payer, true, true),
				Inline(testKey(1), false, true),
				FromTable(table, 3, false),
				Inline(testKey(0xE0), false, false),
			},
			Data: []byte{0xE5, 0x17, 0xCB, 0x97},
		}},
		TableKeys: []solana.PublicKey{table},
	}
}

func TestAssemble_CompilesV0Message(t *testing.T) {
	signer := newTestSigner(t)
	payer := signer.PublicKey()
	table := testKey(0xA0)
	tables := LookupTables{table: testKeys(1, 12)}
	budget := ResourceBudget{UnitLimit: 90_000, UnitPrice: 200_000}

	op, err := NewAssembler(testLogger()).Assemble(swapDraft(payer, table), tables, testToken(1, 100), budget, signer)
	require.NoError(t, err)

	msg := op.Tx.Message
	assert.Equal(t, solana.MessageVersionV0, msg.GetVersion())
	assert.Equal(t, testHash(1), msg.RecentBlockhash)
	assert.Equal(t, solana.PublicKeySlice{payer, ComputeBudgetProgramID, testKey(0xF0), testKey(0xE0)}, msg.AccountKeys)
	assert.Equal(t, uint8(1), msg.Header.NumRequiredSignatures)
	assert.Equal(t, uint8(0), msg.Header.NumReadonlySignedAccounts)
	assert.Equal(t, uint8(3), msg.Header.NumReadonlyUnsignedAccounts)

	require.Len(t, msg.AddressTableLookups, 1)
	lookup := msg.AddressTableLookups[0]
	assert.Equal(t, table, lookup.AccountKey)
	assert.Equal(t, []uint8{0}, []uint8(lookup.WritableIndexes))
	assert.Equal(t, []uint8{3}, []uint8(lookup.ReadonlyIndexes))

	require.Len(t, msg.Instructions, 3)
	assert.Equal(t, uint16(1), msg.Instructions[0].ProgramIDIndex)
	assert.Equal(t, uint16(1), msg.Instructions[1].ProgramIDIndex)
	swap := msg.Instructions[2]
	assert.Equal(t, uint16(2), swap.ProgramIDIndex)
	assert.Equal(t, []uint16{0, 4, 5, 3}, swap.Accounts)
	assert.Equal(t, []byte{0xE5, 0x17, 0xCB, 0x97}, []byte(swap.Data))

	assert.Equal(t, op.Tx.Signatures[0], op.Fingerprint)
	assert.Equal(t, op.Fingerprint[:], op.Raw[1:65], "raw bytes start with the signature")
	assert.LessOrEqual(t, len(op.Raw), MaxTransactionSize)

	declared, err := DeclaredBudget(op.Tx)
	require.NoError(t, err)
	assert.Equal(t, budget, declared)
}

func TestAssemble_Deterministic(t *testing.T) {
	signer := newTestSigner(t)
	table := testKey(0xA0)
	tables := LookupTables{table: testKeys(1, 12)}
	draft := swapDraft(signer.PublicKey(), table)
	token := testToken(1, 100)
	budget := ResourceBudget{UnitLimit: 90_000, UnitPrice: 200_000}
	assembler := NewAssembler(testLogger())

	first, err := assembler.Assemble(draft, tables, token, budget, signer)
	require.NoError(t, err)
	second, err := assembler.Assemble(draft, tables, token, budget, signer)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first.Raw, second.Raw))
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestAssemble_NewTokenChangesFingerprintOnly(t *testing.T) {
	signer := newTestSigner(t)
	table := testKey(0xA0)
	tables := LookupTables{table: testKeys(1, 12)}
	draft := swapDraft(signer.PublicKey(), table)
	budget := ResourceBudget{UnitLimit: 90_000, UnitPrice: 200_000}
	assembler := NewAssembler(testLogger())

	first, err := assembler.Assemble(draft, tables, testToken(1, 100), budget, signer)
	require.NoError(t, err)
	second, err := assembler.Assemble(draft, tables, testToken(2, 101), budget, signer)
	require.NoError(t, err)

	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Tx.Message.Instructions, second.Tx.Message.Instructions)
	assert.Equal(t, first.Tx.Message.AccountKeys, second.Tx.Message.AccountKeys)
	assert.Equal(t, first.Tx.Message.AddressTableLookups, second.Tx.Message.AddressTableLookups)
}

func TestAssemble_PreservesInstructionOrder(t *testing.T) {
	signer := newTestSigner(t)
	payer := signer.PublicKey()
	draft := DraftOperation{Payer: payer}
	for i := byte(0); i < 4; i++ {
		draft.Instructions = append(draft.Instructions, DraftInstruction{
			ProgramID: testKey(0xF0 + i%2),
			Accounts:  []AccountReference{Inline(payer, true, true)},
			Data:      []byte{i},
		})
	}

	op, err := NewAssembler(testLogger()).Assemble(draft, nil, testToken(1, 100), ResourceBudget{}, signer)
	require.NoError(t, err)

	require.Len(t, op.Tx.Message.Instructions, 4, "zero budget adds no instructions")
	for i, ix := range op.Tx.Message.Instructions {
		assert.Equal(t, []byte{byte(i)}, []byte(ix.Data))
	}
	assert.Empty(t, op.Tx.Message.AddressTableLookups)
}

func TestAssemble_DanglingReference(t *testing.T) {
	signer := newTestSigner(t)
	payer := signer.PublicKey()
	table := testKey(0xA0)
	assembler := NewAssembler(testLogger())

	t.Run("table not resolved", func(t *testing.T) {
		_, err := assembler.Assemble(swapDraft(payer, table), LookupTables{}, testToken(1, 100), ResourceBudget{}, signer)
		assert.ErrorIs(t, err, ErrDanglingReference)
	})

	t.Run("index out of range", func(t *testing.T) {
		tables := LookupTables{table: testKeys(1, 3)}
		_, err := assembler.Assemble(swapDraft(payer, table), tables, testToken(1, 100), ResourceBudget{}, signer)
		assert.ErrorIs(t, err, ErrDanglingReference)
	})

	t.Run("signer behind table", func(t *testing.T) {
		ref := FromTable(table, 0, true)
		ref.IsSigner = true
		draft := DraftOperation{
			Payer:        payer,
			Instructions: []DraftInstruction{{ProgramID: testKey(0xF0), Accounts: []AccountReference{ref}}},
		}
		tables := LookupTables{table: testKeys(1, 3)}
		_, err := assembler.Assemble(draft, tables, testToken(1, 100), ResourceBudget{}, signer)
		assert.ErrorIs(t, err, ErrDanglingReference)
	})
}

func TestAssemble_OversizeArtifact(t *testing.T) {
	signer := newTestSigner(t)
	draft := DraftOperation{
		Payer: signer.PublicKey(),
		Instructions: []DraftInstruction{{
			ProgramID: testKey(0xF0),
			Data:      make([]byte, MaxTransactionSize),
		}},
	}

	_, err := NewAssembler(testLogger()).Assemble(draft, nil, testToken(1, 100), ResourceBudget{}, signer)
	assert.ErrorIs(t, err, ErrOversizeArtifact)
}

func TestAssemble_TooManyAccounts(t *testing.T) {
	signer := newTestSigner(t)
	var refs []AccountReference
	for i := 0; i < MaxAccountKeys; i++ {
		key := solana.PublicKeyFromBytes(bytes.Repeat([]byte{byte(i), byte(i >> 8), 0x5A}, 11)[:32])
		refs = append(refs, Inline(key, false, false))
	}
	draft := DraftOperation{
		Payer:        signer.PublicKey(),
		Instructions: []DraftInstruction{{ProgramID: testKey(0xF0), Accounts: refs}},
	}

	_, err := NewAssembler(testLogger()).Assemble(draft, nil, testToken(1, 100), ResourceBudget{}, signer)
	assert.ErrorIs(t, err, ErrTooManyAccounts)
}

func TestAssemble_SignerMismatch(t *testing.T) {
	signer := newTestSigner(t)
	other := newTestSigner(t)
	assembler := NewAssembler(testLogger())

	t.Run("payer differs from signer", func(t *testing.T) {
		draft := DraftOperation{
			Payer:        other.PublicKey(),
			Instructions: []DraftInstruction{{ProgramID: testKey(0xF0)}},
		}
		_, err := assembler.Assemble(draft, nil, testToken(1, 100), ResourceBudget{}, signer)
		assert.ErrorIs(t, err, ErrSignerMismatch)
	})

	t.Run("additional signer required", func(t *testing.T) {
		draft := DraftOperation{
			Payer: signer.PublicKey(),
			Instructions: []DraftInstruction{{
				ProgramID: testKey(0xF0),
				Accounts:  []AccountReference{Inline(other.PublicKey(), true, false)},
			}},
		}
		_, err := assembler.Assemble(draft, nil, testToken(1, 100), ResourceBudget{}, signer)
		assert.ErrorIs(t, err, ErrSignerMismatch)
	})
}
