package solana

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Well-known Solana program IDs
var (
	// ComputeBudgetProgramID is the native compute budget program
	ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
)

// Compute Budget Program instruction types
const (
	ComputeBudgetSetUnitLimitInstruction = uint8(2)
	ComputeBudgetSetUnitPriceInstruction = uint8(3)
)

// MaxComputeUnitLimit is the largest compute unit limit a transaction may declare.
const MaxComputeUnitLimit = uint32(1_400_000)

// Instructions encodes the budget as compute budget instructions, limit first.
// Zero fields are omitted.
func (b ResourceBudget) Instructions() ([]DraftInstruction, error) {
	var out []DraftInstruction
	if b.UnitLimit > 0 {
		data, err := encodeComputeBudget(ComputeBudgetSetUnitLimitInstruction, func(enc *bin.Encoder) error {
			return enc.WriteUint32(b.UnitLimit, binary.LittleEndian)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, DraftInstruction{ProgramID: ComputeBudgetProgramID, Data: data})
	}
	if b.UnitPrice > 0 {
		data, err := encodeComputeBudget(ComputeBudgetSetUnitPriceInstruction, func(enc *bin.Encoder) error {
			return enc.WriteUint64(b.UnitPrice, binary.LittleEndian)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, DraftInstruction{ProgramID: ComputeBudgetProgramID, Data: data})
	}
	return out, nil
}

func encodeComputeBudget(kind uint8, body func(*bin.Encoder) error) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint8(kind); err != nil {
		return nil, fmt.Errorf("failed to encode compute budget instruction: %w", err)
	}
	if err := body(enc); err != nil {
		return nil, fmt.Errorf("failed to encode compute budget instruction: %w", err)
	}
	return buf.Bytes(), nil
}

// DeclaredBudget reads the compute budget instructions of a compiled
// transaction. Fields without a corresponding instruction are zero.
func DeclaredBudget(tx *solana.Transaction) (ResourceBudget, error) {
	var budget ResourceBudget
	if tx == nil {
		return budget, fmt.Errorf("nil transaction")
	}

	accountKeys := tx.Message.AccountKeys
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		if !accountKeys[instruction.ProgramIDIndex].Equals(ComputeBudgetProgramID) {
			continue
		}
		if len(instruction.Data) == 0 {
			return budget, fmt.Errorf("empty compute budget instruction")
		}

		dec := bin.NewBinDecoder(instruction.Data[1:])
		switch instruction.Data[0] {
		case ComputeBudgetSetUnitLimitInstruction:
			limit, err := dec.ReadUint32(binary.LittleEndian)
			if err != nil {
				return budget, fmt.Errorf("failed to decode compute unit limit: %w", err)
			}
			budget.UnitLimit = limit
		case ComputeBudgetSetUnitPriceInstruction:
			price, err := dec.ReadUint64(binary.LittleEndian)
			if err != nil {
				return budget, fmt.Errorf("failed to decode compute unit price: %w", err)
			}
			budget.UnitPrice = price
		}
	}
	return budget, nil
}
