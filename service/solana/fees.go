package solana

import (
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
)

// PriorityFeeInstructions returns the compute-budget instruction pair
// (price per unit, then unit limit) appended to every transaction this
// service builds. Values are configuration-owned; the defaults live in
// service/config.
func PriorityFeeInstructions(priceMicroLamports uint64, unitLimit uint32) []solana.Instruction {
	return []solana.Instruction{
		computebudget.NewSetComputeUnitPriceInstruction(priceMicroLamports).Build(),
		computebudget.NewSetComputeUnitLimitInstruction(unitLimit).Build(),
	}
}
