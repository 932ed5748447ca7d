// internal/services/commission_calculator.go
package services

import (
	"math/big"
)

var hundred = big.NewInt(100)

// ComputeCommission returns floor(unitPrice * quantity * commissionPct / 100)
// in minor currency units. Integer arithmetic only; rounding is always down.
// Inputs outside unitPrice >= 0, quantity >= 1, 0 <= commissionPct <= 100
// fail with ErrInvalidInput, as does a result that does not fit in int64.
func ComputeCommission(unitPrice, quantity, commissionPct int64) (int64, error) {
	if unitPrice < 0 {
		return 0, validationErrorFor(ErrInvalidInput, "unit price must not be negative")
	}
	if quantity < 1 {
		return 0, validationErrorFor(ErrInvalidInput, "quantity must be at least 1")
	}
	if commissionPct < 0 || commissionPct > 100 {
		return 0, validationErrorFor(ErrInvalidInput, "commission percentage must be between 0 and 100")
	}

	amount := new(big.Int).Mul(big.NewInt(unitPrice), big.NewInt(quantity))
	amount.Mul(amount, big.NewInt(commissionPct))
	// Operands are non-negative so truncating division is floor.
	amount.Quo(amount, hundred)

	if !amount.IsInt64() {
		return 0, validationErrorFor(ErrInvalidInput, "commission amount overflows")
	}
	return amount.Int64(), nil
}

// OrderTotal returns unitPrice * quantity, rejecting overflow.
func OrderTotal(unitPrice, quantity int64) (int64, error) {
	total := new(big.Int).Mul(big.NewInt(unitPrice), big.NewInt(quantity))
	if !total.IsInt64() {
		return 0, validationErrorFor(ErrInvalidInput, "order total overflows")
	}
	return total.Int64(), nil
}
