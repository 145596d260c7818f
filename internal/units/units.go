// Package units is the single place where on-chain token minor units are
// turned into decimal display units and back.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DefaultDecimals matches ERC20 tokens that do not say otherwise.
const DefaultDecimals int32 = 18

var (
	ErrNegativeAmount    = errors.New("amount must not be negative")
	ErrNotRepresentable  = errors.New("amount is not representable in token units")
	ErrInvalidDecimalStr = errors.New("invalid decimal amount")
)

// ToDecimal converts minor units to display units. A nil amount is zero.
func ToDecimal(minor *big.Int, decimals int32) decimal.Decimal {
	if minor == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(minor, -decimals)
}

// MaxUint256 is the largest amount a token transfer can carry.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ToMinorUnits converts display units back to minor units. It never rounds:
// an amount finer than the token precision, or one that overflows uint256,
// is rejected.
func ToMinorUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}
	shifted := amount.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrNotRepresentable, amount.String(), decimals)
	}
	minor := shifted.BigInt()
	if minor.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %s exceeds uint256", ErrNotRepresentable, amount.String())
	}
	return minor, nil
}

// ParseDecimal parses a user supplied decimal amount such as "40.59".
func ParseDecimal(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, ErrInvalidDecimalStr
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidDecimalStr, raw)
	}
	return d, nil
}

// Registry knows the decimal precision of each payment token.
type Registry struct {
	mu       sync.RWMutex
	fallback int32
	decimals map[common.Address]int32
}

func NewRegistry(fallback int32) *Registry {
	if fallback < 0 {
		fallback = DefaultDecimals
	}
	return &Registry{
		fallback: fallback,
		decimals: make(map[common.Address]int32),
	}
}

// Set records the precision of a token.
func (r *Registry) Set(token common.Address, decimals int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decimals[token] = decimals
}

// Decimals returns the precision of token, or the registry fallback.
func (r *Registry) Decimals(token common.Address) int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.decimals[token]; ok {
		return d
	}
	return r.fallback
}

// ToDecimal converts an amount of token into display units.
func (r *Registry) ToDecimal(token common.Address, minor *big.Int) decimal.Decimal {
	return ToDecimal(minor, r.Decimals(token))
}

// ToMinorUnits converts a display amount of token into minor units.
func (r *Registry) ToMinorUnits(token common.Address, amount decimal.Decimal) (*big.Int, error) {
	return ToMinorUnits(amount, r.Decimals(token))
}
