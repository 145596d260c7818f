package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"workescrow/internal/contracts"
	"workescrow/internal/units"
)

// EscrowParams is what a payer fills in to open an agreement. Amounts are in
// display units of Token.
type EscrowParams struct {
	Worker          common.Address
	Deadline        time.Time
	Overview        string
	Name            string
	InsuranceAmount decimal.Decimal
	TotalAmount     decimal.Decimal
	Token           common.Address
	Vault           common.Address
}

// Validate checks the preconditions the factory enforces, so a doomed
// creation never reaches the wallet.
func (p EscrowParams) Validate(payer common.Address, now time.Time) error {
	switch {
	case p.Worker == (common.Address{}):
		return fmt.Errorf("%w: worker address is required", ErrInvalidParams)
	case p.Worker == payer:
		return fmt.Errorf("%w: payer and worker must differ", ErrInvalidParams)
	case p.Token == (common.Address{}):
		return fmt.Errorf("%w: token address is required", ErrInvalidParams)
	case p.Vault == (common.Address{}):
		return fmt.Errorf("%w: vault address is required", ErrInvalidParams)
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidParams)
	case !p.Deadline.After(now):
		return fmt.Errorf("%w: deadline must be in the future", ErrInvalidParams)
	case p.InsuranceAmount.IsNegative():
		return fmt.Errorf("%w: insurance amount must not be negative", ErrInvalidParams)
	case !p.TotalAmount.IsPositive():
		return fmt.Errorf("%w: total amount must be positive", ErrInvalidParams)
	case p.TotalAmount.LessThan(p.InsuranceAmount):
		return fmt.Errorf("%w: total amount %s is below insurance amount %s",
			ErrInvalidParams, p.TotalAmount, p.InsuranceAmount)
	}
	return nil
}

// wire converts the parameters into the factory's tuple.
func (p EscrowParams) wire(reg *units.Registry) (contracts.EscrowParams, error) {
	insurance, err := reg.ToMinorUnits(p.Token, p.InsuranceAmount)
	if err != nil {
		return contracts.EscrowParams{}, fmt.Errorf("%w: insurance amount: %w", ErrInvalidParams, err)
	}
	total, err := reg.ToMinorUnits(p.Token, p.TotalAmount)
	if err != nil {
		return contracts.EscrowParams{}, fmt.Errorf("%w: total amount: %w", ErrInvalidParams, err)
	}
	return contracts.EscrowParams{
		Worker:          p.Worker,
		Deadline:        big.NewInt(p.Deadline.Unix()),
		Overview:        p.Overview,
		Name:            p.Name,
		InsuranceAmount: insurance,
		TotalAmount:     total,
		Token:           p.Token,
		Vault:           p.Vault,
	}, nil
}
