package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"workescrow/internal/contracts"
)

// Balance is an ERC20 holding in display units of Token.
type Balance struct {
	Owner    common.Address  `json:"owner"`
	Token    common.Address  `json:"token"`
	Amount   decimal.Decimal `json:"amount"`
	Decimals int32           `json:"decimals"`
}

// TokenBalance reads owner's balanceOf on token, with the same retry policy
// as escrow field reads.
func (c *Client) TokenBalance(ctx context.Context, owner, token common.Address) (*Balance, error) {
	if owner == (common.Address{}) || token == (common.Address{}) {
		return nil, fmt.Errorf("%w: owner and token are required", ErrInvalidParams)
	}
	out, err := c.agg.Read(ctx, ReadCall{
		Contract: token,
		ABI:      &contracts.ERC20ABI,
		Method:   contracts.MethodBalanceOf,
		Args:     []any{owner},
	})
	if err != nil {
		return nil, fmt.Errorf("balance of %s in %s: %w", owner.Hex(), token.Hex(), err)
	}
	var minor *big.Int
	if err := assignOutput(contracts.MethodBalanceOf, &minor, out); err != nil {
		return nil, err
	}
	return &Balance{
		Owner:    owner,
		Token:    token,
		Amount:   c.units.ToDecimal(token, minor),
		Decimals: c.units.Decimals(token),
	}, nil
}
