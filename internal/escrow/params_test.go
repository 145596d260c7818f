package escrow

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workescrow/internal/units"
)

var (
	testPayer  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	testWorker = common.HexToAddress("0x0000000000000000000000000000000000000abc")
	testVault  = common.HexToAddress("0x00000000000000000000000000000000000000c4")
)

func validParams(now time.Time) EscrowParams {
	return EscrowParams{
		Worker:          testWorker,
		Deadline:        now.Add(30 * time.Minute),
		Overview:        "Landing page redesign",
		Name:            "Website",
		InsuranceAmount: decimal.NewFromInt(500),
		TotalAmount:     decimal.NewFromInt(4059),
		Token:           testToken,
		Vault:           testVault,
	}
}

func TestEscrowParamsValidate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, validParams(now).Validate(testPayer, now))

	cases := map[string]func(p *EscrowParams){
		"missing worker":        func(p *EscrowParams) { p.Worker = common.Address{} },
		"worker is payer":       func(p *EscrowParams) { p.Worker = testPayer },
		"missing token":         func(p *EscrowParams) { p.Token = common.Address{} },
		"missing vault":         func(p *EscrowParams) { p.Vault = common.Address{} },
		"blank name":            func(p *EscrowParams) { p.Name = "  " },
		"deadline now":          func(p *EscrowParams) { p.Deadline = now },
		"deadline past":         func(p *EscrowParams) { p.Deadline = now.Add(-time.Minute) },
		"negative insurance":    func(p *EscrowParams) { p.InsuranceAmount = decimal.NewFromInt(-1) },
		"zero total":            func(p *EscrowParams) { p.TotalAmount = decimal.Zero },
		"total below insurance": func(p *EscrowParams) { p.TotalAmount = decimal.NewFromInt(499) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validParams(now)
			mutate(&p)
			assert.ErrorIs(t, p.Validate(testPayer, now), ErrInvalidParams)
		})
	}
}

func TestEscrowParamsEqualAmountsAllowed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := validParams(now)
	p.TotalAmount = p.InsuranceAmount
	assert.NoError(t, p.Validate(testPayer, now))
}

func TestEscrowParamsWire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := units.NewRegistry(units.DefaultDecimals)
	reg.Set(testToken, 6)

	p := validParams(now)
	p.TotalAmount = decimal.RequireFromString("4059.5")
	w, err := p.wire(reg)
	require.NoError(t, err)

	assert.Equal(t, "4059500000", w.TotalAmount.String())
	assert.Equal(t, "500000000", w.InsuranceAmount.String())
	assert.Equal(t, now.Add(30*time.Minute).Unix(), w.Deadline.Int64())
	assert.Equal(t, testWorker, w.Worker)
	assert.Equal(t, "Website", w.Name)

	p.TotalAmount = decimal.RequireFromString("1.0000001")
	_, err = p.wire(reg)
	assert.ErrorIs(t, err, ErrInvalidParams)

	p.TotalAmount = decimal.New(1, 80)
	_, err = p.wire(reg)
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.ErrorIs(t, err, units.ErrNotRepresentable)
}
