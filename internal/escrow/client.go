package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"workescrow/internal/contracts"
	"workescrow/internal/units"
)

// Service is the escrow lifecycle as seen by a UI or the HTTP API.
type Service interface {
	CreateEscrow(ctx context.Context, caller common.Address, params EscrowParams) (*CreateResult, error)
	AcceptEscrow(ctx context.Context, caller, contract common.Address, amount decimal.Decimal, token common.Address) (*Outcome, error)
	DeclineContract(ctx context.Context, caller, contract common.Address) (*Outcome, error)
	MarkAsCompleted(ctx context.Context, caller, contract common.Address) (*Outcome, error)
	TriggerInsurance(ctx context.Context, caller, contract common.Address) (*Outcome, error)

	FetchContract(ctx context.Context, contract common.Address) (*Instance, error)
	FetchContractsFor(ctx context.Context, user common.Address, role Role) ([]SnapshotResult, error)
	FetchAllContracts(ctx context.Context) ([]SnapshotResult, error)
	TokenBalance(ctx context.Context, owner, token common.Address) (*Balance, error)
}

// CreateResult is the outcome of CreateEscrow. Address is zero while the
// transaction is pending.
type CreateResult struct {
	*Outcome
	Address common.Address
}

type Config struct {
	Factory common.Address
	ChainID *big.Int
	// Permit2 defaults to the canonical deployment.
	Permit2     common.Address
	Units       *units.Registry
	Retry       RetryPolicy
	PermitTTL   time.Duration
	Nonces      NonceSource
	Concurrency int
	Now         func() time.Time
	Observer    Observer
	Logger      *slog.Logger
}

// Client composes the permit builder, the submitter and the read aggregator
// into the escrow lifecycle. It is safe for concurrent use.
type Client struct {
	wallet    Wallet
	factory   *Factory
	agg       *Aggregator
	submitter *Submitter
	permits   *PermitBuilder
	units     *units.Registry
	now       func() time.Time
	log       *slog.Logger
}

var _ Service = (*Client)(nil)

func NewClient(wallet Wallet, reader Reader, cfg Config) (*Client, error) {
	if reader == nil {
		return nil, errors.New("escrow client: reader is required")
	}
	if cfg.Factory == (common.Address{}) {
		return nil, errors.New("escrow client: factory address is required")
	}
	if cfg.Units == nil {
		cfg.Units = units.NewRegistry(units.DefaultDecimals)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy
	}

	permits, err := NewPermitBuilder(PermitBuilderConfig{
		ChainID: cfg.ChainID,
		Permit2: cfg.Permit2,
		Nonces:  cfg.Nonces,
		TTL:     cfg.PermitTTL,
		Now:     cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.With("component", "escrow")
	agg := NewAggregator(reader, AggregatorConfig{
		Units:       cfg.Units,
		Retry:       cfg.Retry,
		Concurrency: cfg.Concurrency,
		Observer:    cfg.Observer,
		Logger:      logger,
	})
	return &Client{
		wallet:    wallet,
		factory:   NewFactory(cfg.Factory, agg),
		agg:       agg,
		submitter: NewSubmitter(wallet, cfg.Observer, logger),
		permits:   permits,
		units:     cfg.Units,
		now:       cfg.Now,
		log:       logger,
	}, nil
}

func (c *Client) Factory() *Factory { return c.factory }

// Ping reads the factory's Permit2 address. It fails when the node is
// unreachable or nothing is deployed at the factory address.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.factory.Permit2(ctx)
	return err
}

// CreateEscrow signs a permit for the full totalAmount, spendable by the
// factory, and submits createEscrowWithPermit2. On success the new instance
// address is taken from the EscrowCreated log.
func (c *Client) CreateEscrow(ctx context.Context, caller common.Address, params EscrowParams) (*CreateResult, error) {
	if err := c.submitter.Ready(caller); err != nil {
		return nil, err
	}
	if err := params.Validate(caller, c.now()); err != nil {
		return nil, err
	}
	wire, err := params.wire(c.units)
	if err != nil {
		return nil, err
	}

	factory := c.factory.Address()
	permit, err := c.permits.Build(ctx, c.wallet, TransferRequest{
		Owner:   caller,
		Token:   wire.Token,
		Amount:  wire.TotalAmount,
		Spender: factory,
	})
	if err != nil {
		return nil, err
	}

	out, err := c.submitter.Submit(ctx, TxRequest{
		From:    caller,
		To:      factory,
		ABI:     &contracts.FactoryABI,
		Method:  contracts.MethodCreateEscrow,
		Args:    []any{wire, permit.Permit, permit.Transfer, permit.Signature},
		Permits: []*AuthorizedTransfer{permit},
	})
	if err != nil {
		if out != nil {
			return &CreateResult{Outcome: out}, err
		}
		return nil, err
	}

	res := &CreateResult{Outcome: out}
	if out.Pending() {
		return res, nil
	}
	created, err := createdEscrowFromReceipt(out.Receipt, factory)
	if err != nil {
		return res, fmt.Errorf("create escrow %s: %w", out.Hash.Hex(), err)
	}
	res.Address = created.Contract
	c.log.Info("escrow created", "contract", created.Contract.Hex(), "payer", caller.Hex(), "worker", created.Worker.Hex(), "tx", out.Hash.Hex())
	return res, nil
}

// AcceptEscrow stakes amount of token into contract on behalf of caller, who
// must be the designated worker. A zero token is resolved to the instance's
// payment token.
func (c *Client) AcceptEscrow(ctx context.Context, caller, contract common.Address, amount decimal.Decimal, token common.Address) (*Outcome, error) {
	if err := c.submitter.Ready(caller); err != nil {
		return nil, err
	}
	if contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: contract address is required", ErrInvalidParams)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: stake amount must be positive", ErrInvalidParams)
	}
	if token == (common.Address{}) {
		out, err := c.agg.Read(ctx, ReadCall{Contract: contract, ABI: &contracts.EscrowABI, Method: contracts.MethodPaymentToken})
		if err != nil {
			return nil, fmt.Errorf("resolve payment token: %w", err)
		}
		if err := assignOutput(contracts.MethodPaymentToken, &token, out); err != nil {
			return nil, err
		}
	}
	minor, err := c.units.ToMinorUnits(token, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: stake amount: %w", ErrInvalidParams, err)
	}

	permit, err := c.permits.Build(ctx, c.wallet, TransferRequest{
		Owner:   caller,
		Token:   token,
		Amount:  minor,
		Spender: contract,
	})
	if err != nil {
		return nil, err
	}

	return c.submitter.Submit(ctx, TxRequest{
		From:    caller,
		To:      contract,
		ABI:     &contracts.EscrowABI,
		Method:  contracts.MethodAccept,
		Args:    []any{permit.Permit, permit.Transfer, permit.Signature},
		Permits: []*AuthorizedTransfer{permit},
	})
}

// DeclineContract lets the worker turn down a pending agreement.
func (c *Client) DeclineContract(ctx context.Context, caller, contract common.Address) (*Outcome, error) {
	return c.transition(ctx, caller, contract, contracts.MethodDecline)
}

// MarkAsCompleted lets the payer release an accepted agreement.
func (c *Client) MarkAsCompleted(ctx context.Context, caller, contract common.Address) (*Outcome, error) {
	return c.transition(ctx, caller, contract, contracts.MethodMarkAsCompleted)
}

// TriggerInsurance moves an accepted agreement to Failed after the deadline,
// or to Dispute before it.
func (c *Client) TriggerInsurance(ctx context.Context, caller, contract common.Address) (*Outcome, error) {
	return c.transition(ctx, caller, contract, contracts.MethodTriggerInsurance)
}

func (c *Client) transition(ctx context.Context, caller, contract common.Address, method string) (*Outcome, error) {
	if err := c.submitter.Ready(caller); err != nil {
		return nil, err
	}
	if contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: contract address is required", ErrInvalidParams)
	}
	return c.submitter.Submit(ctx, TxRequest{
		From:   caller,
		To:     contract,
		ABI:    &contracts.EscrowABI,
		Method: method,
	})
}

func (c *Client) FetchContract(ctx context.Context, contract common.Address) (*Instance, error) {
	return c.agg.Snapshot(ctx, contract)
}

// FetchContractsFor snapshots every escrow user takes part in, narrowed to
// role. Unreadable instances are kept with their error since their role
// cannot be checked.
func (c *Client) FetchContractsFor(ctx context.Context, user common.Address, role Role) ([]SnapshotResult, error) {
	addrs, err := c.factory.ContractsOf(ctx, user)
	if err != nil {
		return nil, err
	}
	results := c.agg.Snapshots(ctx, addrs)
	if role == RoleAny {
		return results, nil
	}
	filtered := results[:0]
	for _, r := range results {
		if r.Err != nil || r.Instance.HasParticipant(user, role) {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (c *Client) FetchAllContracts(ctx context.Context) ([]SnapshotResult, error) {
	addrs, err := c.factory.AllContracts(ctx)
	if err != nil {
		return nil, err
	}
	return c.agg.Snapshots(ctx, addrs), nil
}
