package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"workescrow/internal/contracts"
	"workescrow/internal/units"
)

// SnapshotResult pairs an address with either its snapshot or the reason it
// could not be read.
type SnapshotResult struct {
	Address  common.Address
	Instance *Instance
	Err      error
}

// Aggregator reads complete escrow snapshots. All field reads of one
// instance are dispatched in parallel and any failure discards the whole
// snapshot.
type Aggregator struct {
	reader      Reader
	units       *units.Registry
	retry       RetryPolicy
	concurrency int
	observer    Observer
	log         *slog.Logger
}

type AggregatorConfig struct {
	Units    *units.Registry
	Retry    RetryPolicy
	// Concurrency caps how many instances are read at once in a batch.
	Concurrency int
	Observer    Observer
	Logger      *slog.Logger
}

func NewAggregator(reader Reader, cfg AggregatorConfig) *Aggregator {
	if cfg.Units == nil {
		cfg.Units = units.NewRegistry(units.DefaultDecimals)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Aggregator{
		reader:      reader,
		units:       cfg.Units,
		retry:       cfg.Retry,
		concurrency: cfg.Concurrency,
		observer:    cfg.Observer,
		log:         cfg.Logger,
	}
}

// Snapshot reads every field of one instance.
func (a *Aggregator) Snapshot(ctx context.Context, contract common.Address) (*Instance, error) {
	var (
		name, overview                                 string
		deadline, insurance, total, stakeStart, shares *big.Int
		token, vault, payer, worker                    common.Address
		status                                         uint8
	)
	fields := []struct {
		method string
		dst    any
	}{
		{contracts.MethodName, &name},
		{contracts.MethodOverview, &overview},
		{contracts.MethodDeadline, &deadline},
		{contracts.MethodInsuranceAmount, &insurance},
		{contracts.MethodTotalAmount, &total},
		{contracts.MethodPaymentToken, &token},
		{contracts.MethodVault, &vault},
		{contracts.MethodPayer, &payer},
		{contracts.MethodWorker, &worker},
		{contracts.MethodStatus, &status},
		{contracts.MethodStakeStart, &stakeStart},
		{contracts.MethodGetBalanceInShares, &shares},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range fields {
		g.Go(func() error {
			out, err := a.Read(gctx, ReadCall{Contract: contract, ABI: &contracts.EscrowABI, Method: f.method})
			if err != nil {
				return err
			}
			return assignOutput(f.method, f.dst, out)
		})
	}
	if err := g.Wait(); err != nil {
		a.observer.ObserveSnapshot("failed")
		return nil, fmt.Errorf("snapshot %s: %w", contract.Hex(), err)
	}

	if !Status(status).Valid() {
		a.observer.ObserveSnapshot("failed")
		return nil, fmt.Errorf("snapshot %s: unknown status %d", contract.Hex(), status)
	}

	decimals := a.units.Decimals(token)
	a.observer.ObserveSnapshot("ok")
	return &Instance{
		Address:         contract,
		Name:            name,
		Overview:        overview,
		Deadline:        unixTime(deadline),
		InsuranceAmount: units.ToDecimal(insurance, decimals),
		TotalAmount:     units.ToDecimal(total, decimals),
		Token:           token,
		Vault:           vault,
		Payer:           payer,
		Worker:          worker,
		Status:          Status(status),
		StakeStart:      unixTime(stakeStart),
		VaultShares:     shares,
		TokenDecimals:   decimals,
	}, nil
}

// Snapshots reads many instances. Each result stands alone: one unreadable
// instance does not affect the others.
func (a *Aggregator) Snapshots(ctx context.Context, addrs []common.Address) []SnapshotResult {
	results := make([]SnapshotResult, len(addrs))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, addr := range addrs {
		g.Go(func() error {
			inst, err := a.Snapshot(ctx, addr)
			if err != nil {
				a.log.Warn("escrow snapshot failed", "contract", addr.Hex(), "error", err)
			}
			results[i] = SnapshotResult{Address: addr, Instance: inst, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Read performs one view call with the retry policy applied.
func (a *Aggregator) Read(ctx context.Context, call ReadCall) ([]any, error) {
	var out []any
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.reader.ReadContractField(ctx, call)
		return err
	}, retryableRead, func(attempt int, err error) {
		a.observer.ObserveReadRetry(call.Method)
		a.log.Debug("retrying read", "method", call.Method, "contract", call.Contract.Hex(), "attempt", attempt, "error", err)
	})
	return out, err
}

func assignOutput(method string, dst any, out []any) error {
	if len(out) != 1 {
		return fmt.Errorf("%s: expected 1 output, got %d", method, len(out))
	}
	ok := false
	switch d := dst.(type) {
	case *string:
		*d, ok = out[0].(string)
	case **big.Int:
		*d, ok = out[0].(*big.Int)
	case *common.Address:
		*d, ok = out[0].(common.Address)
	case *uint8:
		*d, ok = out[0].(uint8)
	case *[]common.Address:
		*d, ok = out[0].([]common.Address)
	}
	if !ok {
		return fmt.Errorf("%s: unexpected output type %T", method, out[0])
	}
	return nil
}
