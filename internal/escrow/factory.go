package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"workescrow/internal/contracts"
)

// Factory reads the factory's indices. Writes go through Client.
type Factory struct {
	address common.Address
	agg     *Aggregator
}

func NewFactory(address common.Address, agg *Aggregator) *Factory {
	return &Factory{address: address, agg: agg}
}

func (f *Factory) Address() common.Address { return f.address }

// ContractsOf lists every escrow user is party to, as payer or worker, in
// creation order.
func (f *Factory) ContractsOf(ctx context.Context, user common.Address) ([]common.Address, error) {
	return f.addresses(ctx, ReadCall{Method: contracts.MethodGetContractsOf, Args: []any{user}})
}

func (f *Factory) AllContracts(ctx context.Context) ([]common.Address, error) {
	return f.addresses(ctx, ReadCall{Method: contracts.MethodGetAllContracts})
}

// MyContracts is getMyContracts called with msg.sender = caller.
func (f *Factory) MyContracts(ctx context.Context, caller common.Address) ([]common.Address, error) {
	return f.addresses(ctx, ReadCall{Method: contracts.MethodGetMyContracts, From: caller})
}

func (f *Factory) EscrowAt(ctx context.Context, index uint64) (common.Address, error) {
	return f.address1(ctx, ReadCall{Method: contracts.MethodAllEscrows, Args: []any{new(big.Int).SetUint64(index)}})
}

func (f *Factory) EscrowByPayerAt(ctx context.Context, payer common.Address, index uint64) (common.Address, error) {
	return f.address1(ctx, ReadCall{Method: contracts.MethodEscrowsByPayer, Args: []any{payer, new(big.Int).SetUint64(index)}})
}

func (f *Factory) EscrowByWorkerAt(ctx context.Context, worker common.Address, index uint64) (common.Address, error) {
	return f.address1(ctx, ReadCall{Method: contracts.MethodEscrowsByWorker, Args: []any{worker, new(big.Int).SetUint64(index)}})
}

// Permit2 is the Permit2 deployment the factory pulls funds through.
func (f *Factory) Permit2(ctx context.Context) (common.Address, error) {
	return f.address1(ctx, ReadCall{Method: contracts.MethodPermit2})
}

func (f *Factory) addresses(ctx context.Context, call ReadCall) ([]common.Address, error) {
	call.Contract = f.address
	call.ABI = &contracts.FactoryABI
	out, err := f.agg.Read(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("factory %s: %w", call.Method, err)
	}
	var addrs []common.Address
	if err := assignOutput(call.Method, &addrs, out); err != nil {
		return nil, err
	}
	return addrs, nil
}

func (f *Factory) address1(ctx context.Context, call ReadCall) (common.Address, error) {
	call.Contract = f.address
	call.ABI = &contracts.FactoryABI
	out, err := f.agg.Read(ctx, call)
	if err != nil {
		return common.Address{}, fmt.Errorf("factory %s: %w", call.Method, err)
	}
	var addr common.Address
	if err := assignOutput(call.Method, &addr, out); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}
