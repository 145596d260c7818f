package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// ReadCall is one view-function invocation.
type ReadCall struct {
	Contract common.Address
	ABI      *abi.ABI
	Method   string
	Args     []any
	// From sets msg.sender for functions such as getMyContracts.
	From common.Address
}

// Reader executes view calls and returns the decoded outputs.
type Reader interface {
	ReadContractField(ctx context.Context, call ReadCall) ([]any, error)
}

// RPCReader reads through any bind.ContractCaller (an ethclient in
// production), throttled so that fan-out reads stay under the node's rate
// limit.
type RPCReader struct {
	caller  bind.ContractCaller
	limiter *rate.Limiter
}

// NewRPCReader builds a reader. rps <= 0 disables throttling.
func NewRPCReader(caller bind.ContractCaller, rps float64, burst int) *RPCReader {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RPCReader{caller: caller, limiter: limiter}
}

func (r *RPCReader) ReadContractField(ctx context.Context, call ReadCall) ([]any, error) {
	data, err := call.ABI.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", call.Method, err)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	to := call.Contract
	msg := ethereum.CallMsg{From: call.From, To: &to, Data: data}
	raw, err := r.caller.CallContract(ctx, msg, nil)
	if err != nil {
		if rerr, ok := revertFromCallError(call.Method, err); ok {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: call %s on %s: %v", ErrNetwork, call.Method, to.Hex(), err)
	}
	if len(raw) == 0 {
		// An empty return from a function with outputs means no code lives
		// at the address.
		return nil, fmt.Errorf("call %s on %s: %w", call.Method, to.Hex(), bind.ErrNoCode)
	}

	out, err := call.ABI.Unpack(call.Method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", call.Method, err)
	}
	return out, nil
}

// retryableRead reports whether a read failure is worth another attempt.
// Reverts, decoding failures and a missing contract will not heal.
func retryableRead(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrNetwork)
}
