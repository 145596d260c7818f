package chainsim

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	_ bind.ContractBackend = (*Chain)(nil)

	// ErrTransport is what injected read failures look like to a client.
	ErrTransport = errors.New("chainsim: connection reset by peer")
)

const (
	gasEstimate = 250_000
	baseFee     = 1_000_000_000
)

// CallRevert is an eth_call or eth_estimateGas revert. It carries the raw
// revert data the way geth's JSON-RPC error does.
type CallRevert struct {
	Data []byte
}

func (e *CallRevert) Error() string {
	if reason, err := abi.UnpackRevert(e.Data); err == nil {
		return "execution reverted: " + reason
	}
	return "execution reverted"
}

func (e *CallRevert) ErrorCode() int { return 3 }

func (e *CallRevert) ErrorData() interface{} { return hexutil.Encode(e.Data) }

func (c *Chain) CodeAt(ctx context.Context, contract common.Address, _ *big.Int) ([]byte, error) {
	return c.PendingCodeAt(ctx, contract)
}

func (c *Chain) PendingCodeAt(_ context.Context, account common.Address) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if account == c.factory || account == c.permit2 || c.escrows[account] != nil || c.balances[account] != nil {
		return []byte{0x60, 0x80, 0x60, 0x40}, nil
	}
	return nil, nil
}

// CallContract serves eth_call. Views return packed outputs; state-changing
// functions are dry-run against current state.
func (c *Chain) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.reads.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if call.To == nil {
		return nil, errors.New("chainsim: contract creation calls are not supported")
	}
	if c.failReads > 0 {
		c.failReads--
		return nil, ErrTransport
	}
	if c.broken[*call.To] {
		return nil, ErrTransport
	}
	_, ret, revert := c.prepare(call.From, *call.To, call.Data)
	if revert != nil {
		return nil, &CallRevert{Data: revert}
	}
	return ret, nil
}

func (c *Chain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := new(big.Int).SetUint64(c.block)
	if number != nil && number.Sign() >= 0 {
		n = new(big.Int).Set(number)
	}
	return &types.Header{
		Number:  n,
		Time:    uint64(c.now().Unix()),
		BaseFee: big.NewInt(baseFee),
	}, nil
}

func (c *Chain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accounts[account], nil
}

func (c *Chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2 * baseFee), nil
}

func (c *Chain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(baseFee), nil
}

// EstimateGas dry-runs the call and reports reverts the way a node does.
func (c *Chain) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.writes.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if call.To == nil {
		return 0, errors.New("chainsim: contract creation is not supported")
	}
	if _, _, revert := c.prepare(call.From, *call.To, call.Data); revert != nil {
		return 0, &CallRevert{Data: revert}
	}
	return gasEstimate, nil
}

// SendTransaction accepts a signed transaction and mines it immediately
// unless mining is held.
func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writes.Add(1)

	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return fmt.Errorf("chainsim: invalid sender: %w", err)
	}
	if tx.To() == nil {
		return errors.New("chainsim: contract creation is not supported")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tx.Nonce() != c.accounts[from] {
		return fmt.Errorf("chainsim: nonce too low: have %d, want %d", tx.Nonce(), c.accounts[from])
	}
	c.accounts[from]++
	if c.hold {
		c.queue = append(c.queue, tx)
		return nil
	}
	c.mine(tx)
	return nil
}

// mine executes tx in a block of its own. Reverted transactions still get a
// receipt. It must be called with mu held.
func (c *Chain) mine(tx *types.Transaction) {
	from, _ := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	c.block++

	receipt := &types.Receipt{
		Type:              tx.Type(),
		Status:            types.ReceiptStatusFailed,
		CumulativeGasUsed: gasEstimate,
		GasUsed:           gasEstimate,
		TxHash:            tx.Hash(),
		BlockNumber:       new(big.Int).SetUint64(c.block),
		BlockHash:         common.BigToHash(new(big.Int).SetUint64(c.block)),
	}
	apply, _, revert := c.prepare(from, *tx.To(), tx.Data())
	if revert == nil {
		receipt.Status = types.ReceiptStatusSuccessful
		receipt.Logs = apply(tx.Hash())
		for i, lg := range receipt.Logs {
			lg.BlockNumber = c.block
			lg.BlockHash = receipt.BlockHash
			lg.Index = uint(len(c.logs) + i)
		}
		for _, lg := range receipt.Logs {
			c.logs = append(c.logs, *lg)
		}
	}
	c.receipts[tx.Hash()] = receipt
}

func (c *Chain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, nil
}

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	return c.ID(), nil
}

// FilterLogs matches on address and the first topic only.
func (c *Chain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Log
	for _, lg := range c.logs {
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, lg.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && !containsHash(q.Topics[0], lg.Topics[0]) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (c *Chain) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("chainsim: subscriptions are not supported")
}

func containsAddr(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}
