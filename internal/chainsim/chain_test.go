package chainsim

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workescrow/internal/contracts"
	"workescrow/internal/escrow"
)

var token = common.HexToAddress("0x79A02482A880bCE3F13e09Da970dC34db4CD24d1")

func newTestChain() *Chain {
	start := time.Unix(1_750_000_000, 0)
	return New(Config{Now: func() time.Time { return start }})
}

func signPermit(t *testing.T, c *Chain, key *ecdsa.PrivateKey, permit contracts.PermitTransferFrom, spender common.Address) []byte {
	t.Helper()
	digest, err := escrow.HashTypedData(escrow.PermitTypedData(permit, spender, c.ID(), c.Permit2()))
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return sig
}

func testPermit(c *Chain, amount, nonce int64) contracts.PermitTransferFrom {
	return contracts.PermitTransferFrom{
		Permitted: contracts.TokenPermissions{Token: token, Amount: big.NewInt(amount)},
		Nonce:     big.NewInt(nonce),
		Deadline:  big.NewInt(c.Now().Add(time.Minute).Unix()),
	}
}

func errorSelector(name string) []byte {
	return contracts.Permit2ErrorABI.Errors[name].ID.Bytes()[:4]
}

func sendTx(t *testing.T, c *Chain, key *ecdsa.PrivateKey, to common.Address, data []byte) *types.Transaction {
	t.Helper()
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.PendingNonceAt(context.Background(), from)
	require.NoError(t, err)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(c.ID()), &types.DynamicFeeTx{
		ChainID:   c.ID(),
		Nonce:     nonce,
		GasTipCap: big.NewInt(baseFee),
		GasFeeCap: big.NewInt(3 * baseFee),
		Gas:       gasEstimate,
		To:        &to,
		Data:      data,
	})
	require.NoError(t, err)
	require.NoError(t, c.SendTransaction(context.Background(), tx))
	return tx
}

func TestDevAccountsAreDeterministic(t *testing.T) {
	k1, a1 := DevAccount(0)
	k2, a2 := DevAccount(0)
	_, other := DevAccount(1)

	assert.Equal(t, a1, a2)
	assert.True(t, k1.D.Cmp(k2.D) == 0)
	assert.NotEqual(t, a1, other)

	parsed, err := crypto.HexToECDSA(DevKeyHex(0))
	require.NoError(t, err)
	assert.Equal(t, a1, crypto.PubkeyToAddress(parsed.PublicKey))
}

func TestCallRevertCarriesData(t *testing.T) {
	err := &CallRevert{Data: revertReason("Unauthorized: caller is not the worker")}
	assert.Equal(t, "execution reverted: Unauthorized: caller is not the worker", err.Error())

	var dataErr rpc.DataError
	require.ErrorAs(t, error(err), &dataErr)
	raw, decodeErr := hexutil.Decode(dataErr.ErrorData().(string))
	require.NoError(t, decodeErr)
	assert.Equal(t, err.Data, raw)

	assert.Equal(t, "execution reverted", (&CallRevert{Data: panicCode(panicArrayIndex)}).Error())
}

func TestCheckPermitGuardOrder(t *testing.T) {
	c := newTestChain()
	key, owner := DevAccount(0)
	spender := c.Factory()
	c.Mint(token, owner, big.NewInt(1_000))

	used := testPermit(c, 100, 7)
	c.consumePermit(owner, used, contracts.SignatureTransferDetails{To: spender, RequestedAmount: big.NewInt(1)})

	expired := testPermit(c, 100, 1)
	expired.Deadline = big.NewInt(c.Now().Add(-time.Second).Unix())

	cases := []struct {
		name      string
		permit    contracts.PermitTransferFrom
		requested int64
		sig       func(contracts.PermitTransferFrom) []byte
		want      string
	}{
		{name: "expired", permit: expired, requested: 100, want: "SignatureExpired"},
		{name: "over permitted", permit: testPermit(c, 100, 2), requested: 101, want: "InvalidAmount"},
		{name: "nonce reuse", permit: used, requested: 100, want: "InvalidNonce"},
		{
			name: "short signature", permit: testPermit(c, 100, 3), requested: 100, want: "InvalidSignatureLength",
			sig: func(contracts.PermitTransferFrom) []byte { return make([]byte, 64) },
		},
		{
			name: "other spender", permit: testPermit(c, 100, 4), requested: 100, want: "InvalidSigner",
			sig: func(p contracts.PermitTransferFrom) []byte { return signPermit(t, c, key, p, owner) },
		},
		{name: "insufficient balance", permit: testPermit(c, 5_000, 5), requested: 5_000, want: "ERC20InsufficientBalance"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := signPermit(t, c, key, tc.permit, spender)
			if tc.sig != nil {
				sig = tc.sig(tc.permit)
			}
			details := contracts.SignatureTransferDetails{To: spender, RequestedAmount: big.NewInt(tc.requested)}
			revert := c.checkPermit(owner, spender, tc.permit, details, sig)
			require.GreaterOrEqual(t, len(revert), 4)
			assert.True(t, bytes.Equal(errorSelector(tc.want), revert[:4]), "got selector %x", revert[:4])
		})
	}

	ok := testPermit(c, 100, 6)
	details := contracts.SignatureTransferDetails{To: spender, RequestedAmount: big.NewInt(100)}
	assert.Nil(t, c.checkPermit(owner, spender, ok, details, signPermit(t, c, key, ok, spender)))
}

func TestCreateMinesLogAndIndices(t *testing.T) {
	c := newTestChain()
	key, payer := DevAccount(0)
	_, worker := DevAccount(1)
	c.Mint(token, payer, big.NewInt(10_000))

	params := contracts.EscrowParams{
		Worker:          worker,
		Deadline:        big.NewInt(c.Now().Add(time.Hour).Unix()),
		Overview:        "overview",
		Name:            "name",
		InsuranceAmount: big.NewInt(500),
		TotalAmount:     big.NewInt(4_059),
		Token:           token,
	}
	permit := testPermit(c, 4_059, 1)
	details := contracts.SignatureTransferDetails{To: c.Factory(), RequestedAmount: big.NewInt(4_059)}
	data, err := contracts.FactoryABI.Pack(contracts.MethodCreateEscrow, params, permit, details, signPermit(t, c, key, permit, c.Factory()))
	require.NoError(t, err)

	tx := sendTx(t, c, key, c.Factory(), data)
	receipt, err := c.TransactionReceipt(context.Background(), tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	require.Len(t, receipt.Logs, 1)

	created := crypto.CreateAddress(c.Factory(), 1)
	assert.Equal(t, common.BytesToHash(created.Bytes()), receipt.Logs[0].Topics[1])
	assert.Equal(t, 1, c.Instances())
	assert.Equal(t, "5941", c.BalanceOf(token, payer).String())
	assert.True(t, c.NonceUsed(payer, big.NewInt(1)))

	code, err := c.CodeAt(context.Background(), created, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, code)

	event := contracts.FactoryABI.Events[contracts.EventEscrowCreated]
	logs, err := c.FilterLogs(context.Background(), ethereum.FilterQuery{
		Addresses: []common.Address{c.Factory()},
		Topics:    [][]common.Hash{{event.ID}},
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, tx.Hash(), logs[0].TxHash)

	// Replaying the same permit is rejected on chain.
	_, err = c.EstimateGas(context.Background(), ethereum.CallMsg{From: payer, To: ptr(c.Factory()), Data: data})
	var revert *CallRevert
	require.ErrorAs(t, err, &revert)
	assert.Equal(t, errorSelector("InvalidNonce"), revert.Data[:4])
}

func TestViewsOnEmptyFactory(t *testing.T) {
	c := newTestChain()
	ctx := context.Background()

	data, err := contracts.FactoryABI.Pack(contracts.MethodGetAllContracts)
	require.NoError(t, err)
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: ptr(c.Factory()), Data: data}, nil)
	require.NoError(t, err)
	values, err := contracts.FactoryABI.Unpack(contracts.MethodGetAllContracts, out)
	require.NoError(t, err)
	assert.Empty(t, values[0])

	data, err = contracts.FactoryABI.Pack(contracts.MethodAllEscrows, big.NewInt(0))
	require.NoError(t, err)
	_, err = c.CallContract(ctx, ethereum.CallMsg{To: ptr(c.Factory()), Data: data}, nil)
	var revert *CallRevert
	require.ErrorAs(t, err, &revert)
	assert.Equal(t, panicSelector, revert.Data[:4])

	out, err = c.CallContract(ctx, ethereum.CallMsg{To: ptr(common.HexToAddress("0x1234")), Data: data}, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTokenBalanceView(t *testing.T) {
	c := newTestChain()
	ctx := context.Background()
	_, holder := DevAccount(0)
	_, empty := DevAccount(1)
	c.Mint(token, holder, big.NewInt(4_059_000_000))

	code, err := c.CodeAt(ctx, token, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, code)

	for _, tc := range []struct {
		owner common.Address
		want  string
	}{
		{holder, "4059000000"},
		{empty, "0"},
	} {
		data, err := contracts.ERC20ABI.Pack(contracts.MethodBalanceOf, tc.owner)
		require.NoError(t, err)
		out, err := c.CallContract(ctx, ethereum.CallMsg{To: ptr(token), Data: data}, nil)
		require.NoError(t, err)
		values, err := contracts.ERC20ABI.Unpack(contracts.MethodBalanceOf, out)
		require.NoError(t, err)
		assert.Equal(t, tc.want, values[0].(*big.Int).String())
	}

	data, err := contracts.EscrowABI.Pack(contracts.MethodStatus)
	require.NoError(t, err)
	_, err = c.CallContract(ctx, ethereum.CallMsg{To: ptr(token), Data: data}, nil)
	var revert *CallRevert
	assert.ErrorAs(t, err, &revert)
}

func TestInjectedReadFailures(t *testing.T) {
	c := newTestChain()
	ctx := context.Background()
	data, err := contracts.FactoryABI.Pack(contracts.MethodPermit2)
	require.NoError(t, err)
	call := ethereum.CallMsg{To: ptr(c.Factory()), Data: data}

	c.FailReads(1)
	_, err = c.CallContract(ctx, call, nil)
	assert.ErrorIs(t, err, ErrTransport)
	_, err = c.CallContract(ctx, call, nil)
	assert.NoError(t, err)

	c.Break(c.Factory())
	_, err = c.CallContract(ctx, call, nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, int64(3), c.Reads())
}

func TestHeldTransactionsMineLater(t *testing.T) {
	c := newTestChain()
	key, from := DevAccount(2)
	plain := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	c.HoldMining(true)
	tx := sendTx(t, c, key, plain, nil)

	_, err := c.TransactionReceipt(context.Background(), tx.Hash())
	assert.ErrorIs(t, err, ethereum.NotFound)
	nonce, _ := c.PendingNonceAt(context.Background(), from)
	assert.Equal(t, uint64(1), nonce)

	c.MinePending()
	receipt, err := c.TransactionReceipt(context.Background(), tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	block, _ := c.BlockNumber(context.Background())
	assert.Equal(t, uint64(1), block)

	// Resending the same nonce fails.
	assert.Error(t, c.SendTransaction(context.Background(), tx))
}

func TestAdvanceMovesBlockTime(t *testing.T) {
	c := newTestChain()
	before := c.Now()
	c.Advance(time.Hour)
	assert.Equal(t, time.Hour, c.Now().Sub(before))

	head, err := c.HeaderByNumber(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(c.Now().Unix()), head.Time)
}

func ptr(a common.Address) *common.Address { return &a }
