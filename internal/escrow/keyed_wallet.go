package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ChainBackend is the slice of ethclient.Client the keyed wallet needs.
type ChainBackend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// ApproveFunc and ApproveSignFunc stand in for the user looking at a wallet
// prompt. They return false to decline and may block until ctx ends.
type (
	ApproveFunc     func(ctx context.Context, req TxRequest) (bool, error)
	ApproveSignFunc func(ctx context.Context, data apitypes.TypedData) (bool, error)
)

// KeyedWallet is a wallet session backed by a local private key, for
// operators and scripted flows. Gas is estimated before the approval prompt,
// so guard failures surface as reverts with nothing sent.
type KeyedWallet struct {
	backend     ChainBackend
	key         *ecdsa.PrivateKey
	address     common.Address
	chainID     *big.Int
	transacts   *bind.TransactOpts
	approveTx   ApproveFunc
	approveSign ApproveSignFunc
	pollEvery   time.Duration
}

type KeyedWalletConfig struct {
	PrivateKeyHex string
	// ApproveTx and ApproveSign default to approving everything.
	ApproveTx   ApproveFunc
	ApproveSign ApproveSignFunc
	// ReceiptPoll is how often the receipt is polled after broadcast.
	ReceiptPoll time.Duration
}

func NewKeyedWallet(ctx context.Context, backend ChainBackend, cfg KeyedWalletConfig) (*KeyedWallet, error) {
	if backend == nil {
		return nil, errors.New("chain backend is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, errors.New("private key is required for a keyed wallet")
	}
	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	approveTx := cfg.ApproveTx
	if approveTx == nil {
		approveTx = func(context.Context, TxRequest) (bool, error) { return true, nil }
	}
	approveSign := cfg.ApproveSign
	if approveSign == nil {
		approveSign = func(context.Context, apitypes.TypedData) (bool, error) { return true, nil }
	}
	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &KeyedWallet{
		backend:     backend,
		key:         pk,
		address:     crypto.PubkeyToAddress(pk.PublicKey),
		chainID:     chainID,
		transacts:   txOpts,
		approveTx:   approveTx,
		approveSign: approveSign,
		pollEvery:   poll,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (w *KeyedWallet) IsReady() bool { return w != nil && w.key != nil && w.backend != nil }

func (w *KeyedWallet) Address() common.Address { return w.address }

func (w *KeyedWallet) ChainID() *big.Int { return new(big.Int).Set(w.chainID) }

// SignTypedData signs an EIP-712 document with v in {27, 28}.
func (w *KeyedWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	ok, err := w.approveSign(ctx, data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUserRejected
	}
	digest, err := HashTypedData(data)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (w *KeyedWallet) SendTransaction(ctx context.Context, req TxRequest) (TxResult, error) {
	if req.From != w.address {
		return TxResult{}, fmt.Errorf("%w: wallet signs for %s", ErrWalletUnavailable, w.address.Hex())
	}
	data, err := req.Calldata()
	if err != nil {
		return TxResult{}, fmt.Errorf("pack %s: %w", req.Method, err)
	}

	to := req.To
	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: &to, Data: data})
	if err != nil {
		if revData, reason, isRevert := revertPayload(err); isRevert {
			return TxResult{Status: TxReverted, RevertData: revData, RevertReason: reason}, nil
		}
		return TxResult{}, fmt.Errorf("estimate gas for %s: %w", req.Method, err)
	}

	ok, err := w.approveTx(ctx, req)
	if err != nil {
		return TxResult{}, err
	}
	if !ok {
		return TxResult{}, ErrUserRejected
	}

	bound := bind.NewBoundContract(req.To, *req.ABI, w.backend, w.backend, w.backend)
	opts := *w.transacts
	opts.Context = ctx
	opts.GasLimit = gas + gas/5

	tx, err := bound.Transact(&opts, req.Method, req.Args...)
	if err != nil {
		return TxResult{}, fmt.Errorf("%s tx: %w", req.Method, err)
	}

	receipt, err := WaitForReceipt(ctx, w.backend, tx, w.pollEvery)
	if err != nil {
		// Broadcast already happened; the caller has to re-read state.
		return TxResult{Status: TxPending, Hash: tx.Hash(), Broadcast: true}, nil
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return TxResult{Status: TxSuccess, Hash: tx.Hash(), Broadcast: true, Receipt: receipt}, nil
	}

	res := TxResult{Status: TxReverted, Hash: tx.Hash(), Broadcast: true, Receipt: receipt}
	res.RevertData, res.RevertReason = w.replayRevert(ctx, tx, receipt)
	return res, nil
}

// replayRevert re-executes a failed transaction as a call at its block to
// recover the revert reason.
func (w *KeyedWallet) replayRevert(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) ([]byte, string) {
	to := tx.To()
	msg := ethereum.CallMsg{From: w.address, To: to, Gas: tx.Gas(), Value: tx.Value(), Data: tx.Data()}
	_, err := w.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return nil, ""
	}
	data, reason, _ := revertPayload(err)
	return data, reason
}

// Ping checks the RPC endpoint is answering.
func (w *KeyedWallet) Ping(ctx context.Context) error {
	_, err := w.backend.BlockNumber(ctx)
	return err
}
