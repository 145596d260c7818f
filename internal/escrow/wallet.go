package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Wallet is the user's signing session. The client never holds keys; every
// signature and broadcast goes through here, and any call may block until the
// user answers or ctx ends.
//
// Implementations return ErrUserRejected when the user declines.
type Wallet interface {
	// IsReady reports whether a session exists and can be prompted.
	IsReady() bool
	// Address is the account the session signs for.
	Address() common.Address
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	SendTransaction(ctx context.Context, req TxRequest) (TxResult, error)
}

// TxRequest describes one contract call to present to the user.
type TxRequest struct {
	From   common.Address
	To     common.Address
	ABI    *abi.ABI
	Method string
	Args   []any
	// Permits are the signed transfers the call will consume, for display.
	Permits []*AuthorizedTransfer
}

// Calldata packs the request.
func (r TxRequest) Calldata() ([]byte, error) {
	return r.ABI.Pack(r.Method, r.Args...)
}

type TxStatus string

const (
	TxSuccess  TxStatus = "success"
	TxReverted TxStatus = "reverted"
	// TxPending means the transaction was broadcast but the caller stopped
	// waiting for it. It may still be mined.
	TxPending TxStatus = "pending"
)

// TxResult is what the wallet reports back after a SendTransaction that got
// past user approval.
type TxResult struct {
	Status TxStatus
	Hash   common.Hash
	// Broadcast is false when the call was rejected before leaving the
	// wallet, for example by gas estimation.
	Broadcast  bool
	Receipt    *types.Receipt
	RevertData []byte
	// RevertReason is used when the node reports a reason without raw data.
	RevertReason string
}
