package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"workescrow/internal/contracts"
)

// CanonicalPermit2 is the Uniswap Permit2 deployment address, identical on
// every EVM chain it is deployed to.
var CanonicalPermit2 = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")

// DefaultPermitTTL bounds how long a signed permit stays usable. It has to
// outlast a slow user confirming the follow-up transaction.
const DefaultPermitTTL = 30 * time.Minute

// Permit2 EIP-712 types for SignatureTransfer.permitTransferFrom. Field order
// is part of the type hash.
var permitTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"PermitTransferFrom": {
		{Name: "permitted", Type: "TokenPermissions"},
		{Name: "spender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	"TokenPermissions": {
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	},
}

// AuthorizedTransfer is a signed, single-use permission for Spender to pull
// Permit.Permitted.Amount of a token from Owner. It lives only for the
// duration of one submission.
type AuthorizedTransfer struct {
	Owner     common.Address
	Spender   common.Address
	Permit    contracts.PermitTransferFrom
	Transfer  contracts.SignatureTransferDetails
	Signature []byte
}

// TransferRequest is the input to PermitBuilder.Build.
type TransferRequest struct {
	Owner   common.Address
	Token   common.Address
	Amount  *big.Int
	Spender common.Address
	// Recipient defaults to Spender.
	Recipient common.Address
}

// PermitBuilder assembles and signs Permit2 transfers. It talks to nothing
// but the wallet.
type PermitBuilder struct {
	chainID *big.Int
	permit2 common.Address
	nonces  NonceSource
	ttl     time.Duration
	now     func() time.Time
}

type PermitBuilderConfig struct {
	ChainID *big.Int
	Permit2 common.Address
	Nonces  NonceSource
	TTL     time.Duration
	Now     func() time.Time
}

func NewPermitBuilder(cfg PermitBuilderConfig) (*PermitBuilder, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("permit builder: chain id is required")
	}
	if cfg.Permit2 == (common.Address{}) {
		cfg.Permit2 = CanonicalPermit2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Nonces == nil {
		cfg.Nonces = NewClockNonces(cfg.Now)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultPermitTTL
	}
	return &PermitBuilder{
		chainID: new(big.Int).Set(cfg.ChainID),
		permit2: cfg.Permit2,
		nonces:  cfg.Nonces,
		ttl:     cfg.TTL,
		now:     cfg.Now,
	}, nil
}

// Build draws a fresh nonce, signs the permit with wallet and returns it
// unsubmitted. Retrying after ErrUserRejected is safe.
func (b *PermitBuilder) Build(ctx context.Context, wallet Wallet, req TransferRequest) (*AuthorizedTransfer, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidParams)
	}
	if req.Spender == (common.Address{}) {
		return nil, fmt.Errorf("%w: spender is required", ErrInvalidParams)
	}
	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = req.Spender
	}

	transfer := &AuthorizedTransfer{
		Owner:   req.Owner,
		Spender: req.Spender,
		Permit: contracts.PermitTransferFrom{
			Permitted: contracts.TokenPermissions{
				Token:  req.Token,
				Amount: new(big.Int).Set(req.Amount),
			},
			Nonce:    b.nonces.Next(),
			Deadline: big.NewInt(b.now().Add(b.ttl).Unix()),
		},
		Transfer: contracts.SignatureTransferDetails{
			To:              recipient,
			RequestedAmount: new(big.Int).Set(req.Amount),
		},
	}

	sig, err := wallet.SignTypedData(ctx, PermitTypedData(transfer.Permit, req.Spender, b.chainID, b.permit2))
	if err != nil {
		return nil, walletError(ctx, "sign permit", err, ErrPermitInvalid)
	}
	transfer.Signature = sig
	return transfer, nil
}

// PermitTypedData is the EIP-712 document Permit2 hashes when verifying
// permitTransferFrom for spender.
func PermitTypedData(permit contracts.PermitTransferFrom, spender common.Address, chainID *big.Int, permit2 common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       permitTypes,
		PrimaryType: "PermitTransferFrom",
		Domain: apitypes.TypedDataDomain{
			Name:              "Permit2",
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: permit2.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]interface{}{
				"token":  permit.Permitted.Token.Hex(),
				"amount": new(big.Int).Set(permit.Permitted.Amount),
			},
			"spender":  spender.Hex(),
			"nonce":    new(big.Int).Set(permit.Nonce),
			"deadline": new(big.Int).Set(permit.Deadline),
		},
	}
}

// HashTypedData computes keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func HashTypedData(data apitypes.TypedData) ([]byte, error) {
	messageHash, err := data.HashStruct(data.PrimaryType, data.Message)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", data.PrimaryType, err)
	}
	domainSeparator, err := data.HashStruct("EIP712Domain", data.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

// RecoverSigner returns the address that produced sig over data.
func RecoverSigner(data apitypes.TypedData, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d", len(sig))
	}
	digest, err := HashTypedData(data)
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
