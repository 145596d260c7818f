package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"workescrow/internal/contracts"
)

var (
	errorStringSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
	panicSelector       = crypto.Keccak256([]byte("Panic(uint256)"))[:4]
)

var customErrorKinds = map[string]error{
	"InvalidNonce":               ErrNonceReuse,
	"SignatureExpired":           ErrPermitInvalid,
	"InvalidAmount":              ErrPermitInvalid,
	"LengthMismatch":             ErrPermitInvalid,
	"InvalidSignature":           ErrPermitInvalid,
	"InvalidSignatureLength":     ErrPermitInvalid,
	"InvalidSigner":              ErrPermitInvalid,
	"InvalidContractSignature":   ErrPermitInvalid,
	"ERC20InsufficientBalance":   ErrInsufficientFunds,
	"ERC20InsufficientAllowance": ErrInsufficientFunds,
}

// decodeRevert turns raw revert data into a classified RevertError.
func decodeRevert(method string, data []byte, mined bool) *RevertError {
	rerr := &RevertError{Method: method, Mined: mined}
	if len(data) < 4 {
		return rerr
	}

	selector := data[:4]
	switch {
	case bytes.Equal(selector, errorStringSelector):
		reason, err := abi.UnpackRevert(data)
		if err != nil {
			rerr.Reason = hexutil.Encode(data)
			return rerr
		}
		rerr.Reason = reason
		rerr.Kind = classifyReason(reason)
		return rerr
	case bytes.Equal(selector, panicSelector):
		rerr.Reason = "panic " + hexutil.Encode(data[4:])
		return rerr
	}

	for name, def := range contracts.Permit2ErrorABI.Errors {
		if !bytes.Equal(def.ID.Bytes()[:4], selector) {
			continue
		}
		rerr.Kind = customErrorKinds[name]
		rerr.Reason = name
		if args, err := def.Unpack(data); err == nil {
			if values, ok := args.([]interface{}); ok && len(values) > 0 {
				rerr.Reason = fmt.Sprintf("%s%v", name, values)
			}
		}
		return rerr
	}

	rerr.Reason = "custom error " + hexutil.Encode(selector)
	return rerr
}

// classifyReason maps a require() message onto the guard taxonomy.
func classifyReason(reason string) error {
	r := strings.ToLower(reason)
	switch {
	case containsAny(r, "unauthorized", "not authorized", "only worker", "only payer", "not worker", "not payer", "caller is not"):
		return ErrUnauthorized
	case containsAny(r, "nonce"):
		return ErrNonceReuse
	case containsAny(r, "permit", "signature"):
		return ErrPermitInvalid
	case containsAny(r, "deadline", "expired"):
		return ErrDeadlineExpired
	case containsAny(r, "insufficient", "exceeds balance", "transfer_from_failed"):
		return ErrInsufficientFunds
	case containsAny(r, "state", "status", "not pending", "not accepted"):
		return ErrInvalidState
	}
	return nil
}

// revertFromCallError pulls revert data out of an RPC error returned by
// eth_call or eth_estimateGas. ok is false when err is not a revert at all.
func revertFromCallError(method string, err error) (*RevertError, bool) {
	data, reason, ok := revertPayload(err)
	if !ok {
		return nil, false
	}
	if len(data) > 0 {
		return decodeRevert(method, data, false), true
	}
	return &RevertError{Method: method, Reason: reason, Kind: classifyReason(reason)}, true
}

// revertPayload extracts raw revert data, or failing that the reason text the
// node put in the error message.
func revertPayload(err error) (data []byte, reason string, ok bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, isString := dataErr.ErrorData().(string); isString {
			if decoded, decErr := hexutil.Decode(raw); decErr == nil && len(decoded) > 0 {
				return decoded, "", true
			}
		}
	}

	msg := err.Error()
	const marker = "execution reverted"
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return nil, "", false
	}
	return nil, strings.TrimSpace(strings.TrimPrefix(msg[idx+len(marker):], ":")), true
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
