package escrow

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"
)

// testWallet is a scriptable in-process wallet session.
type testWallet struct {
	key   *ecdsa.PrivateKey
	ready bool

	mu         sync.Mutex
	rejectSign bool
	signErr    error
	send       func(ctx context.Context, req TxRequest) (TxResult, error)
	signs      int
	sends      []TxRequest
}

func newTestWallet(t *testing.T) *testWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &testWallet{key: key, ready: true}
}

func (w *testWallet) IsReady() bool { return w.ready }

func (w *testWallet) Address() common.Address { return crypto.PubkeyToAddress(w.key.PublicKey) }

func (w *testWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	w.mu.Lock()
	w.signs++
	reject, signErr := w.rejectSign, w.signErr
	w.mu.Unlock()
	if reject {
		return nil, ErrUserRejected
	}
	if signErr != nil {
		return nil, signErr
	}
	digest, err := HashTypedData(data)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (w *testWallet) SendTransaction(ctx context.Context, req TxRequest) (TxResult, error) {
	w.mu.Lock()
	w.sends = append(w.sends, req)
	send := w.send
	w.mu.Unlock()
	if send == nil {
		return TxResult{Status: TxSuccess, Hash: common.HexToHash("0x01"), Broadcast: true}, nil
	}
	return send(ctx, req)
}

func (w *testWallet) sent() []TxRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]TxRequest(nil), w.sends...)
}

// fieldReader answers view calls from a per-method table.
type fieldReader struct {
	mu     sync.Mutex
	values map[common.Address]map[string]any
	errs   map[string][]error
	calls  map[string]int
}

func newFieldReader() *fieldReader {
	return &fieldReader{
		values: make(map[common.Address]map[string]any),
		errs:   make(map[string][]error),
		calls:  make(map[string]int),
	}
}

func (r *fieldReader) set(contract common.Address, method string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values[contract] == nil {
		r.values[contract] = make(map[string]any)
	}
	r.values[contract][method] = v
}

// failWith queues errors returned, in order, by the next calls of method.
func (r *fieldReader) failWith(method string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[method] = append(r.errs[method], errs...)
}

func (r *fieldReader) count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

func (r *fieldReader) ReadContractField(_ context.Context, call ReadCall) ([]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[call.Method]++
	if queued := r.errs[call.Method]; len(queued) > 0 {
		r.errs[call.Method] = queued[1:]
		return nil, queued[0]
	}
	v, ok := r.values[call.Contract][call.Method]
	if !ok {
		return nil, fmt.Errorf("%w: no value for %s", ErrNetwork, call.Method)
	}
	return []any{v}, nil
}
