package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workescrow/internal/chainsim"
	"workescrow/internal/config"
	"workescrow/internal/escrow"
	"workescrow/internal/hmacauth"
	"workescrow/internal/idempotency"
	"workescrow/internal/logging"
	"workescrow/internal/units"
)

const testSecret = "test-secret"

var usdc = common.HexToAddress("0x79A02482A880bCE3F13e09Da970dC34db4CD24d1")

type fixture struct {
	cfg    *config.AppConfig
	chain  *chainsim.Chain
	payer  common.Address
	worker common.Address
	// payerAPI and workerAPI each hold the key of one party.
	payerAPI  *Server
	workerAPI *Server
}

func testConfig(t *testing.T) *config.AppConfig {
	return &config.AppConfig{
		Service: config.ServiceConfig{
			HMACSecret:        testSecret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
			DLQPath:           t.TempDir(),
			WriteTimeout:      10 * time.Second,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	start := time.Unix(1_750_000_000, 0)
	chain := chainsim.New(chainsim.Config{Now: func() time.Time { return start }})
	f := &fixture{cfg: testConfig(t), chain: chain}

	var payerClient, workerClient *escrow.Client
	payerMetrics, workerMetrics := NewMetrics(), NewMetrics()
	payerClient, f.payer = newChainClient(t, chain, 0, payerMetrics)
	workerClient, f.worker = newChainClient(t, chain, 1, workerMetrics)
	chain.Mint(usdc, f.payer, big.NewInt(100_000_000_000))
	chain.Mint(usdc, f.worker, big.NewInt(10_000_000_000))

	f.payerAPI = NewServer(f.cfg, payerClient, idempotency.NewMemoryStore(), payerMetrics, logging.Discard())
	f.workerAPI = NewServer(f.cfg, workerClient, idempotency.NewMemoryStore(), workerMetrics, logging.Discard())
	return f
}

func newChainClient(t *testing.T, chain *chainsim.Chain, account int, metrics *Metrics) (*escrow.Client, common.Address) {
	t.Helper()
	wallet, err := escrow.NewKeyedWallet(context.Background(), chain, escrow.KeyedWalletConfig{
		PrivateKeyHex: chainsim.DevKeyHex(account),
		ReceiptPoll:   time.Millisecond,
	})
	require.NoError(t, err)

	reg := units.NewRegistry(units.DefaultDecimals)
	reg.Set(usdc, 6)
	client, err := escrow.NewClient(wallet, escrow.NewRPCReader(chain, 0, 0), escrow.Config{
		Factory:  chain.Factory(),
		ChainID:  chain.ID(),
		Permit2:  chain.Permit2(),
		Units:    reg,
		Retry:    escrow.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1},
		Now:      chain.Now,
		Observer: metrics,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	return client, wallet.Address()
}

func signedRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(hmacauth.DefaultTimestampHeader, ts)
	req.Header.Set(hmacauth.DefaultSignatureHeader, hmacauth.Sign(testSecret, ts, method, req.URL.Path, raw))
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createBody() map[string]string {
	return map[string]string{
		"caller":          f.payer.Hex(),
		"worker":          f.worker.Hex(),
		"deadline":        strconv.FormatInt(f.chain.Now().Add(30*time.Minute).Unix(), 10),
		"overview":        "Build the landing page",
		"name":            "Website",
		"insuranceAmount": "500",
		"totalAmount":     "4059",
		"token":           usdc.Hex(),
		"vault":           "0x00000000000000000000000000000000000000c4",
	}
}

func (f *fixture) create(t *testing.T, key string) (*httptest.ResponseRecorder, writeResponse) {
	t.Helper()
	req := signedRequest(t, http.MethodPost, "/api/v1/escrows", f.createBody())
	req.Header.Set(headerIdempotencyKey, key)
	rec := serve(f.payerAPI, req)
	var resp writeResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestCreateEscrowIdempotency(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.create(t, "key-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, string(escrow.TxSuccess), resp.Status)
	assert.True(t, common.IsHexAddress(resp.Contract))
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	rec2, _ := f.create(t, "key-1")
	assert.Equal(t, http.StatusCreated, rec2.Code)
	assert.Equal(t, "true", rec2.Header().Get(headerReplayed))
	assert.Equal(t, rec.Body.String(), rec2.Body.String())
	assert.Equal(t, 1, f.chain.Instances(), "a replay must not broadcast again")

	rec3, resp3 := f.create(t, "key-2")
	assert.Equal(t, http.StatusCreated, rec3.Code)
	assert.NotEqual(t, resp.Contract, resp3.Contract)
	assert.Equal(t, 2, f.chain.Instances())
}

func TestFetchAndListEscrows(t *testing.T) {
	f := newFixture(t)
	_, created := f.create(t, "key-1")

	rec := serve(f.payerAPI, signedRequest(t, http.MethodGet, "/api/v1/escrows/"+created.Contract, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var inst struct {
		Status      string `json:"status"`
		TotalAmount string `json:"totalAmount"`
		Worker      string `json:"worker"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, "Pending", inst.Status)
	assert.Equal(t, "4059", inst.TotalAmount)
	assert.True(t, strings.EqualFold(f.worker.Hex(), inst.Worker))

	for _, tc := range []struct {
		query string
		want  int
	}{
		{"", 1},
		{"?account=" + f.payer.Hex(), 1},
		{"?account=" + f.payer.Hex() + "&role=payer", 1},
		{"?account=" + f.payer.Hex() + "&role=worker", 0},
		{"?account=" + f.worker.Hex() + "&role=worker", 1},
	} {
		rec := serve(f.payerAPI, signedRequest(t, http.MethodGet, "/api/v1/escrows"+tc.query, nil))
		require.Equal(t, http.StatusOK, rec.Code, tc.query)
		var list struct {
			Escrows []listEntry `json:"escrows"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		assert.Len(t, list.Escrows, tc.want, tc.query)
	}

	rec = serve(f.payerAPI, signedRequest(t, http.MethodGet, "/api/v1/escrows?account=0x12&role=payer", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(f.payerAPI, signedRequest(t, http.MethodGet, "/api/v1/escrows?account="+f.payer.Hex()+"&role=arbiter", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetchUnknownEscrowIsNotFound(t *testing.T) {
	f := newFixture(t)
	rec := serve(f.payerAPI, signedRequest(t, http.MethodGet, "/api/v1/escrows/0x00000000000000000000000000000000000000ee", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenBalances(t *testing.T) {
	f := newFixture(t)
	type balances struct {
		Account  string         `json:"account"`
		Balances []balanceEntry `json:"balances"`
	}

	rec := serve(f.payerAPI, signedRequest(t, http.MethodGet, "/api/v1/balances/"+f.worker.Hex()+"?token="+usdc.Hex(), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got balances
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Balances, 1)
	assert.Equal(t, f.worker.Hex(), got.Account)
	assert.Equal(t, "10000", got.Balances[0].Amount)
	assert.Equal(t, int32(6), got.Balances[0].Decimals)

	rec = serve(f.payerAPI, signedRequest(t, http.MethodGet, "/api/v1/balances/"+f.payer.Hex(), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no token and none configured")

	f.cfg.Deployment.Tokens = []config.TokenConfig{{Symbol: "USDC.e", Address: usdc.Hex(), Decimals: 6}}
	rec = serve(f.payerAPI, signedRequest(t, http.MethodGet, "/api/v1/balances/"+f.payer.Hex(), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = balances{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Balances, 1)
	assert.Equal(t, "USDC.e", got.Balances[0].Symbol)
	assert.Equal(t, "100000", got.Balances[0].Amount)

	rec = serve(f.payerAPI, signedRequest(t, http.MethodGet, "/api/v1/balances/"+f.payer.Hex()+"?token=0x00000000000000000000000000000000000000ee", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(f.payerAPI, signedRequest(t, http.MethodGet, "/api/v1/balances/not-an-address", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycleThroughAPI(t *testing.T) {
	f := newFixture(t)
	_, created := f.create(t, "create-1")
	base := "/api/v1/escrows/" + created.Contract

	req := signedRequest(t, http.MethodPost, base+"/accept", map[string]string{"caller": f.worker.Hex(), "amount": "500"})
	req.Header.Set(headerIdempotencyKey, "accept-1")
	rec := serve(f.workerAPI, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = signedRequest(t, http.MethodPost, base+"/complete", map[string]string{"caller": f.payer.Hex()})
	req.Header.Set(headerIdempotencyKey, "complete-1")
	rec = serve(f.payerAPI, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp writeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "markAsCompleted", resp.Method)
	assert.NotZero(t, resp.Block)
	assert.Equal(t, "14059000000", f.chain.BalanceOf(usdc, f.worker).String())
}

func TestWriteErrorsMapToStatus(t *testing.T) {
	f := newFixture(t)
	_, created := f.create(t, "create-1")
	base := "/api/v1/escrows/" + created.Contract

	// Only the worker may decline.
	req := signedRequest(t, http.MethodPost, base+"/decline", map[string]string{"caller": f.payer.Hex()})
	req.Header.Set(headerIdempotencyKey, "decline-1")
	rec := serve(f.payerAPI, req)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unauthorized", body.Kind)
	assert.Contains(t, body.Reason, "caller is not the worker")
	assert.False(t, body.Recoverable)

	// The API's wallet belongs to the payer, so acting as the worker fails
	// before anything is signed.
	req = signedRequest(t, http.MethodPost, base+"/decline", map[string]string{"caller": f.worker.Hex()})
	req.Header.Set(headerIdempotencyKey, "decline-2")
	rec = serve(f.payerAPI, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Recoverable)

	body2 := f.createBody()
	body2["totalAmount"] = "100"
	req = signedRequest(t, http.MethodPost, "/api/v1/escrows", body2)
	req.Header.Set(headerIdempotencyKey, "create-bad")
	rec = serve(f.payerAPI, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = signedRequest(t, http.MethodPost, base+"/decline", map[string]string{"caller": f.worker.Hex()})
	rec = serve(f.workerAPI, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing idempotency key")

	req = signedRequest(t, http.MethodPost, "/api/v1/escrows/not-an-address/decline", map[string]string{"caller": f.worker.Hex()})
	req.Header.Set(headerIdempotencyKey, "decline-3")
	rec = serve(f.workerAPI, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = signedRequest(t, http.MethodPost, base+"/decline", map[string]any{"caller": f.worker.Hex(), "extra": 1})
	req.Header.Set(headerIdempotencyKey, "decline-4")
	rec = serve(f.workerAPI, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestUnsignedRequestRejected(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/escrows", nil)
	rec := serve(f.payerAPI, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.chain.Reads())
}

func TestNetworkFailureIsJournaled(t *testing.T) {
	f := newFixture(t)
	_, created := f.create(t, "create-1")
	f.chain.Break(common.HexToAddress(created.Contract))

	req := signedRequest(t, http.MethodPost, "/api/v1/escrows/"+created.Contract+"/accept", map[string]string{"caller": f.worker.Hex(), "amount": "500"})
	req.Header.Set(headerIdempotencyKey, "accept-1")
	rec := serve(f.workerAPI, req)
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())

	entries, err := os.ReadDir(f.cfg.Service.DLQPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	raw, err := os.ReadFile(f.cfg.Service.DLQPath + "/" + entries[0].Name())
	require.NoError(t, err)
	var entry dlqEntry
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, "accept", entry.Operation)
	assert.Equal(t, f.worker.Hex(), entry.Caller)
	assert.JSONEq(t, `{"caller":"`+f.worker.Hex()+`","amount":"500"}`, string(entry.Payload))
}

func TestHealthReportsRPC(t *testing.T) {
	f := newFixture(t)

	rec := serve(f.payerAPI, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	f.chain.Break(f.chain.Factory())
	rec = serve(f.payerAPI, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestMetricsExposeSubmissions(t *testing.T) {
	f := newFixture(t)
	f.create(t, "key-1")
	f.create(t, "key-1")

	rec := serve(f.payerAPI, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `workescrow_submissions_total{method="createEscrowWithPermit2",outcome="success"} 1`)
	assert.Contains(t, body, `workescrow_write_requests_total{op="create",result="cached"} 1`)
}

// blockingService parks CreateEscrow until released, so a second request
// with the same key arrives while the first is in flight.
type blockingService struct {
	escrow.Service
	entered chan struct{}
	release chan struct{}
}

func (b *blockingService) CreateEscrow(ctx context.Context, caller common.Address, _ escrow.EscrowParams) (*escrow.CreateResult, error) {
	close(b.entered)
	<-b.release
	return &escrow.CreateResult{
		Outcome: &escrow.Outcome{Method: "createEscrowWithPermit2", Hash: common.HexToHash("0x01"), Status: escrow.TxPending},
	}, nil
}

func TestConcurrentDuplicateIsRejected(t *testing.T) {
	cfg := testConfig(t)
	svc := &blockingService{entered: make(chan struct{}), release: make(chan struct{})}
	srv := NewServer(cfg, svc, idempotency.NewMemoryStore(), nil, logging.Discard())

	body := map[string]string{
		"caller":          "0x00000000000000000000000000000000000000a1",
		"worker":          "0x00000000000000000000000000000000000000a2",
		"deadline":        "2030-01-01T00:00:00Z",
		"insuranceAmount": "1",
		"totalAmount":     "2",
		"token":           usdc.Hex(),
	}

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := signedRequest(t, http.MethodPost, "/api/v1/escrows", body)
		req.Header.Set(headerIdempotencyKey, "same")
		first = serve(srv, req)
	}()
	<-svc.entered

	req := signedRequest(t, http.MethodPost, "/api/v1/escrows", body)
	req.Header.Set(headerIdempotencyKey, "same")
	second := serve(srv, req)
	assert.Equal(t, http.StatusConflict, second.Code)

	close(svc.release)
	wg.Wait()
	assert.Equal(t, http.StatusAccepted, first.Code)

	req = signedRequest(t, http.MethodPost, "/api/v1/escrows", body)
	req.Header.Set(headerIdempotencyKey, "same")
	third := serve(srv, req)
	assert.Equal(t, http.StatusAccepted, third.Code)
	assert.Equal(t, "true", third.Header().Get(headerReplayed))
}

func TestClassify(t *testing.T) {
	revert := &escrow.RevertError{Method: "acceptWithPermit2", Reason: "InvalidState: escrow is Declined", Kind: escrow.ErrInvalidState}
	status, kind := classify(revert)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_state", kind)

	status, kind = classify(&escrow.RevertError{Method: "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "reverted", kind)

	status, _ = classify(escrow.ErrUserRejected)
	assert.Equal(t, http.StatusForbidden, status)

	status, kind = classify(context.Canceled)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal", kind)
}

func TestParseDeadline(t *testing.T) {
	got, err := parseDeadline("1750001800")
	require.NoError(t, err)
	assert.Equal(t, int64(1750001800), got.Unix())

	got, err = parseDeadline("2030-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2030, got.Year())

	_, err = parseDeadline("tomorrow")
	assert.Error(t, err)
}

func TestCreateRequestToParams(t *testing.T) {
	p := createEscrowRequest{
		Caller:          "0x00000000000000000000000000000000000000a1",
		Worker:          "0x00000000000000000000000000000000000000a2",
		Deadline:        "1750001800",
		InsuranceAmount: "500",
		TotalAmount:     "40.59",
		Token:           usdc.Hex(),
	}
	params, caller, err := p.toParams()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000a1"), caller)
	assert.True(t, params.TotalAmount.Equal(decimal.RequireFromString("40.59")))
	assert.Equal(t, common.Address{}, params.Vault)

	p.TotalAmount = "lots"
	_, _, err = p.toParams()
	assert.ErrorIs(t, err, units.ErrInvalidDecimalStr)
}
