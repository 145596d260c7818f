package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"workescrow/internal/escrow"
	"workescrow/internal/idempotency"
	"workescrow/internal/units"
)

type createEscrowRequest struct {
	Caller          string `json:"caller"`
	Worker          string `json:"worker"`
	Deadline        string `json:"deadline"`
	Overview        string `json:"overview"`
	Name            string `json:"name"`
	InsuranceAmount string `json:"insuranceAmount"`
	TotalAmount     string `json:"totalAmount"`
	Token           string `json:"token"`
	Vault           string `json:"vault"`
}

type acceptEscrowRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
	// Token may be empty; the instance's payment token is used then.
	Token string `json:"token"`
}

type callerRequest struct {
	Caller string `json:"caller"`
}

type writeResponse struct {
	Method   string `json:"method"`
	Status   string `json:"status"`
	TxHash   string `json:"txHash,omitempty"`
	Contract string `json:"contract,omitempty"`
	Block    uint64 `json:"block,omitempty"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Kind        string `json:"kind"`
	Recoverable bool   `json:"recoverable"`
	Reason      string `json:"reason,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
}

type listEntry struct {
	Contract string           `json:"contract"`
	Escrow   *escrow.Instance `json:"escrow,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// writeFunc performs one state-changing call. out is non-nil once a
// transaction was broadcast, even when err reports a mined revert.
type writeFunc func(ctx context.Context) (out *escrow.Outcome, contract common.Address, err error)

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload createEscrowRequest
	raw, ok := s.decode(w, r, &payload)
	if !ok {
		return
	}
	params, caller, err := payload.toParams()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_params", err)
		return
	}

	s.runWrite(w, r, "create", caller, raw, func(ctx context.Context) (*escrow.Outcome, common.Address, error) {
		res, err := s.escrow.CreateEscrow(ctx, caller, params)
		if res == nil {
			return nil, common.Address{}, err
		}
		return res.Outcome, res.Address, err
	})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	contract, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	var payload acceptEscrowRequest
	raw, ok := s.decode(w, r, &payload)
	if !ok {
		return
	}
	caller, err := parseAddress("caller", payload.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_params", err)
		return
	}
	amount, err := units.ParseDecimal(payload.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_params", fmt.Errorf("amount: %w", err))
		return
	}
	var token common.Address
	if strings.TrimSpace(payload.Token) != "" {
		if token, err = parseAddress("token", payload.Token); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_params", err)
			return
		}
	}

	s.runWrite(w, r, "accept", caller, raw, func(ctx context.Context) (*escrow.Outcome, common.Address, error) {
		out, err := s.escrow.AcceptEscrow(ctx, caller, contract, amount, token)
		return out, contract, err
	})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "decline", s.escrow.DeclineContract)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "complete", s.escrow.MarkAsCompleted)
}

func (s *Server) handleInsurance(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "insurance", s.escrow.TriggerInsurance)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, op string, call func(context.Context, common.Address, common.Address) (*escrow.Outcome, error)) {
	contract, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	var payload callerRequest
	raw, ok := s.decode(w, r, &payload)
	if !ok {
		return
	}
	caller, err := parseAddress("caller", payload.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_params", err)
		return
	}

	s.runWrite(w, r, op, caller, raw, func(ctx context.Context) (*escrow.Outcome, common.Address, error) {
		out, err := call(ctx, caller, contract)
		return out, contract, err
	})
}

// runWrite applies the idempotency protocol around fn: a replayed key gets
// the stored response, a key already in flight gets 409, and anything that
// reached the chain is stored so it is never broadcast twice.
func (s *Server) runWrite(w http.ResponseWriter, r *http.Request, op string, caller common.Address, payload []byte, fn writeFunc) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_params", fmt.Errorf("missing %s header", headerIdempotencyKey))
		return
	}
	scoped := idempotency.ScopedKey(caller.Hex(), op+" "+r.URL.Path, key)
	ctx := r.Context()
	logger := s.log.With("op", op, "caller", caller.Hex(), "request_id", r.Header.Get(headerRequestID))

	if existing, err := s.store.Get(ctx, scoped); err != nil {
		logger.Warn("idempotency lookup failed", "error", err)
	} else if existing != nil {
		w.Header().Set(headerReplayed, "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incRequest(op, "cached")
		return
	}

	release, ok := s.inflight.Acquire(scoped)
	if !ok {
		s.writeError(w, http.StatusConflict, "in_flight", errors.New("a request with this idempotency key is still running"))
		s.metrics.incRequest(op, "in_flight")
		return
	}
	defer release()

	if s.cfg.Service.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Service.WriteTimeout)
		defer cancel()
	}

	start := time.Now()
	out, contract, err := fn(ctx)
	s.metrics.observeWrite(op, time.Since(start).Seconds())

	if out == nil {
		status, kind := classify(err)
		if errors.Is(err, escrow.ErrNetwork) {
			s.writeDLQ(dlqEntry{
				Timestamp: s.now().UTC(),
				RequestID: r.Header.Get(headerRequestID),
				Operation: op,
				Caller:    caller.Hex(),
				Path:      r.URL.Path,
				Payload:   payload,
				Error:     err.Error(),
			})
		}
		logger.Warn("write failed", "kind", kind, "error", err)
		s.writeError(w, status, kind, err)
		s.metrics.incRequest(op, kind)
		return
	}

	status, body := s.outcomeBody(op, out, contract, err)
	if err != nil {
		s.writeDLQ(dlqEntry{
			Timestamp: s.now().UTC(),
			RequestID: r.Header.Get(headerRequestID),
			Operation: op,
			Caller:    caller.Hex(),
			Path:      r.URL.Path,
			TxHash:    out.Hash.Hex(),
			Payload:   payload,
			Error:     err.Error(),
		})
	}
	encoded, _ := json.Marshal(body)

	now := s.now()
	record := idempotency.Record{
		StatusCode: status,
		Response:   encoded,
		TxHash:     out.Hash.Hex(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}
	// The request context may be gone by now; the record must still land.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Save(saveCtx, scoped, record); err != nil {
		logger.Error("idempotency save failed", "tx", out.Hash.Hex(), "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
	s.metrics.incRequest(op, string(out.Status))
}

func (s *Server) outcomeBody(op string, out *escrow.Outcome, contract common.Address, err error) (int, any) {
	if err != nil {
		_, kind := classify(err)
		body := errorResponse{Error: err.Error(), Kind: kind, TxHash: out.Hash.Hex()}
		var rerr *escrow.RevertError
		if errors.As(err, &rerr) {
			body.Reason = rerr.Reason
		}
		return http.StatusUnprocessableEntity, body
	}

	resp := writeResponse{Method: out.Method, Status: string(out.Status), TxHash: out.Hash.Hex()}
	if contract != (common.Address{}) {
		resp.Contract = contract.Hex()
	}
	if out.Receipt != nil && out.Receipt.BlockNumber != nil {
		resp.Block = out.Receipt.BlockNumber.Uint64()
	}
	switch {
	case out.Pending():
		return http.StatusAccepted, resp
	case op == "create":
		return http.StatusCreated, resp
	default:
		return http.StatusOK, resp
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	contract, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	inst, err := s.escrow.FetchContract(r.Context(), contract)
	if err != nil {
		status, kind := classify(err)
		s.writeError(w, status, kind, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleList serves every escrow, or with ?account= the escrows that
// account takes part in, optionally narrowed by ?role=payer|worker.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		results []escrow.SnapshotResult
		err     error
	)
	if account := strings.TrimSpace(q.Get("account")); account != "" {
		user, perr := parseAddress("account", account)
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_params", perr)
			return
		}
		role, perr := escrow.ParseRole(q.Get("role"))
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_params", perr)
			return
		}
		results, err = s.escrow.FetchContractsFor(r.Context(), user, role)
	} else {
		results, err = s.escrow.FetchAllContracts(r.Context())
	}
	if err != nil {
		status, kind := classify(err)
		s.writeError(w, status, kind, err)
		return
	}

	entries := make([]listEntry, 0, len(results))
	for _, res := range results {
		entry := listEntry{Contract: res.Address.Hex(), Escrow: res.Instance}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, struct {
		Escrows []listEntry `json:"escrows"`
	}{Escrows: entries})
}

type balanceEntry struct {
	Token    string `json:"token"`
	Symbol   string `json:"symbol,omitempty"`
	Amount   string `json:"amount"`
	Decimals int32  `json:"decimals"`
}

// handleBalances reports the account's holdings of ?token=, or of every
// token in the deployment when the query is absent.
func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.pathAddress(w, r)
	if !ok {
		return
	}

	symbols := make(map[common.Address]string, len(s.cfg.Deployment.Tokens))
	var tokens []common.Address
	for _, tok := range s.cfg.Deployment.Tokens {
		addr := common.HexToAddress(tok.Address)
		symbols[addr] = tok.Symbol
		tokens = append(tokens, addr)
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("token")); raw != "" {
		token, err := parseAddress("token", raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_params", err)
			return
		}
		tokens = []common.Address{token}
	}
	if len(tokens) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_params", errors.New("token query parameter is required"))
		return
	}

	entries := make([]balanceEntry, 0, len(tokens))
	for _, token := range tokens {
		bal, err := s.escrow.TokenBalance(r.Context(), owner, token)
		if err != nil {
			status, kind := classify(err)
			s.writeError(w, status, kind, err)
			return
		}
		entries = append(entries, balanceEntry{
			Token:    bal.Token.Hex(),
			Symbol:   symbols[token],
			Amount:   bal.Amount.String(),
			Decimals: bal.Decimals,
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Account  string         `json:"account"`
		Balances []balanceEntry `json:"balances"`
	}{Account: owner.Hex(), Balances: entries})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody(s.cfg.Service.MaxBodyBytes)))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "invalid_params", err)
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_params", fmt.Errorf("invalid json payload: %w", err))
		return nil, false
	}
	return raw, true
}

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_params", err)
		return common.Address{}, false
	}
	return addr, true
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind string, err error) {
	body := errorResponse{Error: err.Error(), Kind: kind, Recoverable: escrow.IsRecoverable(err)}
	var rerr *escrow.RevertError
	if errors.As(err, &rerr) {
		body.Reason = rerr.Reason
	}
	writeJSON(w, status, body)
}

var errorClasses = []struct {
	err    error
	status int
	kind   string
}{
	{escrow.ErrInvalidParams, http.StatusBadRequest, "invalid_params"},
	{escrow.ErrWalletUnavailable, http.StatusServiceUnavailable, "wallet_unavailable"},
	{escrow.ErrUserRejected, http.StatusForbidden, "user_rejected"},
	{escrow.ErrAbandoned, http.StatusGatewayTimeout, "abandoned"},
	{escrow.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{escrow.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{escrow.ErrDeadlineExpired, http.StatusConflict, "deadline_expired"},
	{escrow.ErrNonceReuse, http.StatusConflict, "nonce_reuse"},
	{escrow.ErrPermitInvalid, http.StatusUnprocessableEntity, "permit_invalid"},
	{escrow.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{escrow.ErrReverted, http.StatusUnprocessableEntity, "reverted"},
	{bind.ErrNoCode, http.StatusNotFound, "not_found"},
	{escrow.ErrNetwork, http.StatusBadGateway, "network_error"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

// classify maps an escrow error onto an HTTP status and a stable kind string.
func classify(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.status, c.kind
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (p createEscrowRequest) toParams() (escrow.EscrowParams, common.Address, error) {
	var params escrow.EscrowParams
	caller, err := parseAddress("caller", p.Caller)
	if err != nil {
		return params, caller, err
	}
	if params.Worker, err = parseAddress("worker", p.Worker); err != nil {
		return params, caller, err
	}
	if params.Token, err = parseAddress("token", p.Token); err != nil {
		return params, caller, err
	}
	if strings.TrimSpace(p.Vault) != "" {
		if params.Vault, err = parseAddress("vault", p.Vault); err != nil {
			return params, caller, err
		}
	}
	if params.Deadline, err = parseDeadline(p.Deadline); err != nil {
		return params, caller, err
	}
	if params.InsuranceAmount, err = units.ParseDecimal(p.InsuranceAmount); err != nil {
		return params, caller, fmt.Errorf("insuranceAmount: %w", err)
	}
	if params.TotalAmount, err = units.ParseDecimal(p.TotalAmount); err != nil {
		return params, caller, fmt.Errorf("totalAmount: %w", err)
	}
	params.Name = p.Name
	params.Overview = p.Overview
	return params, caller, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}

// parseDeadline accepts RFC 3339 or unix seconds.
func parseDeadline(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("deadline is required")
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("deadline: %w", err)
	}
	return t, nil
}

func maxBody(n int64) int64 {
	if n <= 0 {
		return 1 << 20
	}
	return n
}
