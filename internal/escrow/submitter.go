package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Outcome describes a submission that reached the chain or the mempool.
type Outcome struct {
	Method  string
	Hash    common.Hash
	Status  TxStatus
	Receipt *types.Receipt
}

// Pending reports whether the caller stopped waiting before the transaction
// was mined. Local state must be re-fetched before assuming either way.
func (o *Outcome) Pending() bool { return o != nil && o.Status == TxPending }

// Submitter hands composed calls to the wallet and classifies what comes
// back. It never retries: a second broadcast could double-spend a permit or
// duplicate an escrow.
type Submitter struct {
	wallet   Wallet
	observer Observer
	log      *slog.Logger
}

func NewSubmitter(wallet Wallet, observer Observer, logger *slog.Logger) *Submitter {
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{wallet: wallet, observer: observer, log: logger}
}

// Ready fails with ErrWalletUnavailable unless the wallet can act for caller.
func (s *Submitter) Ready(caller common.Address) error {
	if s.wallet == nil || !s.wallet.IsReady() {
		return fmt.Errorf("%w: no wallet session", ErrWalletUnavailable)
	}
	if s.wallet.Address() != caller {
		return fmt.Errorf("%w: session is for %s, not %s", ErrWalletUnavailable, s.wallet.Address().Hex(), caller.Hex())
	}
	return nil
}

// Submit presents req to the wallet. A nil error means the transaction
// succeeded or is still pending; reverts come back as *RevertError alongside
// the outcome when a hash exists.
func (s *Submitter) Submit(ctx context.Context, req TxRequest) (*Outcome, error) {
	if err := s.Ready(req.From); err != nil {
		s.observer.ObserveSubmission(req.Method, "wallet_unavailable")
		return nil, err
	}

	logger := s.log.With("op", req.Method, "contract", req.To.Hex(), "from", req.From.Hex())
	res, err := s.wallet.SendTransaction(ctx, req)
	if err != nil {
		wrapped := walletError(ctx, req.Method, err, ErrNetwork)
		s.observer.ObserveSubmission(req.Method, outcomeLabel(wrapped))
		logger.Warn("transaction not submitted", "error", wrapped)
		return nil, wrapped
	}

	out := &Outcome{Method: req.Method, Hash: res.Hash, Status: res.Status, Receipt: res.Receipt}
	switch res.Status {
	case TxSuccess:
		s.observer.ObserveSubmission(req.Method, "success")
		logger.Info("transaction confirmed", "tx", res.Hash.Hex())
		return out, nil
	case TxPending:
		s.observer.ObserveSubmission(req.Method, "pending")
		logger.Info("transaction pending", "tx", res.Hash.Hex())
		return out, nil
	case TxReverted:
		rerr := decodeRevert(req.Method, res.RevertData, res.Broadcast)
		if rerr.Reason == "" && res.RevertReason != "" {
			rerr.Reason = res.RevertReason
			rerr.Kind = classifyReason(res.RevertReason)
		}
		s.observer.ObserveSubmission(req.Method, "reverted")
		logger.Warn("transaction reverted", "tx", res.Hash.Hex(), "reason", rerr.Reason, "mined", rerr.Mined)
		if !res.Broadcast {
			return nil, rerr
		}
		return out, rerr
	default:
		s.observer.ObserveSubmission(req.Method, "error")
		return nil, fmt.Errorf("%s: wallet reported unknown status %q", req.Method, res.Status)
	}
}

// walletError classifies a failure returned by the wallet before anything was
// broadcast.
func walletError(ctx context.Context, op string, err error, fallback error) error {
	switch {
	case errors.Is(err, ErrUserRejected), errors.Is(err, ErrWalletUnavailable), errors.Is(err, ErrAbandoned):
		return fmt.Errorf("%s: %w", op, err)
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", op, ErrAbandoned, err)
	}
	var rerr *RevertError
	if errors.As(err, &rerr) {
		return err
	}
	if rerr, ok := revertFromCallError(op, err); ok {
		return rerr
	}
	return fmt.Errorf("%s: %w: %v", op, fallback, err)
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrUserRejected):
		return "user_rejected"
	case errors.Is(err, ErrAbandoned):
		return "abandoned"
	case errors.Is(err, ErrWalletUnavailable):
		return "wallet_unavailable"
	case errors.Is(err, ErrReverted):
		return "reverted"
	default:
		return "network_error"
	}
}
