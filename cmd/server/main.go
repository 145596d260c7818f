package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"workescrow/internal/chainsim"
	"workescrow/internal/config"
	"workescrow/internal/escrow"
	"workescrow/internal/idempotency"
	"workescrow/internal/logging"
	"workescrow/internal/server"
	"workescrow/internal/units"
)

const (
	simulatedAccount = 0
	// simulatedFunding is what the dev account receives per configured
	// token, in display units.
	simulatedFunding = 1_000_000
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("workescrow", cfg.Log.Env, logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := units.NewRegistry(units.DefaultDecimals)
	for _, tok := range cfg.Deployment.Tokens {
		reg.Set(common.HexToAddress(tok.Address), tok.Decimals)
	}

	backend, keyHex, now, err := openChain(ctx, cfg, logger)
	if err != nil {
		return err
	}

	wallet, err := escrow.NewKeyedWallet(ctx, backend, escrow.KeyedWalletConfig{
		PrivateKeyHex: keyHex,
		ReceiptPoll:   cfg.Chain.ReceiptPoll,
	})
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	if want := big.NewInt(cfg.Deployment.ChainID); wallet.ChainID().Cmp(want) != 0 {
		return fmt.Errorf("node reports chain %s, deployments.json expects %s", wallet.ChainID(), want)
	}

	metrics := server.NewMetrics()
	client, err := escrow.NewClient(wallet, escrow.NewRPCReader(backend, cfg.Chain.ReadRPS, cfg.Chain.ReadBurst), escrow.Config{
		Factory: cfg.Deployment.Factory(),
		ChainID: wallet.ChainID(),
		Permit2: cfg.Deployment.Permit2(),
		Units:   reg,
		Retry: escrow.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
		PermitTTL: cfg.PermitTTL,
		Now:       now,
		Observer:  metrics,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("escrow client: %w", err)
	}
	logger.Info("escrow client ready",
		"wallet", wallet.Address().Hex(),
		"factory", cfg.Deployment.Factory().Hex(),
		"chain_id", wallet.ChainID().String(),
		"simulate", cfg.Simulate)

	apiServer := server.NewServer(cfg, client, store, metrics, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

// openStore prefers Postgres and falls back to the JSON file store.
func openStore(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (idempotency.Store, func(), error) {
	if cfg.Service.PostgresDSN == "" {
		store, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		return store, func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pg, err := idempotency.NewPostgresStore(connectCtx, cfg.Service.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("idempotency store: %w", err)
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := pg.Purge(ctx, time.Now())
				if err != nil {
					logger.Warn("idempotency purge failed", "error", err)
					continue
				}
				logger.Debug("idempotency purge", "deleted", n)
			}
		}
	}()
	return pg, pg.Close, nil
}

// openChain dials the configured node, or in simulation mode builds an
// in-memory chain.
func openChain(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (escrow.ChainBackend, string, func() time.Time, error) {
	if cfg.Simulate {
		chain, keyHex := newSimulatedChain(cfg, logger)
		return chain, keyHex, chain.Now, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, "", nil, fmt.Errorf("dial %s: %w", cfg.Chain.RPCURL, err)
	}
	return client, cfg.Chain.PrivateKey, time.Now, nil
}

// newSimulatedChain funds dev account 0 with every configured token and
// returns its key. The process holds a single wallet, so it can act as the
// payer only; accepting needs a second client against the same chain, which
// only tests set up.
func newSimulatedChain(cfg *config.AppConfig, logger *slog.Logger) (*chainsim.Chain, string) {
	chain := chainsim.New(chainsim.Config{
		ChainID: cfg.Deployment.ChainID,
		Factory: cfg.Deployment.Factory(),
		Permit2: cfg.Deployment.Permit2(),
	})
	_, addr := chainsim.DevAccount(simulatedAccount)
	for _, tok := range cfg.Deployment.Tokens {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tok.Decimals)), nil)
		chain.Mint(common.HexToAddress(tok.Address), addr, new(big.Int).Mul(big.NewInt(simulatedFunding), scale))
	}
	logger.Info("simulated account funded", "address", addr.Hex(), "tokens", len(cfg.Deployment.Tokens))
	return chain, chainsim.DevKeyHex(simulatedAccount)
}
