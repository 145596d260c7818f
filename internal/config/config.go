package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	RPCURL    string `json:"rpcUrl"`
	Contracts struct {
		ContractFactory string `json:"ContractFactory"`
		Permit2         string `json:"Permit2"`
	} `json:"contracts"`
	Tokens []TokenConfig `json:"tokens"`
}

// TokenConfig lists a payment token and the decimals its amounts are
// displayed with.
type TokenConfig struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
}

// AppConfig ties together deployment info and environment derived values.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Retry      RetryConfig
	Log        LogConfig
	PermitTTL  time.Duration
	// Simulate runs against the in-memory chain instead of an RPC node.
	Simulate bool
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	MaxBodyBytes         int64
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	DLQPath              string
	WriteTimeout         time.Duration
}

type ChainConfig struct {
	RPCURL      string
	PrivateKey  string
	ReadRPS     float64
	ReadBurst   int
	ReceiptPoll time.Duration
	RPCTimeout  time.Duration
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type LogConfig struct {
	Level string
	File  string
	Env   string
}

const (
	defaultDeploymentsPath = "deployments.json"
	defaultEnvFile         = ".env"
)

// WorldChainDeployment is used when no deployments file exists.
func WorldChainDeployment() DeploymentConfig {
	var d DeploymentConfig
	d.ChainID = 480
	d.RPCURL = "https://worldchain-mainnet.g.alchemy.com/public"
	d.Contracts.ContractFactory = "0xb153a7b6e7cde3842bdff82600f49c4cf8c4759b"
	d.Contracts.Permit2 = "0x000000000022D473030F116dDEE9F6B43aC78BA3"
	d.Tokens = []TokenConfig{
		{Symbol: "USDC.e", Address: "0x79A02482A880bCE3F13e09Da970dC34db4CD24d1", Decimals: 6},
		{Symbol: "WLD", Address: "0x2cfc85d8e48f8eab294be644d9e25c3030863003", Decimals: 18},
	}
	return d
}

// Load aggregates configuration from .env, disk and environment.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(envOr("ENV_FILE", defaultEnvFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	deployCfg, err := loadDeployments(envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath))
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	if err := deployCfg.Validate(); err != nil {
		return nil, err
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:           envOr("HMAC_SECRET", ""),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		MaxBodyBytes:         int64(envOrInt("MAX_BODY_BYTES", 1<<20)),
		IdempotencyWindow:    envOrDuration("IDEMPOTENCY_WINDOW", 24*time.Hour),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "workescrow-idem.json")),
		PostgresDSN:          envOr("POSTGRES_DSN", ""),
		DLQPath:              envOr("DLQ_PATH", filepath.Join(os.TempDir(), "workescrow-dlq")),
		WriteTimeout:         envOrDuration("WRITE_TIMEOUT", 5*time.Minute),
	}

	chainCfg := ChainConfig{
		RPCURL:      envOr("CHAIN_RPC_URL", deployCfg.RPCURL),
		PrivateKey:  envOr("CHAIN_PRIVATE_KEY", ""),
		ReadRPS:     envOrFloat("CHAIN_READ_RPS", 20),
		ReadBurst:   envOrInt("CHAIN_READ_BURST", 12),
		ReceiptPoll: envOrDuration("CHAIN_RECEIPT_POLL", 2*time.Second),
		RPCTimeout:  envOrDuration("CHAIN_RPC_TIMEOUT", 10*time.Second),
	}

	retryCfg := RetryConfig{
		MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", 3),
		InitialBackoff:    envOrDuration("RETRY_INITIAL_BACKOFF", 1500*time.Millisecond),
		MaxBackoff:        envOrDuration("RETRY_MAX_BACKOFF", 6*time.Second),
		BackoffMultiplier: envOrInt("RETRY_BACKOFF_MULTIPLIER", 2),
	}

	simulate := envOrBool("SIMULATE", false)
	switch {
	case simulate && envOr("CHAIN_RPC_URL", "") != "":
		return nil, errors.New("SIMULATE=true cannot be combined with CHAIN_RPC_URL")
	case !simulate && chainCfg.PrivateKey == "":
		return nil, errors.New("CHAIN_PRIVATE_KEY is required unless SIMULATE=true")
	}

	return &AppConfig{
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Retry:      retryCfg,
		Log: LogConfig{
			Level: envOr("LOG_LEVEL", "info"),
			File:  envOr("LOG_FILE", ""),
			Env:   envOr("APP_ENV", "development"),
		},
		PermitTTL: envOrDuration("PERMIT_TTL", 30*time.Minute),
		Simulate:  simulate,
	}, nil
}

// Validate checks every address in the deployment.
func (d DeploymentConfig) Validate() error {
	if d.ChainID <= 0 {
		return errors.New("deployments: chainId must be positive")
	}
	if !common.IsHexAddress(d.Contracts.ContractFactory) {
		return fmt.Errorf("deployments: invalid ContractFactory address %q", d.Contracts.ContractFactory)
	}
	if d.Contracts.Permit2 != "" && !common.IsHexAddress(d.Contracts.Permit2) {
		return fmt.Errorf("deployments: invalid Permit2 address %q", d.Contracts.Permit2)
	}
	for _, tok := range d.Tokens {
		if !common.IsHexAddress(tok.Address) {
			return fmt.Errorf("deployments: token %s has invalid address %q", tok.Symbol, tok.Address)
		}
		if tok.Decimals < 0 || tok.Decimals > 36 {
			return fmt.Errorf("deployments: token %s has invalid decimals %d", tok.Symbol, tok.Decimals)
		}
	}
	return nil
}

func (d DeploymentConfig) Factory() common.Address {
	return common.HexToAddress(d.Contracts.ContractFactory)
}

// Permit2 is the zero address when the deployment leaves it to the default.
func (d DeploymentConfig) Permit2() common.Address {
	if d.Contracts.Permit2 == "" {
		return common.Address{}
	}
	return common.HexToAddress(d.Contracts.Permit2)
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		d := WorldChainDeployment()
		return &d, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration accepts Go duration strings and bare seconds.
func envOrDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return fallback
	}
	val = strings.TrimSpace(val)
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
