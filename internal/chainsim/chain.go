// Package chainsim is an in-memory EVM stand-in that runs the escrow factory,
// escrow instances, Permit2 signature transfers and plain ERC20 balances. It
// speaks the go-ethereum backend interfaces, so the production RPC reader and
// keyed wallet run against it unchanged.
package chainsim

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"workescrow/internal/contracts"
	"workescrow/internal/escrow"
)

// WorldChainFactory is the production factory deployment on World Chain.
var WorldChainFactory = common.HexToAddress("0xb153a7b6e7cde3842bdff82600f49c4cf8c4759b")

const WorldChainID = 480

type Config struct {
	ChainID int64
	Factory common.Address
	Permit2 common.Address
	// Now is the base clock; Advance adds to it.
	Now func() time.Time
}

// Chain holds all simulated contract state behind one lock. Every transaction
// is applied atomically.
type Chain struct {
	mu sync.Mutex

	chainID *big.Int
	factory common.Address
	permit2 common.Address
	clock   func() time.Time
	offset  time.Duration

	block        uint64
	factoryNonce uint64
	accounts     map[common.Address]uint64

	escrows     map[common.Address]*instance
	all         []common.Address
	byPayer     map[common.Address][]common.Address
	byWorker    map[common.Address][]common.Address
	contractsOf map[common.Address][]common.Address

	balances map[common.Address]map[common.Address]*big.Int
	nonces   map[common.Address]map[string]bool

	receipts map[common.Hash]*types.Receipt
	logs     []types.Log
	hold     bool
	queue    []*types.Transaction

	failReads int
	broken    map[common.Address]bool

	reads  atomic.Int64
	writes atomic.Int64
}

type instance struct {
	address    common.Address
	payer      common.Address
	params     contracts.EscrowParams
	status     escrow.Status
	stakeStart int64
	shares     *big.Int
}

func New(cfg Config) *Chain {
	if cfg.ChainID == 0 {
		cfg.ChainID = WorldChainID
	}
	if cfg.Factory == (common.Address{}) {
		cfg.Factory = WorldChainFactory
	}
	if cfg.Permit2 == (common.Address{}) {
		cfg.Permit2 = escrow.CanonicalPermit2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Chain{
		chainID:      big.NewInt(cfg.ChainID),
		factory:      cfg.Factory,
		permit2:      cfg.Permit2,
		clock:        cfg.Now,
		factoryNonce: 1,
		accounts:     make(map[common.Address]uint64),
		escrows:      make(map[common.Address]*instance),
		byPayer:      make(map[common.Address][]common.Address),
		byWorker:     make(map[common.Address][]common.Address),
		contractsOf:  make(map[common.Address][]common.Address),
		balances:     make(map[common.Address]map[common.Address]*big.Int),
		nonces:       make(map[common.Address]map[string]bool),
		receipts:     make(map[common.Hash]*types.Receipt),
		broken:       make(map[common.Address]bool),
	}
}

func (c *Chain) Factory() common.Address { return c.factory }
func (c *Chain) Permit2() common.Address { return c.permit2 }
func (c *Chain) ID() *big.Int { return new(big.Int).Set(c.chainID) }

// Now is the chain's block time.
func (c *Chain) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

func (c *Chain) now() time.Time { return c.clock().Add(c.offset) }

// Advance moves block time forward.
func (c *Chain) Advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

// Mint credits amount minor units of token to owner.
func (c *Chain) Mint(token, owner common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credit(token, owner, amount)
}

func (c *Chain) BalanceOf(token, owner common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance(token, owner))
}

// NonceUsed reports whether owner already spent a Permit2 nonce.
func (c *Chain) NonceUsed(owner common.Address, nonce *big.Int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[owner][nonce.String()]
}

// FailReads makes the next n eth_calls fail with a transport error.
func (c *Chain) FailReads(n int) {
	c.mu.Lock()
	c.failReads = n
	c.mu.Unlock()
}

// Break makes every eth_call against addr fail with a transport error.
func (c *Chain) Break(addr common.Address) {
	c.mu.Lock()
	c.broken[addr] = true
	c.mu.Unlock()
}

// HoldMining queues sent transactions instead of mining them until
// MinePending is called.
func (c *Chain) HoldMining(hold bool) {
	c.mu.Lock()
	c.hold = hold
	c.mu.Unlock()
}

// MinePending applies every queued transaction in order.
func (c *Chain) MinePending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.queue
	c.queue = nil
	for _, tx := range queue {
		c.mine(tx)
	}
}

// Reads and Writes count eth_call and transaction related requests served.
func (c *Chain) Reads() int64 { return c.reads.Load() }
func (c *Chain) Writes() int64 { return c.writes.Load() }

// Instances returns how many escrows the factory has deployed.
func (c *Chain) Instances() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.all)
}

func (c *Chain) balance(token, owner common.Address) *big.Int {
	if b, ok := c.balances[token][owner]; ok {
		return b
	}
	return new(big.Int)
}

func (c *Chain) credit(token, owner common.Address, amount *big.Int) {
	if c.balances[token] == nil {
		c.balances[token] = make(map[common.Address]*big.Int)
	}
	c.balances[token][owner] = new(big.Int).Add(c.balance(token, owner), amount)
}

func (c *Chain) debit(token, owner common.Address, amount *big.Int) {
	c.balances[token][owner] = new(big.Int).Sub(c.balance(token, owner), amount)
}

// DevAccount derives a deterministic funded-account key for simulation mode.
func DevAccount(i int) (*ecdsa.PrivateKey, common.Address) {
	seed := crypto.Keccak256([]byte(fmt.Sprintf("workescrow-dev-account-%d", i)))
	key, err := crypto.ToECDSA(seed)
	if err != nil {
		panic(fmt.Sprintf("chainsim: dev key %d: %v", i, err))
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// DevKeyHex is DevAccount's key in the hex form wallets are configured with.
func DevKeyHex(i int) string {
	key, _ := DevAccount(i)
	return fmt.Sprintf("%x", crypto.FromECDSA(key))
}
