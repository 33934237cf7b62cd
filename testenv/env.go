package testenv

import (
	"context"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/sirupsen/logrus"

	"github.com/comit-network/testenv/testframework"
)

// Ledger names a kind of backing infrastructure a test can request.
type Ledger string

const (
	LedgerBitcoin   Ledger = "bitcoin"
	LedgerEthereum  Ledger = "ethereum"
	LedgerLightning Ledger = "lightning"
)

// Ledger roles, the per-node lock and cache namespaces. Lightning expands
// to two roles, one per actor.
const (
	RoleBitcoind = "bitcoind"
	RoleGeth     = "geth"
	RoleLndAlice = "lnd-alice"
	RoleLndBob   = "lnd-bob"

	// RoleBootstrap attributes failures of the channel bootstrap, which
	// spans both lightning nodes and has no single owner.
	RoleBootstrap = "wallet-bootstrap"
)

// ChannelCapacity is the size of the channels the wallet bootstrapper opens
// in each direction between alice and bob.
const ChannelCapacity = btcutil.Amount(15_000_000)

// fundingAmount is minted to each side before channels are opened, enough
// for one channel plus fees.
const fundingAmount = 2 * ChannelCapacity

// Options configures a Setup call.
type Options struct {
	// Dir is the shared root for lock directories and node data dirs. All
	// worker processes of a test run must use the same Dir.
	Dir string

	// Ledgers is the requested ledger set. Lightning implies bitcoin.
	Ledgers []Ledger

	// LightningImpl selects the lightning node implementation, "lnd"
	// (default) or "cln".
	LightningImpl string

	// AcquireTimeout bounds the wait for a role's lock. Zero means the
	// lockdir default.
	AcquireTimeout time.Duration

	// MineInterval is the pace of the background block miner. Zero means
	// the default.
	MineInterval time.Duration

	// starters is a test seam, nil outside of tests.
	starters *starters
}

// applyEnv fills unset options from TESTENV_* variables, so a test binary
// can be pointed at a shared environment without plumbing flags through
// the test runner.
func (o *Options) applyEnv() {
	if o.Dir == "" {
		o.Dir = os.Getenv("TESTENV_DIR")
	}
	if o.LightningImpl == "" {
		o.LightningImpl = os.Getenv("TESTENV_LIGHTNING_IMPL")
	}
}

func (o *Options) wants(l Ledger) bool {
	for _, have := range o.Ledgers {
		if have == l {
			return true
		}
	}
	return false
}

// starters are the per-kind create functions the cache-or-create routine
// runs when no config is cached. Tests substitute fakes here.
type starters struct {
	bitcoin   func(ctx context.Context) (testframework.BitcoinConfig, error)
	ethereum  func(ctx context.Context) (testframework.EthereumConfig, error)
	lightning func(ctx context.Context, role string, bitcoin testframework.BitcoinConfig) (testframework.LightningConfig, error)

	// wallet builds a wallet handle from a persisted config, used both
	// when this worker started the node and when it found one cached.
	wallet func(cfg testframework.LightningConfig, bitcoin testframework.BitcoinConfig) (testframework.LightningWallet, error)

	// ensureMiner starts the background block miner unless one is
	// recorded as running.
	ensureMiner func(ctx context.Context, bitcoin testframework.BitcoinConfig) error
}

// Environment is the process-wide state tests run against. It is populated
// during Setup and read-only afterwards.
type Environment struct {
	Bitcoin  *testframework.BitcoinConfig
	Ethereum *testframework.EthereumConfig
	AliceLnd *testframework.LightningConfig
	BobLnd   *testframework.LightningConfig

	// Alice and Bob are ready-to-use wallet handles for the two lightning
	// actors, peered, funded and channeled by the bootstrapper.
	Alice testframework.LightningWallet
	Bob   testframework.LightningWallet

	log *logrus.Entry
}

// Close releases this worker's RPC connections. It does not kill any node
// process, teardown of the shared infrastructure is external.
func (e *Environment) Close() error {
	var firstErr error
	for _, w := range []testframework.LightningWallet{e.Alice, e.Bob} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
