package testenv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comit-network/testenv/lockdir"
	"github.com/comit-network/testenv/testframework"
)

// fakeInfra is a starter set backed by in-memory fakes. Call counters are
// atomic so concurrent Setup calls can share one instance.
type fakeInfra struct {
	bitcoinStarts   int32
	ethereumStarts  int32
	lightningStarts int32
	minerStarts     int32

	bitcoinErr   error
	ethereumErr  error
	lightningErr map[string]error

	// bitcoinDelay lets tests widen the race window of the first starter.
	bitcoinDelay time.Duration

	// observedBitcoin records the bitcoin config each lightning starter
	// was handed, keyed by role, with the start timestamps needed to
	// assert the ordering between the two phases.
	mu               sync.Mutex
	observedBitcoin  map[string]testframework.BitcoinConfig
	bitcoinDoneAt    time.Time
	lightningBeginAt map[string]time.Time

	wallets map[string]*fakeWallet
}

func newFakeInfra() *fakeInfra {
	return &fakeInfra{
		lightningErr:     map[string]error{},
		observedBitcoin:  map[string]testframework.BitcoinConfig{},
		lightningBeginAt: map[string]time.Time{},
		wallets: map[string]*fakeWallet{
			RoleLndAlice: newFakeWallet("02aaaa"),
			RoleLndBob:   newFakeWallet("02bbbb"),
		},
	}
}

func (f *fakeInfra) starters() *starters {
	return &starters{
		bitcoin: func(ctx context.Context) (testframework.BitcoinConfig, error) {
			if f.bitcoinDelay > 0 {
				time.Sleep(f.bitcoinDelay)
			}
			if f.bitcoinErr != nil {
				return testframework.BitcoinConfig{}, f.bitcoinErr
			}
			atomic.AddInt32(&f.bitcoinStarts, 1)
			f.mu.Lock()
			f.bitcoinDoneAt = time.Now()
			f.mu.Unlock()
			return testframework.BitcoinConfig{
				RPCURL:      "http://127.0.0.1:18443",
				RPCUser:     "rpcuser",
				RPCPassword: "rpcpass",
				RPCPort:     18443,
				WalletName:  "miner",
			}, nil
		},

		ethereum: func(ctx context.Context) (testframework.EthereumConfig, error) {
			if f.ethereumErr != nil {
				return testframework.EthereumConfig{}, f.ethereumErr
			}
			atomic.AddInt32(&f.ethereumStarts, 1)
			return testframework.EthereumConfig{
				RPCURL:  "http://127.0.0.1:8545",
				ChainID: 1337,
			}, nil
		},

		lightning: func(ctx context.Context, role string, bitcoin testframework.BitcoinConfig) (testframework.LightningConfig, error) {
			f.mu.Lock()
			f.observedBitcoin[role] = bitcoin
			f.lightningBeginAt[role] = time.Now()
			f.mu.Unlock()

			if err := f.lightningErr[role]; err != nil {
				return testframework.LightningConfig{}, err
			}
			atomic.AddInt32(&f.lightningStarts, 1)
			return testframework.LightningConfig{
				Impl:     "lnd",
				Pubkey:   f.wallets[role].Pubkey(),
				GRPCHost: "localhost:10009",
				DataDir:  role,
			}, nil
		},

		wallet: func(cfg testframework.LightningConfig, bitcoin testframework.BitcoinConfig) (testframework.LightningWallet, error) {
			w, ok := f.wallets[cfg.DataDir]
			if !ok {
				return nil, fmt.Errorf("no fake wallet for %q", cfg.DataDir)
			}
			return w, nil
		},

		ensureMiner: func(ctx context.Context, bitcoin testframework.BitcoinConfig) error {
			atomic.AddInt32(&f.minerStarts, 1)
			return nil
		},
	}
}

func (f *fakeInfra) options(dir string, ledgers ...Ledger) Options {
	return Options{
		Dir:      dir,
		Ledgers:  ledgers,
		starters: f.starters(),
	}
}

func TestSetupStartsRequestedLedgers(t *testing.T) {
	infra := newFakeInfra()

	env, err := Setup(context.Background(), infra.options(t.TempDir(), LedgerBitcoin, LedgerEthereum))
	require.NoError(t, err)

	require.NotNil(t, env.Bitcoin)
	require.NotNil(t, env.Ethereum)
	assert.Nil(t, env.AliceLnd)
	assert.EqualValues(t, 1, infra.bitcoinStarts)
	assert.EqualValues(t, 1, infra.ethereumStarts)
	assert.EqualValues(t, 1, infra.minerStarts)
}

func TestSetupSingleFlight(t *testing.T) {
	infra := newFakeInfra()
	infra.bitcoinDelay = 100 * time.Millisecond
	dir := t.TempDir()

	// Two workers race to bring up the same environment. Exactly one may
	// start bitcoind, the other reuses the persisted config.
	const workers = 2
	envs := make([]*Environment, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			envs[i], errs[i] = Setup(context.Background(), infra.options(dir, LedgerBitcoin))
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, envs[i].Bitcoin)
	}
	assert.EqualValues(t, 1, infra.bitcoinStarts)
	assert.Equal(t, *envs[0].Bitcoin, *envs[1].Bitcoin)
}

func TestSetupLightningOrdering(t *testing.T) {
	infra := newFakeInfra()
	infra.bitcoinDelay = 150 * time.Millisecond
	dir := t.TempDir()

	env, err := Setup(context.Background(), infra.options(dir, LedgerLightning))
	require.NoError(t, err)

	// Lightning implies bitcoin.
	require.NotNil(t, env.Bitcoin)
	require.NotNil(t, env.AliceLnd)
	require.NotNil(t, env.BobLnd)
	assert.EqualValues(t, 1, infra.bitcoinStarts)
	assert.EqualValues(t, 2, infra.lightningStarts)

	// Even with a slow bitcoin start, neither lightning starter began
	// before bitcoin completed, and each saw its persisted config.
	for _, role := range []string{RoleLndAlice, RoleLndBob} {
		assert.Equal(t, *env.Bitcoin, infra.observedBitcoin[role], role)
		assert.False(t, infra.lightningBeginAt[role].Before(infra.bitcoinDoneAt), role)
	}
	locks := lockdir.NewManager(filepath.Join(dir, "locks"))
	var cached testframework.BitcoinConfig
	ok, err := locks.LoadConfig(RoleBitcoind, &cached)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, *env.Bitcoin, cached)
}

func TestSetupBootstrapsWallets(t *testing.T) {
	infra := newFakeInfra()

	env, err := Setup(context.Background(), infra.options(t.TempDir(), LedgerLightning))
	require.NoError(t, err)

	alice := infra.wallets[RoleLndAlice]
	bob := infra.wallets[RoleLndBob]
	assert.Same(t, alice, env.Alice)

	connected, err := alice.IsConnected(bob)
	require.NoError(t, err)
	assert.True(t, connected)
	assert.Equal(t, ChannelCapacity, alice.channels[bob.Pubkey()])
	assert.Equal(t, ChannelCapacity, bob.channels[alice.Pubkey()])
}

func TestSetupBootstrapIdempotentAcrossWorkers(t *testing.T) {
	infra := newFakeInfra()
	dir := t.TempDir()

	_, err := Setup(context.Background(), infra.options(dir, LedgerLightning))
	require.NoError(t, err)

	// A second worker joins an already-bootstrapped environment. It
	// reuses every cached config and finds peers and channels in place.
	env, err := Setup(context.Background(), infra.options(dir, LedgerLightning))
	require.NoError(t, err)
	require.NotNil(t, env.Alice)

	assert.EqualValues(t, 1, infra.bitcoinStarts)
	assert.EqualValues(t, 2, infra.lightningStarts)
	assert.Equal(t, 1, infra.wallets[RoleLndAlice].connectCalls)
	assert.Equal(t, 1, infra.wallets[RoleLndAlice].openCalls)
	assert.Equal(t, 1, infra.wallets[RoleLndBob].openCalls)
}

func TestSetupFailTogether(t *testing.T) {
	infra := newFakeInfra()
	infra.bitcoinErr = errors.New("bitcoind exited early")
	dir := t.TempDir()

	env, err := Setup(context.Background(), infra.options(dir, LedgerBitcoin, LedgerEthereum))
	require.Error(t, err)
	assert.Nil(t, env)

	// The healthy ledger still ran to completion and persisted its
	// config before the call failed as a whole.
	assert.EqualValues(t, 1, infra.ethereumStarts)
	locks := lockdir.NewManager(filepath.Join(dir, "locks"))
	var cached testframework.EthereumConfig
	ok, loadErr := locks.LoadConfig(RoleGeth, &cached)
	require.NoError(t, loadErr)
	assert.True(t, ok)

	// Only the failed role is reported.
	var se *SetupError
	require.ErrorAs(t, err, &se)
	require.Len(t, se.Failures, 1)
	assert.Equal(t, RoleBitcoind, se.Failures[0].Role)
	assert.ErrorIs(t, err, infra.bitcoinErr)

	// No config was written for the failed role, and its lock is free
	// again for a retry.
	ok, loadErr = locks.LoadConfig(RoleBitcoind, &testframework.BitcoinConfig{})
	require.NoError(t, loadErr)
	assert.False(t, ok)
	handle, lockErr := locks.Acquire(context.Background(), RoleBitcoind)
	require.NoError(t, lockErr)
	require.NoError(t, handle.Release())
}

func TestSetupLightningRoleFailure(t *testing.T) {
	infra := newFakeInfra()
	infra.lightningErr[RoleLndBob] = errors.New("lnd wallet never opened")

	env, err := Setup(context.Background(), infra.options(t.TempDir(), LedgerLightning))
	require.Error(t, err)
	assert.Nil(t, env)

	var se *SetupError
	require.ErrorAs(t, err, &se)
	require.Len(t, se.Failures, 1)
	assert.Equal(t, RoleLndBob, se.Failures[0].Role)

	// The surviving role is not bootstrapped against a half-up peer.
	assert.Equal(t, 0, infra.wallets[RoleLndAlice].connectCalls)
	assert.Equal(t, 0, infra.wallets[RoleLndAlice].openCalls)
}

func TestSetupBootstrapFailureRole(t *testing.T) {
	infra := newFakeInfra()
	mintErr := errors.New("faucet ran dry")
	infra.wallets[RoleLndBob].mintErr = mintErr

	env, err := Setup(context.Background(), infra.options(t.TempDir(), LedgerLightning))
	require.Error(t, err)
	assert.Nil(t, env)

	// The bootstrap spans both nodes, so its failure is not pinned on
	// either of them, whichever side's step broke.
	var se *SetupError
	require.ErrorAs(t, err, &se)
	require.Len(t, se.Failures, 1)
	assert.Equal(t, RoleBootstrap, se.Failures[0].Role)
	assert.ErrorIs(t, err, mintErr)
}

func TestSetupReusesCachedConfig(t *testing.T) {
	infra := newFakeInfra()
	dir := t.TempDir()

	cached := testframework.BitcoinConfig{
		RPCURL:      "http://127.0.0.1:28443",
		RPCUser:     "cacheduser",
		RPCPassword: "cachedpass",
		RPCPort:     28443,
		WalletName:  "miner",
	}
	locks := lockdir.NewManager(filepath.Join(dir, "locks"))
	require.NoError(t, locks.StoreConfig(RoleBitcoind, cached))

	env, err := Setup(context.Background(), infra.options(dir, LedgerBitcoin))
	require.NoError(t, err)

	assert.EqualValues(t, 0, infra.bitcoinStarts)
	assert.Equal(t, cached, *env.Bitcoin)
	// The miner is still ensured for a cached node.
	assert.EqualValues(t, 1, infra.minerStarts)
}

func TestSetupCorruptCacheIsFatal(t *testing.T) {
	infra := newFakeInfra()
	dir := t.TempDir()

	locks := lockdir.NewManager(filepath.Join(dir, "locks"))
	require.NoError(t, os.MkdirAll(filepath.Dir(locks.ConfigPath(RoleBitcoind)), 0755))
	require.NoError(t, os.WriteFile(locks.ConfigPath(RoleBitcoind), []byte("{truncated"), 0644))

	_, err := Setup(context.Background(), infra.options(dir, LedgerBitcoin))
	require.Error(t, err)
	assert.ErrorIs(t, err, lockdir.ErrCacheCorrupt)
	assert.EqualValues(t, 0, infra.bitcoinStarts)
}

func TestSetupLockTimeout(t *testing.T) {
	infra := newFakeInfra()
	dir := t.TempDir()

	// Another process holds the role lock for longer than we are willing
	// to wait.
	locks := lockdir.NewManager(filepath.Join(dir, "locks"))
	handle, err := locks.Acquire(context.Background(), RoleBitcoind)
	require.NoError(t, err)
	defer handle.Release()

	opts := infra.options(dir, LedgerBitcoin)
	opts.AcquireTimeout = 200 * time.Millisecond

	_, err = Setup(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, lockdir.ErrLockTimeout)
}

func TestSetupRequiresDir(t *testing.T) {
	_, err := Setup(context.Background(), Options{Ledgers: []Ledger{LedgerBitcoin}})
	require.Error(t, err)
}

func TestSetupDependencyUnmet(t *testing.T) {
	infra := newFakeInfra()

	o, err := newOrchestrator(infra.options(t.TempDir(), LedgerLightning))
	require.NoError(t, err)

	o.startLightning(context.Background(), &Environment{}, nil)

	require.Len(t, o.failures, 2)
	for _, f := range o.failures {
		assert.ErrorIs(t, f, ErrDependencyUnmet)
	}
}
