package testenv

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/comit-network/testenv/lockdir"
	"github.com/comit-network/testenv/testframework"
)

// Setup brings up the requested ledger set, reusing nodes that another
// worker already started. Independent ledgers start concurrently, the
// lightning roles start strictly after bitcoin's config is persisted, and
// the wallet bootstrapper runs exactly once after both lightning roles are
// ready. If any role fails, Setup fails as a whole once all in-flight role
// attempts have settled, reporting every failed role.
func Setup(ctx context.Context, opts Options) (*Environment, error) {
	opts.applyEnv()
	if opts.Dir == "" {
		return nil, fmt.Errorf("testenv: Options.Dir must be set")
	}

	o, err := newOrchestrator(opts)
	if err != nil {
		return nil, err
	}
	return o.setup(ctx)
}

type orchestrator struct {
	opts  Options
	locks *lockdir.Manager
	log   *logrus.Entry

	mu       sync.Mutex
	failures []*StartupError
}

func newOrchestrator(opts Options) (*orchestrator, error) {
	locks := lockdir.NewManager(filepath.Join(opts.Dir, "locks"))
	if opts.AcquireTimeout != 0 {
		locks.AcquireTimeout = opts.AcquireTimeout
	}

	o := &orchestrator{
		opts:  opts,
		locks: locks,
		log:   logrus.WithField("component", "testenv"),
	}
	if o.opts.starters == nil {
		o.opts.starters = o.defaultStarters()
	}
	return o, nil
}

func (o *orchestrator) setup(ctx context.Context) (*Environment, error) {
	env := &Environment{log: o.log}

	// Lightning implies bitcoin. The implicit role replaces an explicit
	// one, starting both would race two instances of the same role.
	wantBitcoin := o.opts.wants(LedgerBitcoin) || o.opts.wants(LedgerLightning)
	wantEthereum := o.opts.wants(LedgerEthereum)
	wantLightning := o.opts.wants(LedgerLightning)

	var g errgroup.Group

	if wantEthereum {
		g.Go(func() error {
			cfg, err := ensureConfig(ctx, o.locks, RoleGeth, o.opts.starters.ethereum)
			if err != nil {
				o.recordFailure(RoleGeth, err)
				return nil
			}
			env.Ethereum = &cfg
			return nil
		})
	}

	if wantBitcoin {
		g.Go(func() error {
			cfg, err := ensureConfig(ctx, o.locks, RoleBitcoind, o.opts.starters.bitcoin)
			if err != nil {
				o.recordFailure(RoleBitcoind, err)
				return nil
			}
			env.Bitcoin = &cfg

			if err := o.opts.starters.ensureMiner(ctx, cfg); err != nil {
				o.recordFailure(RoleBitcoind, err)
				return nil
			}

			if wantLightning {
				// Bitcoin's config is persisted at this point, the
				// lightning roles may start.
				o.startLightning(ctx, env, &cfg)
			}
			return nil
		})
	}

	g.Wait()

	o.mu.Lock()
	failures := o.failures
	o.mu.Unlock()

	if len(failures) > 0 {
		return nil, &SetupError{Failures: failures}
	}

	o.log.Info("environment ready")
	return env, nil
}

// startLightning starts the two lightning roles concurrently with each
// other, each depending only on the bitcoin config, then runs the wallet
// bootstrapper once.
func (o *orchestrator) startLightning(ctx context.Context, env *Environment, bitcoin *testframework.BitcoinConfig) {
	if bitcoin == nil {
		o.recordFailure(RoleLndAlice, ErrDependencyUnmet)
		o.recordFailure(RoleLndBob, ErrDependencyUnmet)
		return
	}

	var g errgroup.Group
	for _, role := range []string{RoleLndAlice, RoleLndBob} {
		role := role
		g.Go(func() error {
			cfg, err := ensureConfig(ctx, o.locks, role, func(ctx context.Context) (testframework.LightningConfig, error) {
				return o.opts.starters.lightning(ctx, role, *bitcoin)
			})
			if err != nil {
				o.recordFailure(role, err)
				return nil
			}
			switch role {
			case RoleLndAlice:
				env.AliceLnd = &cfg
			case RoleLndBob:
				env.BobLnd = &cfg
			}
			return nil
		})
	}
	g.Wait()

	if env.AliceLnd == nil || env.BobLnd == nil {
		return
	}

	alice, err := o.opts.starters.wallet(*env.AliceLnd, *bitcoin)
	if err != nil {
		o.recordFailure(RoleLndAlice, err)
		return
	}
	bob, err := o.opts.starters.wallet(*env.BobLnd, *bitcoin)
	if err != nil {
		o.recordFailure(RoleLndBob, err)
		return
	}
	env.Alice = alice
	env.Bob = bob

	if err := bootstrapWallets(o.log, alice, bob); err != nil {
		o.recordFailure(RoleBootstrap, fmt.Errorf("wallet bootstrap: %w", err))
	}
}

func (o *orchestrator) recordFailure(role string, err error) {
	o.log.WithField("role", role).WithError(err).Error("ledger setup failed")

	o.mu.Lock()
	defer o.mu.Unlock()

	if se, ok := err.(*StartupError); ok {
		o.failures = append(o.failures, se)
		return
	}
	o.failures = append(o.failures, &StartupError{Role: role, Err: err})
}

// ensureConfig is the cache-or-create protocol, the one place that
// enforces its invariants: the whole check-then-start sequence runs under
// the role's lock, a config is only written after create fully succeeded,
// and the lock is released no matter what.
func ensureConfig[T any](ctx context.Context, locks *lockdir.Manager, role string, create func(context.Context) (T, error)) (T, error) {
	var cfg T

	handle, err := locks.Acquire(ctx, role)
	if err != nil {
		return cfg, &StartupError{Role: role, Err: err}
	}
	defer handle.Release()

	ok, err := locks.LoadConfig(role, &cfg)
	if err != nil {
		return cfg, &StartupError{Role: role, Err: err}
	}
	if ok {
		logrus.WithField("role", role).Info("reusing cached ledger config")
		return cfg, nil
	}

	cfg, err = create(ctx)
	if err != nil {
		return cfg, &StartupError{Role: role, Err: err}
	}

	if err := locks.StoreConfig(role, cfg); err != nil {
		return cfg, &StartupError{Role: role, Err: err}
	}

	logrus.WithField("role", role).Info("ledger started and config persisted")
	return cfg, nil
}

// defaultStarters wire the real node processes.
func (o *orchestrator) defaultStarters() *starters {
	mineInterval := o.opts.MineInterval
	if mineInterval == 0 {
		mineInterval = testframework.DefaultMineInterval
	}

	return &starters{
		bitcoin: func(ctx context.Context) (testframework.BitcoinConfig, error) {
			node, err := testframework.NewBitcoinNode(o.opts.Dir, 1)
			if err != nil {
				return testframework.BitcoinConfig{}, fmt.Errorf("NewBitcoinNode() %w", err)
			}
			if err := node.Run(true); err != nil {
				return testframework.BitcoinConfig{}, fmt.Errorf("bitcoind: %w: %s", err, node.LogTail(20))
			}
			return node.Config(), nil
		},

		ethereum: func(ctx context.Context) (testframework.EthereumConfig, error) {
			node, err := testframework.NewGethNode(o.opts.Dir, 1)
			if err != nil {
				return testframework.EthereumConfig{}, fmt.Errorf("NewGethNode() %w", err)
			}
			if err := node.Run(); err != nil {
				return testframework.EthereumConfig{}, fmt.Errorf("geth: %w: %s", err, node.LogTail(20))
			}
			cfg, err := node.DeriveConfig(ctx)
			if err != nil {
				return testframework.EthereumConfig{}, fmt.Errorf("geth: %w", err)
			}
			return cfg, nil
		},

		lightning: func(ctx context.Context, role string, bitcoin testframework.BitcoinConfig) (testframework.LightningConfig, error) {
			if o.opts.LightningImpl == "cln" {
				node, err := testframework.NewClnNode(o.opts.Dir, bitcoin, role)
				if err != nil {
					return testframework.LightningConfig{}, fmt.Errorf("NewClnNode() %w", err)
				}
				if err := node.Run(true, true); err != nil {
					return testframework.LightningConfig{}, fmt.Errorf("lightningd: %w: %s", err, node.LogTail(20))
				}
				return node.Config(), nil
			}

			node, err := testframework.NewLndNode(o.opts.Dir, bitcoin, role)
			if err != nil {
				return testframework.LightningConfig{}, fmt.Errorf("NewLndNode() %w", err)
			}
			if err := node.Run(true, true); err != nil {
				return testframework.LightningConfig{}, fmt.Errorf("lnd: %w: %s", err, node.LogTail(20))
			}
			return node.Config(), nil
		},

		wallet: func(cfg testframework.LightningConfig, bitcoin testframework.BitcoinConfig) (testframework.LightningWallet, error) {
			proxy, err := testframework.NewRpcProxyFromConfig(bitcoin)
			if err != nil {
				return nil, fmt.Errorf("NewRpcProxyFromConfig() %w", err)
			}
			if cfg.Impl == "cln" {
				return testframework.NewClnWallet(cfg, proxy)
			}
			return testframework.NewLndWallet(cfg, proxy)
		},

		ensureMiner: func(ctx context.Context, bitcoin testframework.BitcoinConfig) error {
			proxy, err := testframework.NewRpcProxyFromConfig(bitcoin)
			if err != nil {
				return fmt.Errorf("NewRpcProxyFromConfig() %w", err)
			}

			// The miner must keep running for the whole environment
			// lifetime, not just for this Setup call.
			pidFile := filepath.Join(o.locks.Root(), RoleBitcoind, "miner.pid")
			miner := testframework.NewMiner(proxy, pidFile, mineInterval)
			_, err = miner.EnsureStarted(context.Background())
			return err
		},
	}
}
