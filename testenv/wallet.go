package testenv

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/comit-network/testenv/testframework"
)

// bootstrapWallets prepares the two lightning actors for swap tests:
// peer them, fund both on-chain and open a channel in each direction.
// Peering happens before funding, funding before channel open. The two
// sides' funding has no ordering between each other. Every step is
// idempotent, so running against nodes bootstrapped by an earlier worker
// converges without stacking channels.
func bootstrapWallets(log *logrus.Entry, alice, bob testframework.LightningWallet) error {
	if err := ensurePeered(log, alice, bob); err != nil {
		return fmt.Errorf("ensurePeered() %w", err)
	}

	var g errgroup.Group
	for _, w := range []testframework.LightningWallet{alice, bob} {
		w := w
		g.Go(func() error {
			return w.Mint(fundingAmount)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("Mint() %w", err)
	}

	if err := ensureChannel(log, alice, bob); err != nil {
		return fmt.Errorf("ensureChannel(alice, bob) %w", err)
	}
	if err := ensureChannel(log, bob, alice); err != nil {
		return fmt.Errorf("ensureChannel(bob, alice) %w", err)
	}

	return nil
}

// ensurePeered connects a to b unless the peer list already shows them
// connected. Connecting an already-connected pair is a no-op.
func ensurePeered(log *logrus.Entry, a, b testframework.LightningWallet) error {
	connected, err := a.IsConnected(b)
	if err != nil {
		return fmt.Errorf("IsConnected() %w", err)
	}
	if connected {
		log.Debug("lightning peers already connected")
		return nil
	}

	if err := a.Connect(b); err != nil {
		return fmt.Errorf("Connect() %w", err)
	}

	return testframework.WaitForWithErr(func() (bool, error) {
		return a.IsConnected(b)
	}, testframework.TIMEOUT)
}

// ensureChannel opens a channel from a to b unless one already exists.
func ensureChannel(log *logrus.Entry, a, b testframework.LightningWallet) error {
	has, err := a.HasChannelWith(b)
	if err != nil {
		return fmt.Errorf("HasChannelWith() %w", err)
	}
	if has {
		log.Debug("channel already open")
		return nil
	}

	return a.OpenChannel(b, ChannelCapacity)
}
