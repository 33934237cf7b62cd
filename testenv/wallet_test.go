package testenv

import (
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comit-network/testenv/testframework"
)

// fakeWallet is an in-memory LightningWallet for orchestration tests.
type fakeWallet struct {
	mu sync.Mutex

	pubkey string
	addr   string

	peers    map[string]bool
	minted   btcutil.Amount
	mintErr  error
	channels map[string]btcutil.Amount

	connectCalls int
	openCalls    int
	closed       bool
}

func newFakeWallet(pubkey string) *fakeWallet {
	return &fakeWallet{
		pubkey:   pubkey,
		addr:     fmt.Sprintf("%s@localhost:9735", pubkey),
		peers:    map[string]bool{},
		channels: map[string]btcutil.Amount{},
	}
}

func (w *fakeWallet) Pubkey() string  { return w.pubkey }
func (w *fakeWallet) Address() string { return w.addr }

func (w *fakeWallet) ListPeers() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var peers []string
	for pubkey := range w.peers {
		peers = append(peers, pubkey)
	}
	return peers, nil
}

func (w *fakeWallet) IsConnected(peer testframework.LightningWallet) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peers[peer.Pubkey()], nil
}

func (w *fakeWallet) Connect(peer testframework.LightningWallet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connectCalls++
	w.peers[peer.Pubkey()] = true
	return nil
}

func (w *fakeWallet) Mint(amt btcutil.Amount) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mintErr != nil {
		return w.mintErr
	}
	w.minted += amt
	return nil
}

func (w *fakeWallet) OpenChannel(peer testframework.LightningWallet, capacity btcutil.Amount) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.openCalls++
	w.channels[peer.Pubkey()] = capacity
	return nil
}

func (w *fakeWallet) HasChannelWith(peer testframework.LightningWallet) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.channels[peer.Pubkey()]
	return ok, nil
}

func (w *fakeWallet) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func testLog() *logrus.Entry {
	return logrus.WithField("component", "test")
}

func TestBootstrapWallets(t *testing.T) {
	alice := newFakeWallet("02aaaa")
	bob := newFakeWallet("02bbbb")

	require.NoError(t, bootstrapWallets(testLog(), alice, bob))

	connected, err := alice.IsConnected(bob)
	require.NoError(t, err)
	assert.True(t, connected)

	assert.Equal(t, fundingAmount, alice.minted)
	assert.Equal(t, fundingAmount, bob.minted)

	assert.Equal(t, ChannelCapacity, alice.channels[bob.Pubkey()])
	assert.Equal(t, ChannelCapacity, bob.channels[alice.Pubkey()])
	assert.EqualValues(t, 15_000_000, alice.channels[bob.Pubkey()])
}

func TestBootstrapIdempotent(t *testing.T) {
	alice := newFakeWallet("02aaaa")
	bob := newFakeWallet("02bbbb")

	require.NoError(t, bootstrapWallets(testLog(), alice, bob))
	require.NoError(t, bootstrapWallets(testLog(), alice, bob))

	// The second run found peers and channels in place, only funding is
	// repeated.
	assert.Equal(t, 1, alice.connectCalls)
	assert.Equal(t, 1, alice.openCalls)
	assert.Equal(t, 1, bob.openCalls)
}

func TestEnsureChannelSkipsExisting(t *testing.T) {
	alice := newFakeWallet("02aaaa")
	bob := newFakeWallet("02bbbb")

	require.NoError(t, alice.OpenChannel(bob, ChannelCapacity))
	require.NoError(t, ensureChannel(testLog(), alice, bob))

	assert.Equal(t, 1, alice.openCalls)
}
