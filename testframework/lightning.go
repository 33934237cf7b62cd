package testframework

import (
	"github.com/btcsuite/btcd/btcutil"
)

// LightningWallet is the capability surface the wallet bootstrapper works
// against, implemented by both the lnd and the c-lightning variant. A
// wallet is constructed from a persisted LightningConfig, so it works the
// same whether this worker started the node or found it already running.
type LightningWallet interface {
	// Pubkey returns the node's identity pubkey as hex.
	Pubkey() string
	// Address returns the node's p2p address as `pubkey@host:port`.
	Address() string

	// ListPeers returns the pubkeys of currently connected peers.
	ListPeers() ([]string, error)
	IsConnected(peer LightningWallet) (bool, error)
	Connect(peer LightningWallet) error

	// Mint funds the wallet's on-chain balance and waits for the funds to
	// confirm.
	Mint(amt btcutil.Amount) error

	// OpenChannel opens a channel of the given capacity to peer and waits
	// for it to become active. The wallet must hold sufficient confirmed
	// on-chain funds.
	OpenChannel(peer LightningWallet, capacity btcutil.Amount) error
	// HasChannelWith reports whether an open or pending channel to peer
	// exists.
	HasChannelWith(peer LightningWallet) (bool, error)

	Close() error
}
