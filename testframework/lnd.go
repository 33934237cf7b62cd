package testframework

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnrpc"
)

var LND_CONFIG = map[string]string{
	"bitcoin.active":  "true",
	"bitcoin.regtest": "true",
	"bitcoin.node":    "bitcoind",
	"noseedbackup":    "true",
}

type LndNode struct {
	*DaemonProcess

	LndDir     string
	DataDir    string
	ConfigFile string
	RpcPort    int
	ListenPort int
	Info       *lnrpc.GetInfoResponse

	bitcoin BitcoinConfig
	wallet  *LndWallet
}

func NewLndNode(testDir string, bitcoin BitcoinConfig, name string) (*LndNode, error) {
	listen, err := GetFreePort()
	if err != nil {
		return nil, fmt.Errorf("GetFreePort() %w", err)
	}

	rpcListen, err := GetFreePort()
	if err != nil {
		return nil, fmt.Errorf("GetFreePort() %w", err)
	}

	lndDir := filepath.Join(testDir, name)
	dataDir := filepath.Join(lndDir, "data")
	err = os.MkdirAll(dataDir, os.ModeDir|os.ModePerm)
	if err != nil {
		return nil, fmt.Errorf("os.MkdirAll() %w", err)
	}

	config := map[string]string{}
	for k, v := range LND_CONFIG {
		config[k] = v
	}
	config["datadir"] = dataDir
	config["listen"] = fmt.Sprintf("localhost:%d", listen)
	config["rpclisten"] = fmt.Sprintf("localhost:%d", rpcListen)
	config["norest"] = "true"
	config["bitcoind.dir"] = bitcoin.DataDir
	config["bitcoind.rpchost"] = fmt.Sprintf("localhost:%d", bitcoin.RPCPort)
	config["bitcoind.rpcuser"] = bitcoin.RPCUser
	config["bitcoind.rpcpass"] = bitcoin.RPCPassword
	config["bitcoind.zmqpubrawblock"] = bitcoin.ZmqPubRawBlock
	config["bitcoind.zmqpubrawtx"] = bitcoin.ZmqPubRawTx

	configFile := filepath.Join(lndDir, "lnd.conf")
	WriteConfig(configFile, config, nil, "")

	cmdLine := []string{
		"lnd",
		fmt.Sprintf("--lnddir=%s", lndDir),
		fmt.Sprintf("--configfile=%s", configFile),
	}

	return &LndNode{
		DaemonProcess: NewDaemonProcess(cmdLine, name),
		LndDir:        lndDir,
		DataDir:       dataDir,
		ConfigFile:    configFile,
		RpcPort:       rpcListen,
		ListenPort:    listen,
		bitcoin:       bitcoin,
	}, nil
}

func (n *LndNode) TlsCertPath() string {
	return filepath.Join(n.LndDir, "tls.cert")
}

func (n *LndNode) MacaroonPath() string {
	return filepath.Join(n.DataDir, "chain", "bitcoin", "regtest", "admin.macaroon")
}

// Run starts lnd and optionally blocks until the wallet is open and the
// node is synced to the bitcoind chain tip.
func (n *LndNode) Run(waitForReady, waitForBitcoinSynced bool) error {
	n.DaemonProcess.Run()
	if waitForReady {
		err := n.WaitForLog("LightningWallet opened", TIMEOUT)
		if err != nil {
			return fmt.Errorf("LndNode.Run() %w", err)
		}
	}

	bitcoinRpc, err := NewRpcProxyFromConfig(n.bitcoin)
	if err != nil {
		return fmt.Errorf("NewRpcProxyFromConfig() %w", err)
	}

	wallet, err := NewLndWallet(LightningConfig{
		Impl:         "lnd",
		GRPCHost:     fmt.Sprintf("localhost:%d", n.RpcPort),
		TLSCertPath:  n.TlsCertPath(),
		MacaroonPath: n.MacaroonPath(),
		P2PAddr:      fmt.Sprintf("localhost:%d", n.ListenPort),
		DataDir:      n.LndDir,
	}, bitcoinRpc)
	if err != nil {
		return fmt.Errorf("NewLndWallet() %w", err)
	}
	n.wallet = wallet
	n.Info = wallet.info

	// Wait for sync with bitcoin network
	if waitForBitcoinSynced {
		return WaitForWithErr(func() (bool, error) {
			info, err := wallet.Rpc.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
			if err != nil {
				return false, fmt.Errorf("rpc.GetInfo() %w", err)
			}

			r, err := bitcoinRpc.Call("getblockcount")
			if err != nil {
				return false, fmt.Errorf("bitcoin.rpc.Call(\"getblockcount\") %w", err)
			}
			chainHeight, err := r.GetFloat()
			if err != nil {
				return false, fmt.Errorf("GetFloat() %w", err)
			}

			return info.SyncedToChain && chainHeight == float64(info.BlockHeight), nil
		}, TIMEOUT)
	}
	return nil
}

// Wallet returns the wallet handle for the running node. Only valid after
// a successful Run.
func (n *LndNode) Wallet() *LndWallet {
	return n.wallet
}

// Config derives the persisted connection record for this node. Only valid
// after a successful Run.
func (n *LndNode) Config() LightningConfig {
	return LightningConfig{
		Impl:         "lnd",
		Pubkey:       n.Info.IdentityPubkey,
		P2PAddr:      fmt.Sprintf("localhost:%d", n.ListenPort),
		GRPCHost:     fmt.Sprintf("localhost:%d", n.RpcPort),
		TLSCertPath:  n.TlsCertPath(),
		MacaroonPath: n.MacaroonPath(),
		DataDir:      n.LndDir,
	}
}

// LndWallet implements LightningWallet against a running lnd.
type LndWallet struct {
	*LndRpcClient

	cfg     LightningConfig
	bitcoin *RpcProxy
	info    *lnrpc.GetInfoResponse
}

func NewLndWallet(cfg LightningConfig, bitcoin *RpcProxy) (*LndWallet, error) {
	client, err := NewLndRpcClient(cfg.GRPCHost, cfg.TLSCertPath, cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("NewLndRpcClient() %w", err)
	}

	info, err := client.Rpc.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, fmt.Errorf("GetInfo() %w", err)
	}

	return &LndWallet{
		LndRpcClient: client,
		cfg:          cfg,
		bitcoin:      bitcoin,
		info:         info,
	}, nil
}

func (w *LndWallet) Pubkey() string {
	return w.info.IdentityPubkey
}

func (w *LndWallet) Address() string {
	return fmt.Sprintf("%s@%s", w.info.IdentityPubkey, w.cfg.P2PAddr)
}

func (w *LndWallet) ListPeers() ([]string, error) {
	r, err := w.Rpc.ListPeers(context.Background(), &lnrpc.ListPeersRequest{})
	if err != nil {
		return nil, fmt.Errorf("ListPeers() %w", err)
	}

	var peers []string
	for _, peer := range r.Peers {
		peers = append(peers, peer.PubKey)
	}
	return peers, nil
}

func (w *LndWallet) IsConnected(peer LightningWallet) (bool, error) {
	peers, err := w.ListPeers()
	if err != nil {
		return false, err
	}

	for _, pubkey := range peers {
		if pubkey == peer.Pubkey() {
			return true, nil
		}
	}
	return false, nil
}

func (w *LndWallet) Connect(peer LightningWallet) error {
	pubkey, host, port, err := SplitLnAddr(peer.Address())
	if err != nil {
		return fmt.Errorf("SplitLnAddr() %w", err)
	}

	_, err = w.Rpc.ConnectPeer(context.Background(), &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{
			Pubkey: pubkey,
			Host:   fmt.Sprintf("%s:%d", host, port),
		},
	})
	if err != nil {
		// A concurrent bootstrap may have connected the pair already.
		if strings.Contains(err.Error(), "already connected to peer") {
			return nil
		}
		return fmt.Errorf("ConnectPeer() %w", err)
	}
	return nil
}

// Mint sends amt from the bitcoind miner wallet to a fresh address and
// waits for the funds to confirm.
func (w *LndWallet) Mint(amt btcutil.Amount) error {
	before, err := w.confirmedBalance()
	if err != nil {
		return err
	}

	addr, err := w.Rpc.NewAddress(context.Background(), &lnrpc.NewAddressRequest{
		Type: lnrpc.AddressType_WITNESS_PUBKEY_HASH,
	})
	if err != nil {
		return fmt.Errorf("NewAddress() %w", err)
	}

	_, err = w.bitcoin.Call("sendtoaddress", addr.Address, amt.ToBTC())
	if err != nil {
		return fmt.Errorf("sendtoaddress %w", err)
	}

	if err := GenerateBlocks(w.bitcoin, 1); err != nil {
		return fmt.Errorf("GenerateBlocks() %w", err)
	}

	return WaitForWithErr(func() (bool, error) {
		balance, err := w.confirmedBalance()
		if err != nil {
			return false, err
		}
		return balance >= before+int64(amt), nil
	}, TIMEOUT)
}

func (w *LndWallet) confirmedBalance() (int64, error) {
	r, err := w.Rpc.WalletBalance(context.Background(), &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return 0, fmt.Errorf("WalletBalance() %w", err)
	}
	return r.ConfirmedBalance, nil
}

func (w *LndWallet) OpenChannel(peer LightningWallet, capacity btcutil.Amount) error {
	isConnected, err := w.IsConnected(peer)
	if err != nil {
		return fmt.Errorf("IsConnected() %w", err)
	}

	if !isConnected {
		if err := w.Connect(peer); err != nil {
			return fmt.Errorf("Connect() %w", err)
		}
	}

	err = WaitForWithErr(func() (bool, error) {
		return w.IsConnected(peer)
	}, TIMEOUT)
	if err != nil {
		return fmt.Errorf("error waiting for connection: %w", err)
	}

	pubkeyBytes, err := hex.DecodeString(peer.Pubkey())
	if err != nil {
		return fmt.Errorf("hex.DecodeString() %w", err)
	}

	_, err = w.Rpc.OpenChannelSync(context.Background(), &lnrpc.OpenChannelRequest{
		NodePubkey:         pubkeyBytes,
		LocalFundingAmount: int64(capacity),
	})
	if err != nil {
		return fmt.Errorf("OpenChannelSync() %w", err)
	}

	// Confirm the funding tx and wait for the channel to activate.
	if err := GenerateBlocks(w.bitcoin, 6); err != nil {
		return fmt.Errorf("GenerateBlocks() %w", err)
	}

	return WaitForWithErr(func() (bool, error) {
		return w.hasActiveChannelWith(peer.Pubkey())
	}, TIMEOUT)
}

func (w *LndWallet) HasChannelWith(peer LightningWallet) (bool, error) {
	r, err := w.Rpc.ListChannels(context.Background(), &lnrpc.ListChannelsRequest{})
	if err != nil {
		return false, fmt.Errorf("ListChannels() %w", err)
	}
	for _, ch := range r.Channels {
		if ch.RemotePubkey == peer.Pubkey() {
			return true, nil
		}
	}

	pending, err := w.Rpc.PendingChannels(context.Background(), &lnrpc.PendingChannelsRequest{})
	if err != nil {
		return false, fmt.Errorf("PendingChannels() %w", err)
	}
	for _, ch := range pending.PendingOpenChannels {
		if ch.Channel.RemoteNodePub == peer.Pubkey() {
			return true, nil
		}
	}
	return false, nil
}

func (w *LndWallet) hasActiveChannelWith(pubkey string) (bool, error) {
	r, err := w.Rpc.ListChannels(context.Background(), &lnrpc.ListChannelsRequest{
		ActiveOnly: true,
	})
	if err != nil {
		return false, fmt.Errorf("ListChannels() %w", err)
	}

	for _, ch := range r.Channels {
		if ch.RemotePubkey == pubkey {
			return true, nil
		}
	}
	return false, nil
}

func (w *LndWallet) Close() error {
	return w.LndRpcClient.Close()
}
