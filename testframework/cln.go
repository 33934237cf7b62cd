package testframework

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/elementsproject/glightning/glightning"
)

// ClnNode runs a c-lightning node as the lightning ledger variant
// alternative to lnd.
type ClnNode struct {
	*DaemonProcess

	DataDir    string
	NetworkDir string
	ListenPort int
	Info       *glightning.NodeInfo

	bitcoin BitcoinConfig
	wallet  *ClnWallet
}

func NewClnNode(testDir string, bitcoin BitcoinConfig, name string) (*ClnNode, error) {
	listenPort, err := GetFreePort()
	if err != nil {
		return nil, fmt.Errorf("GetFreePort() %w", err)
	}

	dataDir := filepath.Join(testDir, name)
	networkDir := filepath.Join(dataDir, "regtest")

	err = os.MkdirAll(networkDir, os.ModeDir|os.ModePerm)
	if err != nil {
		return nil, fmt.Errorf("os.MkdirAll() %w", err)
	}

	bitcoinConf, err := ReadConfig(bitcoin.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("ReadConfig() %w", err)
	}

	bitcoinRpcPort, ok := bitcoinConf["rpcport"]
	if !ok {
		return nil, fmt.Errorf("rpcport not found in config %s", bitcoin.ConfigFile)
	}

	cmdLine := []string{
		"lightningd",
		fmt.Sprintf("--lightning-dir=%s", dataDir),
		fmt.Sprintf("--log-level=%s", "debug"),
		fmt.Sprintf("--addr=127.0.0.1:%d", listenPort),
		fmt.Sprintf("--network=%s", "regtest"),
		fmt.Sprintf("--ignore-fee-limits=%s", "false"),
		fmt.Sprintf("--bitcoin-rpcuser=%s", bitcoin.RPCUser),
		fmt.Sprintf("--bitcoin-rpcpassword=%s", bitcoin.RPCPassword),
		fmt.Sprintf("--bitcoin-rpcport=%s", bitcoinRpcPort),
		fmt.Sprintf("--bitcoin-datadir=%s", bitcoin.DataDir),
	}

	// Derive a deterministic node seed from the data dir path. Hashing
	// gives the exact 32 bytes hsmd wants for any path length.
	seed := sha256.Sum256([]byte(dataDir))
	seedFile := filepath.Join(networkDir, "hsm_secret")
	err = os.WriteFile(seedFile, seed[:], os.ModePerm)
	if err != nil {
		return nil, fmt.Errorf("WriteFile() %w", err)
	}

	return &ClnNode{
		DaemonProcess: NewDaemonProcess(cmdLine, name),
		DataDir:       dataDir,
		NetworkDir:    networkDir,
		ListenPort:    listenPort,
		bitcoin:       bitcoin,
	}, nil
}

func (n *ClnNode) Run(waitForReady, waitForBitcoinSynced bool) error {
	n.DaemonProcess.Run()
	if waitForReady {
		err := n.WaitForLog("Server started with public key", TIMEOUT)
		if err != nil {
			return fmt.Errorf("ClnNode.Run() %w", err)
		}
	}

	bitcoinRpc, err := NewRpcProxyFromConfig(n.bitcoin)
	if err != nil {
		return fmt.Errorf("NewRpcProxyFromConfig() %w", err)
	}

	var wallet *ClnWallet
	var counter int
	for {
		if counter > 10 {
			return fmt.Errorf("too many proxy retries: %w", err)
		}

		wallet, err = NewClnWallet(LightningConfig{
			Impl:         "cln",
			P2PAddr:      fmt.Sprintf("127.0.0.1:%d", n.ListenPort),
			RPCSocketDir: n.NetworkDir,
			DataDir:      n.DataDir,
		}, bitcoinRpc)
		if err != nil {
			counter++
			time.Sleep(500 * time.Millisecond)
			continue
		}

		break
	}
	n.wallet = wallet
	n.Info = wallet.info

	if waitForBitcoinSynced {
		return WaitForWithErr(func() (bool, error) {
			info, err := wallet.Rpc.GetInfo()
			if err != nil {
				return false, fmt.Errorf("rpc.GetInfo() %w", err)
			}
			return info.IsBitcoindSync() && info.IsLightningdSync(), nil
		}, TIMEOUT)
	}

	return nil
}

// Wallet returns the wallet handle for the running node. Only valid after
// a successful Run.
func (n *ClnNode) Wallet() *ClnWallet {
	return n.wallet
}

// Config derives the persisted connection record for this node. Only valid
// after a successful Run.
func (n *ClnNode) Config() LightningConfig {
	return LightningConfig{
		Impl:         "cln",
		Pubkey:       n.Info.Id,
		P2PAddr:      fmt.Sprintf("127.0.0.1:%d", n.ListenPort),
		RPCSocketDir: n.NetworkDir,
		DataDir:      n.DataDir,
	}
}

// ClnWallet implements LightningWallet against a running c-lightning node.
type ClnWallet struct {
	*CLightningProxy

	cfg     LightningConfig
	bitcoin *RpcProxy
	info    *glightning.NodeInfo
}

func NewClnWallet(cfg LightningConfig, bitcoin *RpcProxy) (*ClnWallet, error) {
	proxy, err := NewCLightningProxy("lightning-rpc", cfg.RPCSocketDir)
	if err != nil {
		return nil, fmt.Errorf("NewCLightningProxy() %w", err)
	}

	if err := proxy.StartProxy(); err != nil {
		return nil, fmt.Errorf("StartProxy() %w", err)
	}

	info, err := proxy.Rpc.GetInfo()
	if err != nil {
		return nil, fmt.Errorf("rpc.GetInfo() %w", err)
	}

	return &ClnWallet{
		CLightningProxy: proxy,
		cfg:             cfg,
		bitcoin:         bitcoin,
		info:            info,
	}, nil
}

func (w *ClnWallet) Pubkey() string {
	return w.info.Id
}

func (w *ClnWallet) Address() string {
	return fmt.Sprintf("%s@%s", w.info.Id, w.cfg.P2PAddr)
}

func (w *ClnWallet) ListPeers() ([]string, error) {
	peers, err := w.Rpc.ListPeers()
	if err != nil {
		return nil, fmt.Errorf("rpc.ListPeers() %w", err)
	}

	var pubkeys []string
	for _, peer := range peers {
		pubkeys = append(pubkeys, peer.Id)
	}
	return pubkeys, nil
}

func (w *ClnWallet) IsConnected(peer LightningWallet) (bool, error) {
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

func (w *ClnWallet) Connect(peer LightningWallet) error {
	pubkey, host, port, err := SplitLnAddr(peer.Address())
	if err != nil {
		return fmt.Errorf("SplitLnAddr() %w", err)
	}

	_, err = w.Rpc.Connect(pubkey, host, uint(port))
	if err != nil {
		return fmt.Errorf("rpc.Connect() %w", err)
	}
	return nil
}

func (w *ClnWallet) Mint(amt btcutil.Amount) error {
	before, err := w.onchainSats()
	if err != nil {
		return err
	}

	addr, err := w.Rpc.NewAddr()
	if err != nil {
		return fmt.Errorf("rpc.NewAddr() %w", err)
	}

	_, err = w.bitcoin.Call("sendtoaddress", addr, amt.ToBTC())
	if err != nil {
		return fmt.Errorf("sendtoaddress %w", err)
	}

	if err := GenerateBlocks(w.bitcoin, 1); err != nil {
		return fmt.Errorf("GenerateBlocks() %w", err)
	}

	return WaitForWithErr(func() (bool, error) {
		sats, err := w.onchainSats()
		if err != nil {
			return false, err
		}
		return sats >= before+uint64(amt), nil
	}, TIMEOUT)
}

func (w *ClnWallet) onchainSats() (uint64, error) {
	funds, err := w.Rpc.ListFunds()
	if err != nil {
		return 0, fmt.Errorf("rpc.ListFunds() %w", err)
	}

	var sum uint64
	for _, output := range funds.Outputs {
		sum += output.Value
	}
	return sum, nil
}

func (w *ClnWallet) OpenChannel(peer LightningWallet, capacity btcutil.Amount) error {
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

	_, err = w.Rpc.FundChannel(peer.Pubkey(), &glightning.Sat{Value: uint64(capacity)})
	if err != nil {
		return fmt.Errorf("FundChannel() %w", err)
	}

	if err := GenerateBlocks(w.bitcoin, 6); err != nil {
		return fmt.Errorf("GenerateBlocks() %w", err)
	}

	return WaitForWithErr(func() (bool, error) {
		return w.hasActiveChannelWith(peer.Pubkey())
	}, TIMEOUT)
}

func (w *ClnWallet) HasChannelWith(peer LightningWallet) (bool, error) {
	peers, err := w.Rpc.ListPeers()
	if err != nil {
		return false, fmt.Errorf("rpc.ListPeers() %w", err)
	}

	for _, p := range peers {
		if p.Id == peer.Pubkey() && len(p.Channels) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (w *ClnWallet) hasActiveChannelWith(pubkey string) (bool, error) {
	peers, err := w.Rpc.ListPeers()
	if err != nil {
		return false, fmt.Errorf("rpc.ListPeers() %w", err)
	}

	for _, p := range peers {
		if p.Id != pubkey {
			continue
		}
		for _, ch := range p.Channels {
			if ch.State == "CHANNELD_NORMAL" {
				return true, nil
			}
		}
	}
	return false, nil
}

// Close drops this client's socket connection. The node itself keeps
// running, it is shared infrastructure.
func (w *ClnWallet) Close() error {
	w.Rpc.Shutdown()
	return nil
}
