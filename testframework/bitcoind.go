package testframework

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var BITCOIND_CONFIG = map[string]string{
	"regtest":     "1",
	"rpcuser":     "rpcuser",
	"rpcpassword": "rpcpass",
	"fallbackfee": "0.00001",
}

// MinerWalletName is the dedicated wallet that block rewards are mined
// into. Its name is recorded in the persisted config so that later workers
// address the same wallet.
const MinerWalletName = "miner"

type BitcoinNode struct {
	*DaemonProcess
	*RpcProxy

	DataDir     string
	ConfigFile  string
	RpcPort     int
	RpcUser     string
	RpcPassword string
	WalletName  string

	ZmqPubRawBlock string
	ZmqPubRawTx    string
}

func NewBitcoinNode(testDir string, id int) (*BitcoinNode, error) {
	rpcPort, err := GetFreePort()
	if err != nil {
		return nil, err
	}

	zmqBlockPort, err := GetFreePort()
	if err != nil {
		return nil, err
	}

	zmqTxPort, err := GetFreePort()
	if err != nil {
		return nil, err
	}

	zmqPubRawBlock := fmt.Sprintf("tcp://127.0.0.1:%d", zmqBlockPort)
	zmqPubRawTx := fmt.Sprintf("tcp://127.0.0.1:%d", zmqTxPort)

	dataDir := filepath.Join(testDir, "bitcoind")

	err = os.MkdirAll(dataDir, os.ModeDir|os.ModePerm)
	if err != nil {
		return nil, err
	}

	cmdLine := []string{
		"bitcoind",
		fmt.Sprintf("-datadir=%s", dataDir),
		"-printtoconsole",
		"-server",
		"-logtimestamps",
		"-nolisten",
		"-txindex",
		"-nowallet",
		"-addresstype=bech32",
		fmt.Sprintf("-zmqpubrawblock=%s", zmqPubRawBlock),
		fmt.Sprintf("-zmqpubrawtx=%s", zmqPubRawTx),
	}

	regtestConfig := map[string]string{"rpcport": strconv.Itoa(rpcPort)}
	configFile := filepath.Join(dataDir, "bitcoin.conf")
	WriteConfig(configFile, BITCOIND_CONFIG, regtestConfig, "regtest")

	proxy, err := NewRpcProxy(configFile)
	if err != nil {
		return nil, fmt.Errorf("NewRpcProxy(configFile) %w", err)
	}

	return &BitcoinNode{
		DaemonProcess: NewDaemonProcess(cmdLine, fmt.Sprintf("bitcoind-%d", id)),
		RpcProxy:      proxy,
		DataDir:       dataDir,
		ConfigFile:    configFile,
		RpcPort:       rpcPort,
		RpcUser:       BITCOIND_CONFIG["rpcuser"],
		RpcPassword:   BITCOIND_CONFIG["rpcpassword"],
		WalletName:    MinerWalletName,

		ZmqPubRawBlock: zmqPubRawBlock,
		ZmqPubRawTx:    zmqPubRawTx,
	}, nil
}

// Run starts bitcoind, creates and loads the miner wallet and, if
// generateInitialBlocks is set, mines past coinbase maturity so that the
// wallet has spendable funds.
func (n *BitcoinNode) Run(generateInitialBlocks bool) error {
	n.DaemonProcess.Run()

	// Wait for daemon process to be ready
	err := n.WaitForLog("Done loading", TIMEOUT)
	if err != nil {
		return err
	}

	// Create and open the miner wallet
	if err := n.setupWallet(); err != nil {
		return err
	}

	if !generateInitialBlocks {
		return nil
	}

	// Check for 101 blocks
	blockchainInfo := struct {
		Blocks int `json:"blocks"`
	}{}

	r, err := n.Rpc.Call("getblockchaininfo")
	if err != nil {
		return fmt.Errorf("Call(\"getblockchaininfo\") %w", err)
	}

	err = r.GetObject(&blockchainInfo)
	if err != nil {
		return fmt.Errorf("GetObject() %w", err)
	}

	if blockchainInfo.Blocks < 101 {
		if err := n.GenerateBlocks(101 - blockchainInfo.Blocks); err != nil {
			return fmt.Errorf("GenerateBlocks() %w", err)
		}
	}

	// Check for walletbalance
	walletInfo := struct {
		Balance float32 `json:"balance"`
	}{}

	r, err = n.Rpc.Call("getwalletinfo")
	if err != nil {
		return fmt.Errorf("Call(\"getwalletinfo\") %w", err)
	}

	err = r.GetObject(&walletInfo)
	if err != nil {
		return fmt.Errorf("GetObject() %w", err)
	}

	if walletInfo.Balance < 1 {
		if err := n.GenerateBlocks(1); err != nil {
			return fmt.Errorf("GenerateBlocks() %w", err)
		}
	}

	return nil
}

// setupWallet creates and loads the miner wallet. Wallet errors ride in
// the response, not the transport error, so both are checked. A wallet
// left behind by an earlier run is reported as an error by bitcoind and
// is fine to reuse.
func (n *BitcoinNode) setupWallet() error {
	r, err := n.Call("createwallet", n.WalletName)
	if err != nil {
		return fmt.Errorf("can not create wallet: %w", err)
	}
	if r.Error != nil && !strings.Contains(r.Error.Message, "already exists") {
		return fmt.Errorf("can not create wallet: %s", r.Error.Message)
	}

	r, err = n.Call("loadwallet", n.WalletName)
	if err != nil {
		return fmt.Errorf("can not load wallet: %w", err)
	}
	if r.Error != nil && !strings.Contains(r.Error.Message, "already loaded") {
		return fmt.Errorf("can not load wallet: %s", r.Error.Message)
	}

	return nil
}

// Config derives the persisted connection record for this node. Only valid
// after a successful Run.
func (n *BitcoinNode) Config() BitcoinConfig {
	return BitcoinConfig{
		RPCURL:      fmt.Sprintf("http://localhost:%d", n.RpcPort),
		RPCUser:     n.RpcUser,
		RPCPassword: n.RpcPassword,
		RPCPort:     n.RpcPort,
		DataDir:     n.DataDir,
		ConfigFile:  n.ConfigFile,
		WalletName:  n.WalletName,

		ZmqPubRawBlock: n.ZmqPubRawBlock,
		ZmqPubRawTx:    n.ZmqPubRawTx,
	}
}

func (n *BitcoinNode) GenerateBlocks(b int) error {
	return GenerateBlocks(n.RpcProxy, b)
}

// GenerateBlocks mines b blocks to a fresh address of the currently loaded
// wallet.
func GenerateBlocks(proxy *RpcProxy, b int) error {
	r, err := proxy.Call("getnewaddress")
	if err != nil {
		return fmt.Errorf("getnewaddress %w", err)
	}

	address, err := r.GetString()
	if err != nil {
		return fmt.Errorf("GetString() %w", err)
	}

	_, err = proxy.Call("generatetoaddress", b, address)
	if err != nil {
		return fmt.Errorf("Call(\"generatetoaddress\") %w", err)
	}
	return nil
}
