package testframework

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/comit-network/testenv/contracts/token"
)

// devAccountFunding is what the geth developer account transfers to the
// derived test account, enough for contract deploys and swap transactions.
var devAccountFunding = new(big.Int).Mul(big.NewInt(100), big.NewInt(params.Ether))

// GethNode runs a dev-mode geth. Dev mode gives us a single-node chain
// with instant or periodic sealing and a pre-funded, unlocked developer
// account reachable over the IPC endpoint.
type GethNode struct {
	*DaemonProcess

	DataDir  string
	HttpPort int
	IpcPath  string
	ChainID  *big.Int

	Client    *ethclient.Client
	rpcClient *rpc.Client
}

func NewGethNode(testDir string, id int) (*GethNode, error) {
	httpPort, err := GetFreePort()
	if err != nil {
		return nil, fmt.Errorf("GetFreePort() %w", err)
	}

	dataDir := filepath.Join(testDir, "geth")
	err = os.MkdirAll(dataDir, os.ModeDir|os.ModePerm)
	if err != nil {
		return nil, fmt.Errorf("os.MkdirAll() %w", err)
	}

	ipcPath := filepath.Join(dataDir, "geth.ipc")

	cmdLine := []string{
		"geth",
		"--dev",
		"--dev.period=1",
		fmt.Sprintf("--datadir=%s", dataDir),
		fmt.Sprintf("--ipcpath=%s", ipcPath),
		"--http",
		"--http.addr=127.0.0.1",
		fmt.Sprintf("--http.port=%d", httpPort),
		"--http.api=eth,net,web3",
		"--nodiscover",
		"--maxpeers=0",
	}

	return &GethNode{
		DaemonProcess: NewDaemonProcess(cmdLine, fmt.Sprintf("geth-%d", id)),
		DataDir:       dataDir,
		HttpPort:      httpPort,
		IpcPath:       ipcPath,
	}, nil
}

// Run starts geth and waits until the RPC endpoints answer.
func (n *GethNode) Run() error {
	n.DaemonProcess.Run()

	err := n.WaitForLog("HTTP server started", TIMEOUT)
	if err != nil {
		return err
	}

	// The ipc socket may appear slightly after the log line.
	err = WaitFor(func() bool {
		client, err := rpc.Dial(n.IpcPath)
		if err != nil {
			return false
		}
		n.rpcClient = client
		return true
	}, TIMEOUT)
	if err != nil {
		return fmt.Errorf("error waiting for ipc endpoint: %w", err)
	}

	n.Client = ethclient.NewClient(n.rpcClient)

	chainID, err := n.Client.ChainID(context.Background())
	if err != nil {
		return fmt.Errorf("ChainID() %w", err)
	}
	n.ChainID = chainID

	return nil
}

// DeriveConfig generates a fresh account, funds it from the developer
// account and deploys the test token contract from it. Only valid after a
// successful Run.
func (n *GethNode) DeriveConfig(ctx context.Context) (EthereumConfig, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return EthereumConfig{}, fmt.Errorf("crypto.GenerateKey() %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	// The dev account is the single unlocked account of the dev chain.
	var accounts []common.Address
	if err := n.rpcClient.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return EthereumConfig{}, fmt.Errorf("eth_accounts %w", err)
	}
	if len(accounts) == 0 {
		return EthereumConfig{}, fmt.Errorf("no developer account on dev chain")
	}

	var txHash common.Hash
	err = n.rpcClient.CallContext(ctx, &txHash, "eth_sendTransaction", map[string]interface{}{
		"from":  accounts[0],
		"to":    addr,
		"value": (*hexutil.Big)(devAccountFunding),
	})
	if err != nil {
		return EthereumConfig{}, fmt.Errorf("eth_sendTransaction %w", err)
	}

	err = WaitForWithErr(func() (bool, error) {
		balance, err := n.Client.BalanceAt(ctx, addr, nil)
		if err != nil {
			return false, fmt.Errorf("BalanceAt() %w", err)
		}
		return balance.Cmp(devAccountFunding) >= 0, nil
	}, TIMEOUT)
	if err != nil {
		return EthereumConfig{}, fmt.Errorf("error waiting for funding: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, n.ChainID)
	if err != nil {
		return EthereumConfig{}, fmt.Errorf("NewKeyedTransactorWithChainID() %w", err)
	}

	contractAddr, tx, tok, err := token.DeployToken(auth, n.Client)
	if err != nil {
		return EthereumConfig{}, fmt.Errorf("DeployToken() %w", err)
	}

	if _, err := bind.WaitDeployed(ctx, n.Client, tx); err != nil {
		return EthereumConfig{}, fmt.Errorf("WaitDeployed() %w", err)
	}

	// A config with a dead token address is worse than a failed setup,
	// prove the contract answers before persisting it.
	if _, err := tok.Decimals(&bind.CallOpts{Context: ctx}); err != nil {
		return EthereumConfig{}, fmt.Errorf("token Decimals() %w", err)
	}

	return EthereumConfig{
		RPCURL:        fmt.Sprintf("http://127.0.0.1:%d", n.HttpPort),
		ChainID:       n.ChainID.Int64(),
		DevKey:        hex.EncodeToString(crypto.FromECDSA(key)),
		TokenContract: contractAddr.Hex(),
		DataDir:       n.DataDir,
	}, nil
}
