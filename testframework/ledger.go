package testframework

// The config types below are the persisted records of a started node's
// connection parameters. They are written to the role's lock directory
// after the first successful start and are authoritative from then on:
// a later worker that finds one connects to the running node instead of
// starting its own.

// BitcoinConfig describes a running bitcoind.
type BitcoinConfig struct {
	RPCURL      string `json:"rpcUrl"`
	RPCUser     string `json:"rpcUser"`
	RPCPassword string `json:"rpcPassword"`
	RPCPort     int    `json:"rpcPort"`
	DataDir     string `json:"dataDir"`
	ConfigFile  string `json:"configFile"`
	// WalletName is the dedicated miner wallet created on first start.
	WalletName string `json:"walletName"`

	// Zmq endpoints, needed by lightning nodes running against this chain.
	ZmqPubRawBlock string `json:"zmqPubRawBlock"`
	ZmqPubRawTx    string `json:"zmqPubRawTx"`
}

// EthereumConfig describes a running dev-mode geth with a deployed
// fungible-token contract.
type EthereumConfig struct {
	RPCURL  string `json:"rpcUrl"`
	ChainID int64  `json:"chainId"`
	// DevKey is the hex-encoded private key of a funded developer account.
	DevKey string `json:"devKey"`
	// TokenContract is the address of the token deployed by the dev account.
	TokenContract string `json:"tokenContract"`
	DataDir       string `json:"dataDir"`
}

// LightningConfig describes a running lightning node. GRPCHost, TLSCertPath
// and MacaroonPath are set for lnd, RPCSocketDir for c-lightning.
type LightningConfig struct {
	Impl         string `json:"impl"`
	Pubkey       string `json:"pubkey"`
	P2PAddr      string `json:"p2pAddr"`
	GRPCHost     string `json:"grpcHost,omitempty"`
	TLSCertPath  string `json:"tlsCertPath,omitempty"`
	MacaroonPath string `json:"macaroonPath,omitempty"`
	RPCSocketDir string `json:"rpcSocketDir,omitempty"`
	DataDir      string `json:"dataDir"`
}
