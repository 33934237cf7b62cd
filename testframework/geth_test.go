package testframework

import (
	"context"
	"math/big"
	"os/exec"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/comit-network/testenv/contracts/token"
)

func TestGeth(t *testing.T) {
	if _, err := exec.LookPath("geth"); err != nil {
		t.Skip("geth not in PATH")
	}

	testDir := t.TempDir()

	geth, err := NewGethNode(testDir, 1)
	if err != nil {
		t.Fatalf("could not create geth %v", err)
	}
	t.Cleanup(geth.Kill)

	if err := geth.Run(); err != nil {
		t.Fatalf("geth.Run() got err %v", err)
	}

	cfg, err := geth.DeriveConfig(context.Background())
	if err != nil {
		t.Fatalf("DeriveConfig() got err %v", err)
	}

	if cfg.ChainID == 0 {
		t.Fatalf("expected non-zero chain id")
	}
	if cfg.DevKey == "" {
		t.Fatalf("expected dev key in config")
	}
	if cfg.TokenContract == "" {
		t.Fatalf("expected token contract address in config")
	}

	// The deployed contract must behave like a token, not just exist.
	tok, err := token.NewToken(common.HexToAddress(cfg.TokenContract), geth.Client)
	if err != nil {
		t.Fatalf("NewToken() got err %v", err)
	}

	decimals, err := tok.Decimals(&bind.CallOpts{})
	if err != nil {
		t.Fatalf("Decimals() got err %v", err)
	}
	if decimals != 18 {
		t.Fatalf("expected 18 decimals, got %d", decimals)
	}

	supply, err := tok.TotalSupply(&bind.CallOpts{})
	if err != nil {
		t.Fatalf("TotalSupply() got err %v", err)
	}
	if supply.Sign() != 0 {
		t.Fatalf("expected zero initial supply, got %s", supply)
	}

	key, err := crypto.HexToECDSA(cfg.DevKey)
	if err != nil {
		t.Fatalf("HexToECDSA() got err %v", err)
	}
	holder := crypto.PubkeyToAddress(key.PublicKey)

	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		t.Fatalf("NewKeyedTransactorWithChainID() got err %v", err)
	}

	amount := big.NewInt(1_000_000)
	tx, err := tok.Mint(auth, holder, amount)
	if err != nil {
		t.Fatalf("Mint() got err %v", err)
	}
	if _, err := bind.WaitMined(context.Background(), geth.Client, tx); err != nil {
		t.Fatalf("WaitMined() got err %v", err)
	}

	balance, err := tok.BalanceOf(&bind.CallOpts{}, holder)
	if err != nil {
		t.Fatalf("BalanceOf() got err %v", err)
	}
	if balance.Cmp(amount) != 0 {
		t.Fatalf("expected balance %s, got %s", amount, balance)
	}
}
