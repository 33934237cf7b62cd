package testframework

import (
	"os"
	"path/filepath"
	"testing"
)

// clnBitcoinConfig writes a minimal bitcoin.conf and returns a config
// pointing at it, enough for NewClnNode to assemble its command line.
func clnBitcoinConfig(t *testing.T, dir string) BitcoinConfig {
	t.Helper()

	confFile := filepath.Join(dir, "bitcoin.conf")
	WriteConfig(confFile, map[string]string{
		"rpcport":     "18443",
		"rpcuser":     "user",
		"rpcpassword": "password",
	}, nil, "")

	return BitcoinConfig{
		RPCURL:      "http://127.0.0.1:18443",
		RPCUser:     "user",
		RPCPassword: "password",
		RPCPort:     18443,
		DataDir:     dir,
		ConfigFile:  confFile,
	}
}

func TestClnSeedFromShortPath(t *testing.T) {
	bitcoinDir := t.TempDir()
	bitcoin := clnBitcoinConfig(t, bitcoinDir)

	// A short relative data dir must still yield a full-size seed.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("os.Getwd() got err %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("os.Chdir() got err %v", err)
	}

	node, err := NewClnNode("c", bitcoin, "cln-a")
	if err != nil {
		t.Fatalf("NewClnNode() got err %v", err)
	}

	seed, err := os.ReadFile(filepath.Join(node.NetworkDir, "hsm_secret"))
	if err != nil {
		t.Fatalf("os.ReadFile() got err %v", err)
	}
	if len(seed) != 32 {
		t.Fatalf("expected 32 byte seed, got %d", len(seed))
	}

	// The seed derives from the path alone, a second node over the same
	// directory must recover the identical secret.
	again, err := NewClnNode("c", bitcoin, "cln-a")
	if err != nil {
		t.Fatalf("NewClnNode() got err %v", err)
	}
	seed2, err := os.ReadFile(filepath.Join(again.NetworkDir, "hsm_secret"))
	if err != nil {
		t.Fatalf("os.ReadFile() got err %v", err)
	}
	if string(seed) != string(seed2) {
		t.Fatalf("expected deterministic seed, got two different secrets")
	}
}
