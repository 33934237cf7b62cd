package main

import (
	"context"
	"encoding/json"
	"fmt"
	log2 "log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/comit-network/testenv/lockdir"
	"github.com/comit-network/testenv/testenv"
	"github.com/comit-network/testenv/testframework"
)

func main() {
	app := cli.NewApp()
	app.Name = "testenv"
	app.Usage = "Bring up and inspect a shared regtest environment"
	app.Commands = []cli.Command{
		upCommand, statusCommand, mineCommand,
	}
	err := app.Run(os.Args)
	if err != nil {
		log2.Fatal(err)
	}
}

var (
	dirFlag = cli.StringFlag{
		Name:     "dir",
		Usage:    "shared root directory for locks, configs and node data",
		Required: true,
	}
	ledgersFlag = cli.StringFlag{
		Name:  "ledgers",
		Value: "bitcoin,ethereum,lightning",
		Usage: "comma-separated ledger set: bitcoin, ethereum, lightning",
	}
	implFlag = cli.StringFlag{
		Name:  "lightning-impl",
		Value: "lnd",
		Usage: "lightning node implementation, 'lnd' or 'cln'",
	}
	blocksFlag = cli.IntFlag{
		Name:  "blocks",
		Value: 1,
		Usage: "number of blocks to mine",
	}
	watchFlag = cli.BoolFlag{
		Name:  "watch",
		Usage: "keep mining blocks on an interval until interrupted",
	}
	intervalFlag = cli.DurationFlag{
		Name:  "interval",
		Value: testframework.DefaultMineInterval,
		Usage: "block interval in watch mode",
	}

	upCommand = cli.Command{
		Name:  "up",
		Usage: "Start the requested ledgers (or attach to running ones) and print their configs",
		Flags: []cli.Flag{
			dirFlag,
			ledgersFlag,
			implFlag,
		},
		Action: up,
	}

	statusCommand = cli.Command{
		Name:  "status",
		Usage: "Print the cached configs of an environment without starting anything",
		Flags: []cli.Flag{
			dirFlag,
		},
		Action: status,
	}

	mineCommand = cli.Command{
		Name:  "mine",
		Usage: "Mine blocks on the environment's bitcoind",
		Flags: []cli.Flag{
			dirFlag,
			blocksFlag,
			watchFlag,
			intervalFlag,
		},
		Action: mine,
	}
)

func up(ctx *cli.Context) error {
	var ledgers []testenv.Ledger
	for _, l := range strings.Split(ctx.String("ledgers"), ",") {
		switch l = strings.TrimSpace(l); l {
		case "bitcoin":
			ledgers = append(ledgers, testenv.LedgerBitcoin)
		case "ethereum":
			ledgers = append(ledgers, testenv.LedgerEthereum)
		case "lightning":
			ledgers = append(ledgers, testenv.LedgerLightning)
		default:
			return fmt.Errorf("unknown ledger %q", l)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	env, err := testenv.Setup(runCtx, testenv.Options{
		Dir:           ctx.String("dir"),
		Ledgers:       ledgers,
		LightningImpl: ctx.String("lightning-impl"),
	})
	if err != nil {
		return err
	}
	defer env.Close()

	return printJson(map[string]interface{}{
		"bitcoin":   env.Bitcoin,
		"ethereum":  env.Ethereum,
		"lnd-alice": env.AliceLnd,
		"lnd-bob":   env.BobLnd,
	})
}

func status(ctx *cli.Context) error {
	locks := lockdir.NewManager(filepath.Join(ctx.String("dir"), "locks"))

	configs := map[string]interface{}{}
	var bitcoin testframework.BitcoinConfig
	if ok, err := locks.LoadConfig("bitcoind", &bitcoin); err != nil {
		return err
	} else if ok {
		configs["bitcoin"] = bitcoin
	}
	var ethereum testframework.EthereumConfig
	if ok, err := locks.LoadConfig("geth", &ethereum); err != nil {
		return err
	} else if ok {
		configs["ethereum"] = ethereum
	}
	for _, role := range []string{"lnd-alice", "lnd-bob"} {
		var lightning testframework.LightningConfig
		if ok, err := locks.LoadConfig(role, &lightning); err != nil {
			return err
		} else if ok {
			configs[role] = lightning
		}
	}

	if len(configs) == 0 {
		return fmt.Errorf("no cached configs under %s", ctx.String("dir"))
	}
	return printJson(configs)
}

func mine(ctx *cli.Context) error {
	locks := lockdir.NewManager(filepath.Join(ctx.String("dir"), "locks"))

	var bitcoin testframework.BitcoinConfig
	ok, err := locks.LoadConfig("bitcoind", &bitcoin)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no bitcoind config under %s, run `testenv up` first", ctx.String("dir"))
	}

	proxy, err := testframework.NewRpcProxyFromConfig(bitcoin)
	if err != nil {
		return err
	}

	if ctx.Bool("watch") {
		return mineWatch(ctx, proxy)
	}

	blocks := ctx.Int("blocks")
	start := time.Now()
	if err := testframework.GenerateBlocks(proxy, blocks); err != nil {
		return err
	}
	fmt.Printf("mined %d block(s) in %s\n", blocks, time.Since(start).Round(time.Millisecond))
	return nil
}

// mineWatch runs a foreground miner for environments whose original worker
// has exited, taking over the pid file the orchestrator uses.
func mineWatch(ctx *cli.Context, proxy *testframework.RpcProxy) error {
	locks := lockdir.NewManager(filepath.Join(ctx.String("dir"), "locks"))
	pidFile := filepath.Join(locks.Root(), "bitcoind", "miner.pid")

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	miner := testframework.NewMiner(proxy, pidFile, ctx.Duration("interval"))
	started, err := miner.EnsureStarted(runCtx)
	if err != nil {
		return err
	}
	if !started {
		return fmt.Errorf("a miner is already running for %s", ctx.String("dir"))
	}
	defer miner.Stop()

	fmt.Printf("mining a block every %s, interrupt to stop\n", ctx.Duration("interval"))
	<-runCtx.Done()
	return nil
}

func printJson(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
