package testframework

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMineInterval is the pace of the background miner. One block a
// second keeps regtest confirmations moving without flooding the chain.
const DefaultMineInterval = 1 * time.Second

// Miner mines blocks on an interval against a running bitcoind, so that
// transactions made by tests confirm without each test mining by hand.
type Miner struct {
	proxy    *RpcProxy
	interval time.Duration
	pidFile  string
	cancel   context.CancelFunc
	log      *logrus.Entry
}

func NewMiner(proxy *RpcProxy, pidFile string, interval time.Duration) *Miner {
	return &Miner{
		proxy:    proxy,
		interval: interval,
		pidFile:  pidFile,
		log:      logrus.WithField("role", "miner"),
	}
}

// EnsureStarted starts the mining loop unless a pid file already records a
// live miner for this data directory. The loop dies with the process that
// started it, so a pid file whose process is gone is stale and gets
// reclaimed. The pid file is not a lock: two workers racing through
// first-time startup could in principle both start a miner, which at worst
// mines redundant blocks. Reports whether this call started the miner.
func (m *Miner) EnsureStarted(ctx context.Context) (bool, error) {
	data, err := os.ReadFile(m.pidFile)
	if err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil && pidAlive(pid) {
			m.log.WithField("pid", pid).Debug("miner already running")
			return false, nil
		}
		m.log.WithField("pid_file", m.pidFile).Info("reclaiming stale miner pid file")
		if err := os.Remove(m.pidFile); err != nil {
			return false, fmt.Errorf("os.Remove() %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("os.ReadFile() %w", err)
	}

	if err := os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return false, fmt.Errorf("os.WriteFile() %w", err)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
	m.log.WithField("interval", m.interval).Info("background miner started")
	return true, nil
}

// Stop halts the loop and clears the pid file. Only meaningful in the
// process that started the miner.
func (m *Miner) Stop() {
	if m.cancel != nil {
		m.cancel()
		os.Remove(m.pidFile)
	}
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// performs the permission and existence checks without delivering anything.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (m *Miner) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := GenerateBlocks(m.proxy, 1); err != nil {
				m.log.WithError(err).Debug("mining tick failed")
			}
		}
	}
}
