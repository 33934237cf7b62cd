package lockdir

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFileName   = "lock"
	pidFileName    = "pid"
	configFileName = "config.json"

	defaultAcquireTimeout = 60 * time.Second
	defaultRetryDelay     = 250 * time.Millisecond
)

// ErrLockTimeout is returned by Acquire if the role's lock could not be
// obtained within the acquire timeout. A crashed holder that never released
// its lock will surface as this error on every subsequent setup attempt,
// there is no stale-lock recovery.
var ErrLockTimeout = errors.New("lockdir: timed out waiting for lock")

// Manager hands out cross-process locks over per-role directories below a
// common root. Every role gets its own directory holding the lock file, a
// pid file for crash diagnostics and the persisted config.
type Manager struct {
	// AcquireTimeout bounds the wait in Acquire.
	AcquireTimeout time.Duration
	// RetryDelay is the polling interval while waiting on a held lock.
	RetryDelay time.Duration

	root string
}

func NewManager(root string) *Manager {
	return &Manager{
		AcquireTimeout: defaultAcquireTimeout,
		RetryDelay:     defaultRetryDelay,
		root:           root,
	}
}

func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) roleDir(role string) string {
	return filepath.Join(m.root, role)
}

// Acquire blocks until the calling process holds the exclusive lock for role,
// creating the role directory if needed. At most one Handle per role is
// outstanding at any instant, across all cooperating processes. The wait is
// bounded by AcquireTimeout and by ctx, whichever ends first.
func (m *Manager) Acquire(ctx context.Context, role string) (*Handle, error) {
	dir := m.roleDir(role)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll() %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, m.AcquireTimeout)
	defer cancel()

	fl := flock.New(filepath.Join(dir, lockFileName))
	ok, err := fl.TryLockContext(lockCtx, m.RetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, role)
		}
		return nil, fmt.Errorf("TryLockContext() %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, role)
	}

	// The pid file is diagnostic only. Failing to write it must not fail
	// the acquire, the flock above is the source of truth.
	_ = os.WriteFile(filepath.Join(dir, pidFileName), []byte(strconv.Itoa(os.Getpid())), 0o644)

	return &Handle{role: role, dir: dir, fl: fl}, nil
}

// Handle represents held ownership of a role's startup critical section.
type Handle struct {
	role string
	dir  string
	fl   *flock.Flock
	once sync.Once
}

func (h *Handle) Role() string {
	return h.role
}

// Dir returns the role directory guarded by this handle.
func (h *Handle) Dir() string {
	return h.dir
}

// Release drops the lock. It is idempotent and safe to call after failures,
// callers are expected to defer it right after a successful Acquire.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		os.Remove(filepath.Join(h.dir, pidFileName))
		err = h.fl.Unlock()
	})
	return err
}
