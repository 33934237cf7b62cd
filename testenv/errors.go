package testenv

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDependencyUnmet signals an attempt to start a lightning role without a
// bitcoin config being available. The orchestrator's ordering rule makes
// this unreachable, hitting it is a programming error.
var ErrDependencyUnmet = errors.New("testenv: lightning startup requires a bitcoin config")

// StartupError is a role-tagged failure during a ledger's startup or
// one-time configuration. The role's lock is always released before a
// StartupError surfaces.
type StartupError struct {
	Role string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("ledger startup failed: %s: %v", e.Role, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// SetupError aggregates every failed role of a setup attempt. Setup fails
// as a whole if at least one role failed, after all in-flight role attempts
// have settled.
type SetupError struct {
	Failures []*StartupError
}

func (e *SetupError) Error() string {
	roles := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		roles = append(roles, f.Role)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "setup failed for roles [%s]", strings.Join(roles, ", "))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s: %v", f.Role, f.Err)
	}
	return b.String()
}

func (e *SetupError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
