package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/taskwire-io/taskwire/internal/risk"
)

var (
	// ErrInvalidActions marks a request whose action list failed validation.
	ErrInvalidActions = errors.New("router: invalid actions")

	// ErrUnknownAgent marks a target agent that does not exist or is not
	// visible to the caller.
	ErrUnknownAgent = errors.New("router: unknown agent")

	// ErrAgentRevoked marks a target agent whose enrollment was revoked.
	ErrAgentRevoked = errors.New("router: agent revoked")

	// ErrBlocked marks a task refused outright by the risk policy.
	ErrBlocked = errors.New("router: blocked by risk policy")

	// ErrForbidden marks an actor operating on a task they do not own.
	ErrForbidden = errors.New("router: forbidden")
)

// BlockedError carries the classifier verdict for a refused task so the API
// can explain the refusal. It matches errors.Is(err, ErrBlocked).
type BlockedError struct {
	Analysis risk.Analysis
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("router: blocked by risk policy (%s): %s",
		e.Analysis.Level, strings.Join(e.Analysis.Reasons, "; "))
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }
