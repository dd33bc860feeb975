package ref

import (
	"errors"
	"fmt"
)

// ErrNoTransport is returned when a Registry is constructed without a
// transport handle.
var ErrNoTransport = errors.New("ref: registry requires a transport")

// ErrProxyOnOwner is returned when a worker attempts to construct a
// proxy to a value it owns itself.
var ErrProxyOnOwner = errors.New("ref: owner cannot create a proxy to its own value")

// RemoteError is a failure reported by a remote worker for a specific
// protocol step. It never corrupts local registry state; the caller
// decides whether to retry at a higher level.
type RemoteError struct {
	Step string // "fork", "forward", "accept", "delete"
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ref: remote failure during %s: %v", e.Step, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func errValueAlreadySet(id RRefID) error {
	return fmt.Errorf("ref: value for %s is already set", id)
}

// protocolViolation reports unrecoverable local-state corruption:
// duplicate fork registration, release of an unknown fork, double
// acknowledgement, and the like. These indicate a transport that
// violated the single-registration assumption, not an expected
// runtime condition, so they panic rather than return an error the
// caller might be tempted to swallow.
func protocolViolation(format string, args ...any) {
	panic(fmt.Sprintf("ref: protocol violation: "+format, args...))
}
