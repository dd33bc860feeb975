// Package ref implements distributed reference counting for values
// shared across a cluster of workers. A value lives on exactly one
// worker (its owner); other workers hold proxies to it. The Registry
// runs the forking/acknowledgement protocol that keeps the owner's
// live-fork set consistent even though the transport delivers
// messages in arbitrary order.
package ref

import (
	"sync/atomic"

	"github.com/chazu/tether/wire"
)

// Identity types are shared with the wire layer; the aliases keep
// registry code readable without duplicating the definitions.
type (
	// WorkerID identifies a cluster member.
	WorkerID = wire.WorkerID
	// LocalID is a per-worker monotonic counter value.
	LocalID = wire.LocalID
	// GlobalID is a cluster-unique (worker, counter) pair.
	GlobalID = wire.GlobalID
	// RRefID identifies a value for its whole lifetime.
	RRefID = wire.RRefID
	// ForkID identifies one reference instance to a value.
	ForkID = wire.ForkID
)

// Minter mints GlobalIDs for one worker. Uniqueness across the
// cluster follows from the partition of the counter namespace by
// WorkerID; no coordination with other workers is required.
type Minter struct {
	worker WorkerID
	next   atomic.Int64
}

// NewMinter creates a minter for the given worker. The counter starts
// at zero.
func NewMinter(worker WorkerID) *Minter {
	return &Minter{worker: worker}
}

// Mint returns a fresh GlobalID. Counter overflow would break the
// uniqueness guarantee, so it is a fatal invariant violation.
func (m *Minter) Mint() GlobalID {
	n := m.next.Add(1) - 1
	if n < 0 {
		protocolViolation("local id counter overflow on worker %d", m.worker)
	}
	return GlobalID{Worker: m.worker, Local: LocalID(n)}
}

// Worker returns the worker this minter mints for.
func (m *Minter) Worker() WorkerID {
	return m.worker
}
