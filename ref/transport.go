package ref

import "github.com/chazu/tether/wire"

// Future is the completion handle for one asynchronous send. The
// callback runs when the reply arrives (or the send fails); it may
// run on any goroutine, not the one that issued the send.
type Future interface {
	AddCallback(fn func(reply *wire.Envelope, err error))
}

// Transport delivers envelopes to named workers. Implementations are
// external collaborators; the registry assumes nothing about delivery
// order between distinct sends. Send must not block on the remote
// round trip.
type Transport interface {
	Send(dst WorkerID, env *wire.Envelope) Future
	WorkerID() WorkerID
	WorkerName() string
}

// Handler processes one incoming envelope and produces the reply that
// completes the sender's future. Transports call it for every
// delivered message; the node layer provides the implementation that
// dispatches into the registry.
type Handler func(src WorkerID, env *wire.Envelope) (*wire.Envelope, error)
