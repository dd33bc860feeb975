// Package transport carries wire envelopes between workers. Two
// carriers are provided: an in-process mesh for single-binary
// deployments and tests, and an HTTP carrier for real clusters. Both
// satisfy the same Transport contract and deliver replies through
// completion futures, so the bookkeeping layer never blocks on a peer.
package transport

import (
	"sync"

	"github.com/chazu/tether/wire"
)

// future is the shared reply holder for both carriers. Callbacks added
// after completion run immediately on the caller's goroutine.
type future struct {
	mu        sync.Mutex
	done      bool
	reply     *wire.Envelope
	err       error
	callbacks []func(*wire.Envelope, error)
}

func (f *future) AddCallback(fn func(*wire.Envelope, error)) {
	f.mu.Lock()
	if f.done {
		reply, err := f.reply, f.err
		f.mu.Unlock()
		fn(reply, err)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// complete resolves the future. Later completions are ignored.
func (f *future) complete(reply *wire.Envelope, err error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.reply = reply
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(reply, err)
	}
}
