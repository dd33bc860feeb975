package transport

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/chazu/tether/ref"
	"github.com/chazu/tether/wire"
)

// ---------------------------------------------------------------------------
// In-process mesh
// ---------------------------------------------------------------------------

// Local is an in-process mesh of workers. Every envelope is delivered
// on its own goroutine after a full marshal/unmarshal round trip, so
// delivery order between any two workers is deliberately unspecified,
// the same as a real network. An optional jitter widens the reordering
// window for tests.
type Local struct {
	mu      sync.Mutex
	workers map[wire.WorkerID]*LocalEndpoint
	jitter  time.Duration
}

// NewLocal creates an empty mesh.
func NewLocal() *Local {
	return &Local{workers: make(map[wire.WorkerID]*LocalEndpoint)}
}

// SetJitter makes each delivery sleep a random duration up to d before
// invoking the destination handler.
func (l *Local) SetJitter(d time.Duration) {
	l.mu.Lock()
	l.jitter = d
	l.mu.Unlock()
}

// Join adds a worker to the mesh and returns its endpoint. The
// endpoint's handler must be bound before any peer sends to it.
func (l *Local) Join(id wire.WorkerID, name string) (*LocalEndpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.workers[id]; dup {
		return nil, fmt.Errorf("transport: worker %d already joined", id)
	}
	ep := &LocalEndpoint{mesh: l, id: id, name: name}
	l.workers[id] = ep
	return ep, nil
}

func (l *Local) lookup(id wire.WorkerID) (*LocalEndpoint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ep, ok := l.workers[id]
	return ep, ok
}

// LocalEndpoint is one worker's attachment to the mesh.
type LocalEndpoint struct {
	mesh *Local
	id   wire.WorkerID
	name string

	mu      sync.Mutex
	handler ref.Handler
}

// Bind installs the handler invoked for envelopes addressed to this
// worker. It must run before the endpoint receives traffic.
func (ep *LocalEndpoint) Bind(h ref.Handler) {
	ep.mu.Lock()
	ep.handler = h
	ep.mu.Unlock()
}

// WorkerID returns this worker's id.
func (ep *LocalEndpoint) WorkerID() wire.WorkerID { return ep.id }

// WorkerName returns this worker's name.
func (ep *LocalEndpoint) WorkerName() string { return ep.name }

// Send delivers env to dst asynchronously and returns a future for the
// reply. The envelope crosses the codec both ways, so anything that
// would not survive the wire does not survive the mesh either.
func (ep *LocalEndpoint) Send(dst wire.WorkerID, env *wire.Envelope) ref.Future {
	f := &future{}
	data, err := wire.MarshalEnvelope(env)
	if err != nil {
		f.complete(nil, fmt.Errorf("transport: marshal for worker %d: %w", dst, err))
		return f
	}

	go func() {
		ep.mesh.mu.Lock()
		jitter := ep.mesh.jitter
		ep.mesh.mu.Unlock()
		if jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(jitter))))
		}

		peer, ok := ep.mesh.lookup(dst)
		if !ok {
			f.complete(nil, fmt.Errorf("transport: no worker %d in mesh", dst))
			return
		}
		decoded, err := wire.UnmarshalEnvelope(data)
		if err != nil {
			f.complete(nil, err)
			return
		}

		peer.mu.Lock()
		handler := peer.handler
		peer.mu.Unlock()
		if handler == nil {
			f.complete(nil, fmt.Errorf("transport: worker %d has no handler bound", dst))
			return
		}
		reply, err := handler(ep.id, decoded)
		if err != nil {
			f.complete(wire.NewError(err.Error()), nil)
			return
		}
		if reply == nil {
			reply = wire.NewAck()
		}
		f.complete(reply, nil)
	}()
	return f
}
