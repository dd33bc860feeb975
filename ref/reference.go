package ref

import (
	"context"
	"sync"
	"sync/atomic"
)

// ForkData describes a new copy of a reference: the stable value id
// plus a freshly minted fork id. It is what travels to another worker
// when a reference is handed over.
type ForkData struct {
	RRefID RRefID
	ForkID ForkID
}

// Reference is a handle to a distributed value. Exactly one worker
// holds the OwnerRef for a value; every other holder has a ProxyRef.
type Reference interface {
	// RRefID returns the value's cluster-wide id.
	RRefID() RRefID

	// Owner returns the worker holding the value.
	Owner() WorkerID

	// IsOwner reports whether this reference is the owning variant.
	IsOwner() bool

	// Fork mints a ForkData describing a new copy of this reference.
	Fork(m *Minter) ForkData
}

// ---------------------------------------------------------------------------
// OwnerRef
// ---------------------------------------------------------------------------

// OwnerRef is the owning variant, resident on the owning worker. It
// embeds the actual value. The value is set exactly once; readers may
// block until it arrives.
type OwnerRef struct {
	worker WorkerID
	rrefID RRefID

	mu    sync.Mutex
	value any
	ready chan struct{}
}

func newOwnerRef(worker WorkerID, rrefID RRefID) *OwnerRef {
	return &OwnerRef{
		worker: worker,
		rrefID: rrefID,
		ready:  make(chan struct{}),
	}
}

// RRefID returns the value's cluster-wide id.
func (o *OwnerRef) RRefID() RRefID { return o.rrefID }

// Owner returns the owning worker, which is the resident worker.
func (o *OwnerRef) Owner() WorkerID { return o.worker }

// IsOwner reports true.
func (o *OwnerRef) IsOwner() bool { return true }

// Fork mints a descriptor for a new copy of this reference.
func (o *OwnerRef) Fork(m *Minter) ForkData {
	return ForkData{RRefID: o.rrefID, ForkID: m.Mint()}
}

// SetValue stores the value and wakes any blocked readers. Setting a
// value twice returns an error; the value behind an owner reference
// is immutable once produced.
func (o *OwnerRef) SetValue(v any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	select {
	case <-o.ready:
		return errValueAlreadySet(o.rrefID)
	default:
	}
	o.value = v
	close(o.ready)
	return nil
}

// Value blocks until the value has been set or the context is done.
func (o *OwnerRef) Value(ctx context.Context) (any, error) {
	select {
	case <-o.ready:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryValue returns the value and true if it has been set.
func (o *OwnerRef) TryValue() (any, bool) {
	select {
	case <-o.ready:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.value, true
	default:
		return nil, false
	}
}

// ---------------------------------------------------------------------------
// ProxyRef
// ---------------------------------------------------------------------------

// ProxyRef is the non-owning variant: a handle to a value resident on
// another worker. It carries no value payload.
//
// A proxy starts unconfirmed. It becomes confirmed when the owner's
// acknowledgement arrives (possibly before the proxy is constructed,
// via the registry's early-ack set). Release is requested by the
// holder; the registry defers the actual delete message while the
// proxy still has pending protocol obligations.
type ProxyRef struct {
	owner  WorkerID
	rrefID RRefID
	forkID ForkID

	confirmed atomic.Bool
	released  atomic.Bool
}

func newProxyRef(owner WorkerID, rrefID RRefID, forkID ForkID) *ProxyRef {
	return &ProxyRef{owner: owner, rrefID: rrefID, forkID: forkID}
}

// RRefID returns the value's cluster-wide id.
func (p *ProxyRef) RRefID() RRefID { return p.rrefID }

// ForkID returns the id of this particular reference instance.
func (p *ProxyRef) ForkID() ForkID { return p.forkID }

// Owner returns the worker holding the value.
func (p *ProxyRef) Owner() WorkerID { return p.owner }

// IsOwner reports false.
func (p *ProxyRef) IsOwner() bool { return false }

// Fork mints a descriptor for a new copy of this reference.
func (p *ProxyRef) Fork(m *Minter) ForkData {
	return ForkData{RRefID: p.rrefID, ForkID: m.Mint()}
}

// Confirmed reports whether the owner has acknowledged this proxy.
func (p *ProxyRef) Confirmed() bool { return p.confirmed.Load() }

// Released reports whether the holder has released this proxy.
func (p *ProxyRef) Released() bool { return p.released.Load() }
