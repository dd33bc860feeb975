package ref

import (
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/tether/wire"
)

var log = commonlog.GetLogger("tether.ref")

// ---------------------------------------------------------------------------
// Registry: per-worker bookkeeping for owned values and held proxies
// ---------------------------------------------------------------------------

// Registry tracks, for one worker, the live-fork sets of every value
// it owns and the acknowledgement state of every proxy it holds. It
// runs the forking/acknowledgement protocol over the Transport.
//
// One mutex guards all maps. It is held only for map access and is
// always released before any envelope is sent, so a slow peer can
// never stall local bookkeeping. No operation blocks on a remote
// round trip; follow-up work runs in future callbacks.
type Registry struct {
	transport Transport
	minter    *Minter

	mu sync.Mutex

	// Values this worker owns, kept alive until their last fork is
	// released.
	owned map[RRefID]*OwnerRef

	// Forks the owner currently believes are outstanding, per value.
	liveForks map[RRefID]map[ForkID]struct{}

	// Proxies created locally whose existence the owner has not yet
	// acknowledged. Membership pins the proxy (it may be used and
	// shared, but not deleted).
	pendingProxies map[ForkID]*ProxyRef

	// References kept alive because a forward to a third worker is
	// awaiting the owner's acknowledgement. Keyed by the new ForkID;
	// the value is the forwarder's own source reference.
	pendingForwards map[ForkID]Reference

	// Acknowledgements that arrived before the corresponding proxy
	// was constructed. Mutually exclusive with pendingProxies for any
	// given ForkID.
	earlyAcks map[ForkID]struct{}

	// References named as arguments of in-flight outbound calls,
	// held until the call is acknowledged.
	pendingCallArgs map[int64][]Reference

	errHandler func(error)
	sink       EventSink
}

// NewRegistry creates the registry for this worker process, bound to
// the given transport. A nil transport is a configuration error.
func NewRegistry(t Transport) (*Registry, error) {
	if t == nil {
		return nil, ErrNoTransport
	}
	return &Registry{
		transport:       t,
		minter:          NewMinter(t.WorkerID()),
		owned:           make(map[RRefID]*OwnerRef),
		liveForks:       make(map[RRefID]map[ForkID]struct{}),
		pendingProxies:  make(map[ForkID]*ProxyRef),
		pendingForwards: make(map[ForkID]Reference),
		earlyAcks:       make(map[ForkID]struct{}),
		pendingCallArgs: make(map[int64][]Reference),
	}, nil
}

// WorkerID returns this worker's id.
func (r *Registry) WorkerID() WorkerID {
	return r.transport.WorkerID()
}

// WorkerName returns this worker's configured name.
func (r *Registry) WorkerName() string {
	return r.transport.WorkerName()
}

// Mint returns a fresh globally unique id.
func (r *Registry) Mint() GlobalID {
	return r.minter.Mint()
}

// SetErrorHandler installs the handler invoked for remote-reported
// failures surfaced by reply callbacks. Without one, failures are
// logged. The handler may run on any goroutine.
func (r *Registry) SetErrorHandler(fn func(error)) {
	r.mu.Lock()
	r.errHandler = fn
	r.mu.Unlock()
}

// SetEventSink installs a sink receiving protocol state transitions.
func (r *Registry) SetEventSink(s EventSink) {
	r.mu.Lock()
	r.sink = s
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Construction and owner lookup
// ---------------------------------------------------------------------------

// GetOrCreateOwnerRef returns the OwnerRef for rrefID, constructing
// and registering it on first use. This is the single path through
// which a value becomes owned here, whether this worker originated it
// or a remote fork notification arrived for a value it did not yet
// know about.
func (r *Registry) GetOrCreateOwnerRef(rrefID RRefID) *OwnerRef {
	r.mu.Lock()
	if o, ok := r.owned[rrefID]; ok {
		r.mu.Unlock()
		return o
	}
	o := newOwnerRef(r.WorkerID(), rrefID)
	r.owned[rrefID] = o
	sink := r.sink
	r.mu.Unlock()

	emit(sink, Event{Kind: EventOwnerCreated, RRefID: rrefID})
	return o
}

// NewOwnerRef mints a fresh value id and returns its OwnerRef. Used
// when this worker originates a value.
func (r *Registry) NewOwnerRef() *OwnerRef {
	return r.GetOrCreateOwnerRef(r.minter.Mint())
}

// CreateProxyRef constructs a proxy for a value owned elsewhere. If
// the owner's acknowledgement already arrived (recorded in the
// early-ack set), the proxy starts confirmed; otherwise it is pinned
// in the pending set until FinishProxyAccept runs for its ForkID.
func (r *Registry) CreateProxyRef(owner WorkerID, rrefID RRefID, forkID ForkID) (*ProxyRef, error) {
	if owner == r.WorkerID() {
		return nil, ErrProxyOnOwner
	}
	p := newProxyRef(owner, rrefID, forkID)

	r.mu.Lock()
	if _, dup := r.pendingProxies[forkID]; dup {
		r.mu.Unlock()
		protocolViolation("attempt to create the same proxy twice: fork %s", forkID)
	}
	ev := Event{RRefID: rrefID, ForkID: forkID}
	if _, ok := r.earlyAcks[forkID]; ok {
		// Acknowledgement arrived before the proxy was constructed.
		delete(r.earlyAcks, forkID)
		p.confirmed.Store(true)
		ev.Kind = EventProxyConfirmed
	} else {
		r.pendingProxies[forkID] = p
		ev.Kind = EventProxyPending
	}
	sink := r.sink
	r.mu.Unlock()

	emit(sink, ev)
	return p, nil
}

// NewProxyRef mints both ids locally and constructs a proxy for a
// value owned by another worker. Used when the proxy is created ahead
// of the value, e.g. as the return handle of a remote call.
func (r *Registry) NewProxyRef(owner WorkerID) (*ProxyRef, error) {
	return r.CreateProxyRef(owner, r.minter.Mint(), r.minter.Mint())
}

// GetOrCreateRef is the single entry point message handlers use when
// decoding an incoming reference descriptor: it dispatches to the
// owner path when this worker owns the value, else to proxy creation.
func (r *Registry) GetOrCreateRef(owner WorkerID, rrefID RRefID, forkID ForkID) (Reference, error) {
	if owner == r.WorkerID() {
		return r.GetOrCreateOwnerRef(rrefID), nil
	}
	return r.CreateProxyRef(owner, rrefID, forkID)
}

// ---------------------------------------------------------------------------
// Fork protocol
// ---------------------------------------------------------------------------

// ForkTo produces a descriptor for a new copy of rf destined for dst,
// and runs the bookkeeping that keeps the copy safe under arbitrary
// message reordering. The source reference is recorded in scope (when
// given) so it survives until the enclosing call is acknowledged.
//
// Three cases:
//   - dst is the value's owner: the descriptor alone is correct.
//   - rf is the owner: the fork is registered immediately (the owner
//     is authoritative) and a proxy-accept is sent to dst.
//   - rf is a proxy: the source is pinned in the pending-forward set
//     and a fork-notify goes to the owner, not to dst; the owner's
//     fork-accept reply releases the pin.
//
// ForkTo returns as soon as any message is handed to the transport.
func (r *Registry) ForkTo(scope *CallScope, rf Reference, dst WorkerID) ForkData {
	if scope != nil {
		scope.Touch(rf)
	}
	fd := rf.Fork(r.minter)
	if dst == rf.Owner() {
		// The reference and its owner are about to coincide; no
		// tracking is needed.
		return fd
	}

	if rf.IsOwner() {
		env, err := r.AcceptProxy(fd.RRefID, fd.ForkID)
		if err != nil {
			r.fail(&RemoteError{Step: "fork", Err: err})
			return fd
		}
		f := r.transport.Send(dst, env)
		f.AddCallback(func(reply *wire.Envelope, err error) {
			// Registration ack only; the fork leaves the live set
			// when dst sends its proxy-delete.
			if rerr := replyError("fork", reply, err); rerr != nil {
				r.fail(rerr)
			}
		})
		return fd
	}

	// Forwarding from a proxy holder: the source cannot be released
	// until the owner has recorded the new fork, because the eventual
	// delete notice could otherwise overtake the fork-notify.
	r.mu.Lock()
	r.pendingForwards[fd.ForkID] = rf
	sink := r.sink
	r.mu.Unlock()
	emit(sink, Event{Kind: EventForwardPending, RRefID: fd.RRefID, ForkID: fd.ForkID})

	env, err := wire.NewForkNotify(fd.RRefID, fd.ForkID, dst)
	if err != nil {
		r.fail(&RemoteError{Step: "forward", Err: err})
		return fd
	}
	f := r.transport.Send(rf.Owner(), env)
	f.AddCallback(func(reply *wire.Envelope, err error) {
		if rerr := replyError("forward", reply, err); rerr != nil {
			r.fail(rerr)
			return
		}
		fa, err := wire.UnmarshalForkAccept(reply)
		if err != nil {
			r.fail(&RemoteError{Step: "forward", Err: err})
			return
		}
		r.FinishForwardRequest(fa.ForkID)
	})
	return fd
}

// AcceptProxy runs on the owner for any event that establishes a new
// fork: it registers the fork in the live set and returns the
// proxy-accept envelope to be routed to the fork's holder.
func (r *Registry) AcceptProxy(rrefID RRefID, forkID ForkID) (*wire.Envelope, error) {
	r.AddForkOfOwner(rrefID, forkID)
	return wire.NewProxyAccept(rrefID, forkID)
}

// AcceptForwardNotify runs on the owner when a proxy holder forwards
// its reference to a third worker: the fork is registered, a
// proxy-accept is sent to the destination so it can materialize its
// proxy, and the returned fork-accept envelope is routed back to the
// forwarder so it can drop its pending-forward pin.
func (r *Registry) AcceptForwardNotify(rrefID RRefID, forkID ForkID, dst WorkerID) (*wire.Envelope, error) {
	env, err := r.AcceptProxy(rrefID, forkID)
	if err != nil {
		return nil, err
	}
	f := r.transport.Send(dst, env)
	f.AddCallback(func(reply *wire.Envelope, err error) {
		if rerr := replyError("accept", reply, err); rerr != nil {
			r.fail(rerr)
		}
	})
	return wire.NewForkAccept(forkID)
}

// ---------------------------------------------------------------------------
// Proxy acceptance bookkeeping
// ---------------------------------------------------------------------------

// FinishForwardRequest drops the pending-forward pin for forkID once
// the owner has acknowledged the forward. Finishing a request that
// was never made, or finishing one twice, is a protocol violation.
func (r *Registry) FinishForwardRequest(forkID ForkID) {
	r.mu.Lock()
	rf, ok := r.pendingForwards[forkID]
	if !ok {
		r.mu.Unlock()
		protocolViolation("cannot finish non-existent forward request for fork %s", forkID)
	}
	delete(r.pendingForwards, forkID)
	flush := r.releasableLocked(rf)
	sink := r.sink
	r.mu.Unlock()

	emit(sink, Event{Kind: EventForwardFinished, RRefID: rf.RRefID(), ForkID: forkID})
	r.sendProxyDeletes(flush)
}

// FinishProxyAccept records the owner's acknowledgement for forkID.
// In the normal case the acknowledgement arrives after the proxy was
// constructed: the pending entry is validated against rrefID and
// removed. If the acknowledgement arrives first it is parked in the
// early-ack set for CreateProxyRef to consume. A duplicate
// acknowledgement is a protocol violation.
func (r *Registry) FinishProxyAccept(rrefID RRefID, forkID ForkID) {
	r.mu.Lock()
	if _, dup := r.earlyAcks[forkID]; dup {
		r.mu.Unlock()
		protocolViolation("duplicate acknowledgement for fork %s", forkID)
	}
	ev := Event{RRefID: rrefID, ForkID: forkID}
	var flush []*ProxyRef
	if p, ok := r.pendingProxies[forkID]; ok {
		if p.RRefID() != rrefID {
			r.mu.Unlock()
			protocolViolation("acknowledgement for fork %s names value %s, proxy holds %s",
				forkID, rrefID, p.RRefID())
		}
		delete(r.pendingProxies, forkID)
		p.confirmed.Store(true)
		flush = r.releasableLocked(p)
		ev.Kind = EventProxyConfirmed
	} else {
		r.earlyAcks[forkID] = struct{}{}
		ev.Kind = EventEarlyAck
	}
	sink := r.sink
	r.mu.Unlock()

	emit(sink, ev)
	r.sendProxyDeletes(flush)
}

// ---------------------------------------------------------------------------
// Owner-side live-fork set
// ---------------------------------------------------------------------------

// AddForkOfOwner records forkID as a live fork of rrefID. Registering
// the same ForkID twice is a protocol violation: ForkIDs are never
// reused.
func (r *Registry) AddForkOfOwner(rrefID RRefID, forkID ForkID) {
	r.mu.Lock()
	forks, ok := r.liveForks[rrefID]
	if !ok {
		forks = make(map[ForkID]struct{})
		r.liveForks[rrefID] = forks
	}
	if _, dup := forks[forkID]; dup {
		r.mu.Unlock()
		protocolViolation("fork %s of %s registered twice", forkID, rrefID)
	}
	forks[forkID] = struct{}{}
	sink := r.sink
	r.mu.Unlock()

	emit(sink, Event{Kind: EventForkRegistered, RRefID: rrefID, ForkID: forkID})
}

// DelForkOfOwner removes forkID from rrefID's live set. When the set
// empties, the OwnerRef is removed: the last recorded fork is the
// sole free point for an owned value. Releasing an unknown fork is a
// protocol violation.
func (r *Registry) DelForkOfOwner(rrefID RRefID, forkID ForkID) {
	r.mu.Lock()
	forks, ok := r.liveForks[rrefID]
	if !ok {
		r.mu.Unlock()
		protocolViolation("deleting fork %s of %s before the owner knows it", forkID, rrefID)
	}
	if _, ok := forks[forkID]; !ok {
		r.mu.Unlock()
		protocolViolation("attempt to delete unknown fork %s of %s", forkID, rrefID)
	}
	delete(forks, forkID)
	evs := []Event{{Kind: EventForkReleased, RRefID: rrefID, ForkID: forkID}}
	if len(forks) == 0 {
		delete(r.liveForks, rrefID)
		if _, owned := r.owned[rrefID]; owned {
			delete(r.owned, rrefID)
			evs = append(evs, Event{Kind: EventOwnerRemoved, RRefID: rrefID})
		}
	}
	sink := r.sink
	r.mu.Unlock()

	emit(sink, evs...)
}

// ---------------------------------------------------------------------------
// Holder-side release
// ---------------------------------------------------------------------------

// ReleaseProxy is called by a proxy's holder when it no longer needs
// the reference. The delete notice to the owner is sent immediately
// if the proxy has no outstanding protocol obligations; otherwise it
// is deferred until the last obligation clears, so the owner can
// never process a release before it has recorded the fork. Releasing
// the same proxy twice is a protocol violation.
func (r *Registry) ReleaseProxy(p *ProxyRef) {
	if p.released.Swap(true) {
		protocolViolation("double release of fork %s", p.forkID)
	}
	r.mu.Lock()
	obligated := r.obligatedLocked(p)
	r.mu.Unlock()

	if !obligated {
		r.sendProxyDeletes([]*ProxyRef{p})
	}
}

// obligatedLocked reports whether p is pinned by any pending map.
// Caller holds r.mu.
func (r *Registry) obligatedLocked(p *ProxyRef) bool {
	if _, ok := r.pendingProxies[p.forkID]; ok {
		return true
	}
	for _, rf := range r.pendingForwards {
		if rf == Reference(p) {
			return true
		}
	}
	for _, refs := range r.pendingCallArgs {
		for _, rf := range refs {
			if rf == Reference(p) {
				return true
			}
		}
	}
	return false
}

// releasableLocked returns p (as a flush list) if it is a released
// proxy with no remaining obligations. Caller holds r.mu.
func (r *Registry) releasableLocked(rf Reference) []*ProxyRef {
	p, ok := rf.(*ProxyRef)
	if !ok || !p.Released() || r.obligatedLocked(p) {
		return nil
	}
	return []*ProxyRef{p}
}

// sendProxyDeletes sends the deferred delete notices. Must be called
// without holding r.mu.
func (r *Registry) sendProxyDeletes(proxies []*ProxyRef) {
	for _, p := range proxies {
		env, err := wire.NewProxyDelete(p.rrefID, p.forkID)
		if err != nil {
			r.fail(&RemoteError{Step: "delete", Err: err})
			continue
		}
		f := r.transport.Send(p.owner, env)
		f.AddCallback(func(reply *wire.Envelope, err error) {
			if rerr := replyError("delete", reply, err); rerr != nil {
				r.fail(rerr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Call-argument liveness
// ---------------------------------------------------------------------------

// CaptureCallArgs snapshots the scope's references under callID,
// keeping them alive until ReleaseCallArgs runs. Capturing the same
// call id twice is a protocol violation. The scope is reset.
func (r *Registry) CaptureCallArgs(callID int64, scope *CallScope) {
	refs := scope.take()
	r.mu.Lock()
	if _, dup := r.pendingCallArgs[callID]; dup {
		r.mu.Unlock()
		protocolViolation("call args for call %d captured twice", callID)
	}
	r.pendingCallArgs[callID] = refs
	r.mu.Unlock()
}

// ReleaseCallArgs drops the snapshot for callID once the call's
// completion has been observed, and sends any delete notices that
// were deferred on the snapshot's behalf. Releasing an id that was
// never captured is a protocol violation.
func (r *Registry) ReleaseCallArgs(callID int64) {
	r.mu.Lock()
	refs, ok := r.pendingCallArgs[callID]
	if !ok {
		r.mu.Unlock()
		protocolViolation("release of call args for unknown call %d", callID)
	}
	delete(r.pendingCallArgs, callID)
	var flush []*ProxyRef
	seen := make(map[ForkID]struct{})
	for _, rf := range refs {
		p, isProxy := rf.(*ProxyRef)
		if !isProxy {
			continue
		}
		if _, dup := seen[p.forkID]; dup {
			continue
		}
		seen[p.forkID] = struct{}{}
		flush = append(flush, r.releasableLocked(p)...)
	}
	r.mu.Unlock()

	r.sendProxyDeletes(flush)
}

// ---------------------------------------------------------------------------
// Introspection (primarily for tests and stats surfaces)
// ---------------------------------------------------------------------------

// OwnedCount returns the number of values owned by this worker.
func (r *Registry) OwnedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owned)
}

// LiveForkCount returns the size of rrefID's live-fork set.
func (r *Registry) LiveForkCount(rrefID RRefID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.liveForks[rrefID])
}

// PendingProxyCount returns the number of locally pending proxies.
func (r *Registry) PendingProxyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingProxies)
}

// PendingForwardCount returns the number of in-flight forwards.
func (r *Registry) PendingForwardCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingForwards)
}

// HasEarlyAck reports whether an acknowledgement for forkID is parked
// awaiting proxy construction.
func (r *Registry) HasEarlyAck(forkID ForkID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.earlyAcks[forkID]
	return ok
}

// Stats returns counts of all registry maps.
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	forks := 0
	for _, set := range r.liveForks {
		forks += len(set)
	}
	return map[string]int{
		"owned":           len(r.owned),
		"liveForks":       forks,
		"pendingProxies":  len(r.pendingProxies),
		"pendingForwards": len(r.pendingForwards),
		"earlyAcks":       len(r.earlyAcks),
		"pendingCallArgs": len(r.pendingCallArgs),
	}
}

// ---------------------------------------------------------------------------
// Failure plumbing
// ---------------------------------------------------------------------------

// replyError converts a transport failure or an error-marked reply
// into a RemoteError scoped to the protocol step, or nil.
func replyError(step string, reply *wire.Envelope, err error) error {
	if err != nil {
		return &RemoteError{Step: step, Err: err}
	}
	if rerr := reply.Err(); rerr != nil {
		return &RemoteError{Step: step, Err: rerr}
	}
	return nil
}

func (r *Registry) fail(err error) {
	r.mu.Lock()
	handler := r.errHandler
	r.mu.Unlock()
	if handler != nil {
		handler(err)
		return
	}
	log.Errorf("%v", err)
}

func emit(sink EventSink, evs ...Event) {
	if sink == nil {
		return
	}
	for _, ev := range evs {
		sink.Record(ev)
	}
}
