package ref

import (
	"errors"
	"sync"
	"testing"

	"github.com/chazu/tether/wire"
)

// ---------------------------------------------------------------------------
// Test transport: records sends, completes futures on demand
// ---------------------------------------------------------------------------

type testFuture struct {
	mu        sync.Mutex
	done      bool
	reply     *wire.Envelope
	err       error
	callbacks []func(*wire.Envelope, error)
}

func (f *testFuture) AddCallback(fn func(*wire.Envelope, error)) {
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

func (f *testFuture) complete(reply *wire.Envelope, err error) {
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

type sentEnvelope struct {
	dst    WorkerID
	env    *wire.Envelope
	future *testFuture
}

type testTransport struct {
	mu   sync.Mutex
	id   WorkerID
	name string
	sent []*sentEnvelope
}

func newTestTransport(id WorkerID, name string) *testTransport {
	return &testTransport{id: id, name: name}
}

func (t *testTransport) Send(dst WorkerID, env *wire.Envelope) Future {
	f := &testFuture{}
	t.mu.Lock()
	t.sent = append(t.sent, &sentEnvelope{dst: dst, env: env, future: f})
	t.mu.Unlock()
	return f
}

func (t *testTransport) WorkerID() WorkerID { return t.id }
func (t *testTransport) WorkerName() string { return t.name }

func (t *testTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *testTransport) lastSent(tb testing.TB) *sentEnvelope {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		tb.Fatal("no envelope was sent")
	}
	return t.sent[len(t.sent)-1]
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const (
	workerA WorkerID = 1
	workerB WorkerID = 2
	workerC WorkerID = 3
)

func newTestRegistry(tb testing.TB, id WorkerID) (*Registry, *testTransport) {
	tb.Helper()
	tr := newTestTransport(id, "worker")
	reg, err := NewRegistry(tr)
	if err != nil {
		tb.Fatalf("NewRegistry: %v", err)
	}
	return reg, tr
}

func expectViolation(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected a protocol violation panic", name)
		}
	}()
	fn()
}

// confirmedProxy creates a proxy on reg and runs the owner's
// acknowledgement for it.
func confirmedProxy(t *testing.T, reg *Registry, owner WorkerID) *ProxyRef {
	t.Helper()
	p, err := reg.NewProxyRef(owner)
	if err != nil {
		t.Fatalf("NewProxyRef: %v", err)
	}
	reg.FinishProxyAccept(p.RRefID(), p.ForkID())
	if !p.Confirmed() {
		t.Fatal("proxy should be confirmed after FinishProxyAccept")
	}
	return p
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewRegistry_RequiresTransport(t *testing.T) {
	if _, err := NewRegistry(nil); !errors.Is(err, ErrNoTransport) {
		t.Errorf("got %v, want ErrNoTransport", err)
	}
}

func TestGetOrCreateOwnerRef_ReturnsSameInstance(t *testing.T) {
	reg, _ := newTestRegistry(t, workerA)
	rref := reg.Mint()

	o1 := reg.GetOrCreateOwnerRef(rref)
	o2 := reg.GetOrCreateOwnerRef(rref)
	if o1 != o2 {
		t.Error("GetOrCreateOwnerRef must return the existing owner reference")
	}
	if reg.OwnedCount() != 1 {
		t.Errorf("OwnedCount: got %d, want 1", reg.OwnedCount())
	}
}

func TestCreateProxyRef_RejectsOwner(t *testing.T) {
	reg, _ := newTestRegistry(t, workerA)

	_, err := reg.CreateProxyRef(workerA, reg.Mint(), reg.Mint())
	if !errors.Is(err, ErrProxyOnOwner) {
		t.Errorf("got %v, want ErrProxyOnOwner", err)
	}
}

func TestGetOrCreateRef_Dispatch(t *testing.T) {
	reg, _ := newTestRegistry(t, workerA)
	rref := GlobalID{Worker: workerB, Local: 0}
	fork := GlobalID{Worker: workerB, Local: 1}

	proxy, err := reg.GetOrCreateRef(workerB, rref, fork)
	if err != nil {
		t.Fatalf("GetOrCreateRef(proxy): %v", err)
	}
	if proxy.IsOwner() {
		t.Error("reference to a remote value must be a proxy")
	}

	ownRRef := reg.Mint()
	owner, err := reg.GetOrCreateRef(workerA, ownRRef, reg.Mint())
	if err != nil {
		t.Fatalf("GetOrCreateRef(owner): %v", err)
	}
	if !owner.IsOwner() {
		t.Error("reference to a local value must be the owner variant")
	}
}

// ---------------------------------------------------------------------------
// Proxy acceptance bookkeeping
// ---------------------------------------------------------------------------

func TestProxyAccept_NormalOrder(t *testing.T) {
	reg, _ := newTestRegistry(t, workerB)

	p, err := reg.NewProxyRef(workerA)
	if err != nil {
		t.Fatalf("NewProxyRef: %v", err)
	}
	if p.Confirmed() {
		t.Error("proxy must start unconfirmed")
	}
	if reg.PendingProxyCount() != 1 {
		t.Errorf("PendingProxyCount: got %d, want 1", reg.PendingProxyCount())
	}

	reg.FinishProxyAccept(p.RRefID(), p.ForkID())
	if !p.Confirmed() {
		t.Error("proxy must be confirmed after the acknowledgement")
	}
	if reg.PendingProxyCount() != 0 {
		t.Errorf("PendingProxyCount: got %d, want 0", reg.PendingProxyCount())
	}
}

func TestProxyAccept_AckBeforeCreation(t *testing.T) {
	reg, _ := newTestRegistry(t, workerB)
	rref := GlobalID{Worker: workerA, Local: 0}
	fork := GlobalID{Worker: workerA, Local: 1}

	// Acknowledgement arrives before the local proxy is constructed.
	reg.FinishProxyAccept(rref, fork)
	if !reg.HasEarlyAck(fork) {
		t.Fatal("early acknowledgement should be parked")
	}

	p, err := reg.CreateProxyRef(workerA, rref, fork)
	if err != nil {
		t.Fatalf("CreateProxyRef: %v", err)
	}
	if !p.Confirmed() {
		t.Error("proxy must absorb the early acknowledgement")
	}
	if reg.HasEarlyAck(fork) {
		t.Error("early acknowledgement must be consumed")
	}
	if reg.PendingProxyCount() != 0 {
		t.Error("no pending entry may remain after absorption")
	}
}

func TestProxyAccept_DuplicateAckPanics(t *testing.T) {
	reg, _ := newTestRegistry(t, workerB)
	rref := GlobalID{Worker: workerA, Local: 0}
	fork := GlobalID{Worker: workerA, Local: 1}

	reg.FinishProxyAccept(rref, fork)
	expectViolation(t, "duplicate ack", func() {
		reg.FinishProxyAccept(rref, fork)
	})
}

func TestProxyAccept_MismatchedRRefIDPanics(t *testing.T) {
	reg, _ := newTestRegistry(t, workerB)

	p, err := reg.NewProxyRef(workerA)
	if err != nil {
		t.Fatalf("NewProxyRef: %v", err)
	}
	wrong := GlobalID{Worker: workerA, Local: 999}
	expectViolation(t, "mismatched rref", func() {
		reg.FinishProxyAccept(wrong, p.ForkID())
	})
}

func TestCreateProxyRef_DuplicateForkPanics(t *testing.T) {
	reg, _ := newTestRegistry(t, workerB)
	rref := GlobalID{Worker: workerA, Local: 0}
	fork := GlobalID{Worker: workerA, Local: 1}

	if _, err := reg.CreateProxyRef(workerA, rref, fork); err != nil {
		t.Fatalf("CreateProxyRef: %v", err)
	}
	expectViolation(t, "duplicate proxy", func() {
		reg.CreateProxyRef(workerA, rref, fork)
	})
}

// ---------------------------------------------------------------------------
// Owner-side live-fork set
// ---------------------------------------------------------------------------

func TestLiveForks_AddDelCounts(t *testing.T) {
	reg, _ := newTestRegistry(t, workerA)
	owner := reg.NewOwnerRef()
	rref := owner.RRefID()

	f1 := reg.Mint()
	f2 := reg.Mint()

	reg.AddForkOfOwner(rref, f1)
	if reg.LiveForkCount(rref) != 1 {
		t.Errorf("LiveForkCount: got %d, want 1", reg.LiveForkCount(rref))
	}
	reg.AddForkOfOwner(rref, f2)
	if reg.LiveForkCount(rref) != 2 {
		t.Errorf("LiveForkCount: got %d, want 2", reg.LiveForkCount(rref))
	}

	reg.DelForkOfOwner(rref, f1)
	if reg.LiveForkCount(rref) != 1 {
		t.Errorf("LiveForkCount after del: got %d, want 1", reg.LiveForkCount(rref))
	}
	if reg.OwnedCount() != 1 {
		t.Error("owner must survive while forks remain")
	}

	reg.DelForkOfOwner(rref, f2)
	if reg.LiveForkCount(rref) != 0 {
		t.Error("live-fork set must be empty")
	}
	if reg.OwnedCount() != 0 {
		t.Error("owner must be removed exactly when the last fork is released")
	}
}

func TestLiveForks_DoubleRegisterPanics(t *testing.T) {
	reg, _ := newTestRegistry(t, workerA)
	rref := reg.Mint()
	fork := reg.Mint()

	reg.AddForkOfOwner(rref, fork)
	expectViolation(t, "double register", func() {
		reg.AddForkOfOwner(rref, fork)
	})
}

func TestLiveForks_ReleaseUnknownPanics(t *testing.T) {
	reg, _ := newTestRegistry(t, workerA)
	rref := reg.Mint()

	expectViolation(t, "release before any register", func() {
		reg.DelForkOfOwner(rref, reg.Mint())
	})

	reg.AddForkOfOwner(rref, reg.Mint())
	expectViolation(t, "release of unknown fork", func() {
		reg.DelForkOfOwner(rref, reg.Mint())
	})
}

// ---------------------------------------------------------------------------
// ForkTo: three cases
// ---------------------------------------------------------------------------

func TestForkTo_DestinationIsOwner(t *testing.T) {
	reg, tr := newTestRegistry(t, workerB)
	p := confirmedProxy(t, reg, workerA)

	scope := NewCallScope()
	fd := reg.ForkTo(scope, p, workerA)

	if fd.RRefID != p.RRefID() {
		t.Error("descriptor must carry the value id")
	}
	if tr.sentCount() != 0 {
		t.Error("no bookkeeping message is needed when forking to the owner")
	}
	if len(scope.Refs()) != 1 || scope.Refs()[0] != Reference(p) {
		t.Error("the source reference must be recorded in the call scope")
	}
}

func TestForkTo_OwnerDirect(t *testing.T) {
	reg, tr := newTestRegistry(t, workerA)
	owner := reg.NewOwnerRef()
	rref := owner.RRefID()

	fd := reg.ForkTo(NewCallScope(), owner, workerB)

	if reg.LiveForkCount(rref) != 1 {
		t.Fatalf("LiveForkCount: got %d, want 1", reg.LiveForkCount(rref))
	}
	sent := tr.lastSent(t)
	if sent.dst != workerB {
		t.Errorf("accept must go to the destination, got worker %d", sent.dst)
	}
	accept, err := wire.UnmarshalProxyAccept(sent.env)
	if err != nil {
		t.Fatalf("UnmarshalProxyAccept: %v", err)
	}
	if accept.ForkID != fd.ForkID {
		t.Error("accept must name the freshly minted fork")
	}

	// The accept reply confirms receipt only; the fork stays live
	// until the holder sends its delete notice.
	sent.future.complete(wire.NewAck(), nil)
	if reg.LiveForkCount(rref) != 1 {
		t.Error("accept reply must not shrink the live-fork set")
	}

	reg.DelForkOfOwner(rref, fd.ForkID)
	if reg.LiveForkCount(rref) != 0 {
		t.Error("live-fork set must be empty after the release")
	}
	if reg.OwnedCount() != 0 {
		t.Error("owner reference must be removed with the last fork")
	}
}

func TestForkTo_ForwardFromProxy(t *testing.T) {
	reg, tr := newTestRegistry(t, workerB)
	p := confirmedProxy(t, reg, workerA)

	fd := reg.ForkTo(NewCallScope(), p, workerC)

	if reg.PendingForwardCount() != 1 {
		t.Fatalf("PendingForwardCount: got %d, want 1", reg.PendingForwardCount())
	}
	sent := tr.lastSent(t)
	if sent.dst != workerA {
		t.Errorf("fork-notify must go to the owner, got worker %d", sent.dst)
	}
	notify, err := wire.UnmarshalForkNotify(sent.env)
	if err != nil {
		t.Fatalf("UnmarshalForkNotify: %v", err)
	}
	if notify.Dst != workerC {
		t.Errorf("notify.Dst: got %d, want %d", notify.Dst, workerC)
	}
	if notify.ForkID != fd.ForkID {
		t.Error("notify must name the freshly minted fork")
	}

	// Owner's fork-accept reply releases the pending-forward pin.
	accept, err := wire.NewForkAccept(fd.ForkID)
	if err != nil {
		t.Fatalf("NewForkAccept: %v", err)
	}
	sent.future.complete(accept, nil)
	if reg.PendingForwardCount() != 0 {
		t.Error("pending forward must be finished by the fork-accept reply")
	}
}

func TestFinishForwardRequest_UnknownPanics(t *testing.T) {
	reg, _ := newTestRegistry(t, workerB)
	expectViolation(t, "finish unknown forward", func() {
		reg.FinishForwardRequest(reg.Mint())
	})
}

func TestAcceptForwardNotify_OwnerSide(t *testing.T) {
	reg, tr := newTestRegistry(t, workerA)
	owner := reg.NewOwnerRef()
	rref := owner.RRefID()
	fork := GlobalID{Worker: workerB, Local: 9}

	replyEnv, err := reg.AcceptForwardNotify(rref, fork, workerC)
	if err != nil {
		t.Fatalf("AcceptForwardNotify: %v", err)
	}

	if reg.LiveForkCount(rref) != 1 {
		t.Error("forward notification must register the fork")
	}
	sent := tr.lastSent(t)
	if sent.dst != workerC {
		t.Errorf("proxy-accept must go to the third worker, got %d", sent.dst)
	}
	if _, err := wire.UnmarshalProxyAccept(sent.env); err != nil {
		t.Fatalf("UnmarshalProxyAccept: %v", err)
	}

	fa, err := wire.UnmarshalForkAccept(replyEnv)
	if err != nil {
		t.Fatalf("UnmarshalForkAccept: %v", err)
	}
	if fa.ForkID != fork {
		t.Error("fork-accept reply must name the forwarded fork")
	}
}

// ---------------------------------------------------------------------------
// Holder-side release
// ---------------------------------------------------------------------------

func TestReleaseProxy_SendsDelete(t *testing.T) {
	reg, tr := newTestRegistry(t, workerB)
	p := confirmedProxy(t, reg, workerA)

	reg.ReleaseProxy(p)

	sent := tr.lastSent(t)
	if sent.dst != workerA {
		t.Errorf("delete must go to the owner, got worker %d", sent.dst)
	}
	del, err := wire.UnmarshalProxyDelete(sent.env)
	if err != nil {
		t.Fatalf("UnmarshalProxyDelete: %v", err)
	}
	if del.ForkID != p.ForkID() {
		t.Error("delete must name the released fork")
	}

	expectViolation(t, "double release", func() {
		reg.ReleaseProxy(p)
	})
}

func TestReleaseProxy_DeferredUntilAccepted(t *testing.T) {
	reg, tr := newTestRegistry(t, workerB)
	p, err := reg.NewProxyRef(workerA)
	if err != nil {
		t.Fatalf("NewProxyRef: %v", err)
	}

	reg.ReleaseProxy(p)
	if tr.sentCount() != 0 {
		t.Fatal("delete must be deferred while the proxy is pending acceptance")
	}

	reg.FinishProxyAccept(p.RRefID(), p.ForkID())
	sent := tr.lastSent(t)
	if _, err := wire.UnmarshalProxyDelete(sent.env); err != nil {
		t.Fatalf("expected a deferred proxy-delete, got %s", sent.env.Type)
	}
}

func TestReleaseProxy_DeferredUntilForwardFinishes(t *testing.T) {
	reg, tr := newTestRegistry(t, workerB)
	p := confirmedProxy(t, reg, workerA)

	fd := reg.ForkTo(NewCallScope(), p, workerC)
	notifySent := tr.lastSent(t)

	reg.ReleaseProxy(p)
	if tr.sentCount() != 1 {
		t.Fatal("delete must be deferred while a forward pins the source")
	}

	accept, err := wire.NewForkAccept(fd.ForkID)
	if err != nil {
		t.Fatalf("NewForkAccept: %v", err)
	}
	notifySent.future.complete(accept, nil)

	sent := tr.lastSent(t)
	if _, err := wire.UnmarshalProxyDelete(sent.env); err != nil {
		t.Fatalf("expected the deferred proxy-delete, got %s", sent.env.Type)
	}
}

// ---------------------------------------------------------------------------
// Call-argument liveness
// ---------------------------------------------------------------------------

func TestCallArgs_CaptureAndRelease(t *testing.T) {
	reg, _ := newTestRegistry(t, workerB)
	p := confirmedProxy(t, reg, workerA)

	scope := NewCallScope()
	reg.ForkTo(scope, p, workerA)
	if len(scope.Refs()) != 1 {
		t.Fatal("scope must hold the forked source")
	}

	reg.CaptureCallArgs(42, scope)
	if len(scope.Refs()) != 0 {
		t.Error("capture must reset the scope")
	}

	expectViolation(t, "capture same call twice", func() {
		reg.CaptureCallArgs(42, NewCallScope())
	})

	reg.ReleaseCallArgs(42)
	expectViolation(t, "release same call twice", func() {
		reg.ReleaseCallArgs(42)
	})
	expectViolation(t, "release unknown call", func() {
		reg.ReleaseCallArgs(7)
	})
}

func TestCallArgs_PinReleasedProxy(t *testing.T) {
	reg, tr := newTestRegistry(t, workerB)
	p := confirmedProxy(t, reg, workerA)

	scope := NewCallScope()
	scope.Touch(p)
	reg.CaptureCallArgs(1, scope)

	reg.ReleaseProxy(p)
	if tr.sentCount() != 0 {
		t.Fatal("delete must be deferred while a call snapshot names the proxy")
	}

	reg.ReleaseCallArgs(1)
	sent := tr.lastSent(t)
	if _, err := wire.UnmarshalProxyDelete(sent.env); err != nil {
		t.Fatalf("expected the deferred proxy-delete, got %s", sent.env.Type)
	}
}

// ---------------------------------------------------------------------------
// Remote-reported failures
// ---------------------------------------------------------------------------

func TestRemoteError_SurfacedToHandler(t *testing.T) {
	reg, tr := newTestRegistry(t, workerA)

	var mu sync.Mutex
	var got error
	reg.SetErrorHandler(func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	})

	owner := reg.NewOwnerRef()
	reg.ForkTo(NewCallScope(), owner, workerB)

	tr.lastSent(t).future.complete(wire.NewError("no such value"), nil)

	mu.Lock()
	defer mu.Unlock()
	var remote *RemoteError
	if !errors.As(got, &remote) {
		t.Fatalf("expected *RemoteError, got %v", got)
	}
	if remote.Step != "fork" {
		t.Errorf("Step: got %q, want %q", remote.Step, "fork")
	}

	// Registry state is untouched by the remote failure.
	if reg.LiveForkCount(owner.RRefID()) != 1 {
		t.Error("remote failure must not repair local state automatically")
	}
}
