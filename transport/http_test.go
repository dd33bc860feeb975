package transport

import (
	"context"
	"net"
	"testing"

	"github.com/chazu/tether/wire"
)

func startHTTPWorker(t *testing.T, id wire.WorkerID, name string, peers map[wire.WorkerID]string, h func(wire.WorkerID, *wire.Envelope) (*wire.Envelope, error)) (*HTTP, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tr := NewHTTP(id, name, peers, h)
	go tr.Serve(ln)
	t.Cleanup(func() { tr.Shutdown(context.Background()) })
	return tr, ln.Addr().String()
}

func TestHTTP_RoundTrip(t *testing.T) {
	peersA := make(map[wire.WorkerID]string)

	_, addrB := startHTTPWorker(t, 2, "beta", nil,
		func(src wire.WorkerID, env *wire.Envelope) (*wire.Envelope, error) {
			if src != 1 {
				t.Errorf("src: got %d, want 1", src)
			}
			fn, err := wire.UnmarshalForkNotify(env)
			if err != nil {
				return nil, err
			}
			return wire.NewForkAccept(fn.ForkID)
		})
	peersA[2] = addrB

	a := NewHTTP(1, "alpha", peersA, nil)

	fork := wire.GlobalID{Worker: 1, Local: 3}
	env, err := wire.NewForkNotify(wire.GlobalID{Worker: 2, Local: 0}, fork, 3)
	if err != nil {
		t.Fatalf("NewForkNotify: %v", err)
	}

	reply, err := awaitReply(t, a.Send(2, env))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	fa, err := wire.UnmarshalForkAccept(reply)
	if err != nil {
		t.Fatalf("UnmarshalForkAccept: %v", err)
	}
	if fa.ForkID != fork {
		t.Errorf("ForkID: got %s, want %s", fa.ForkID, fork)
	}
}

func TestHTTP_HandlerErrorBecomesErrorEnvelope(t *testing.T) {
	peers := make(map[wire.WorkerID]string)
	_, addr := startHTTPWorker(t, 2, "beta", nil,
		func(wire.WorkerID, *wire.Envelope) (*wire.Envelope, error) {
			return nil, errTest
		})
	peers[2] = addr

	a := NewHTTP(1, "alpha", peers, nil)
	reply, err := awaitReply(t, a.Send(2, wire.NewAck()))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Err() == nil {
		t.Fatalf("expected an error envelope, got %s", reply.Type)
	}
}

func TestHTTP_UnknownPeerFailsFuture(t *testing.T) {
	a := NewHTTP(1, "alpha", nil, nil)
	if _, err := awaitReply(t, a.Send(9, wire.NewAck())); err == nil {
		t.Error("sending to an unmapped worker should fail the future")
	}
}

var errTest = &wire.RemoteError{Text: "boom"}
