package wire

import (
	"errors"
	"testing"
)

func TestForkNotify_CBORRoundTrip(t *testing.T) {
	rref := GlobalID{Worker: 1, Local: 7}
	fork := GlobalID{Worker: 2, Local: 3}

	env, err := NewForkNotify(rref, fork, 3)
	if err != nil {
		t.Fatalf("NewForkNotify: %v", err)
	}

	data, err := MarshalEnvelope(env)
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}

	decoded, err := UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if decoded.Type != MessageForkNotify {
		t.Fatalf("Type: got %s, want %s", decoded.Type, MessageForkNotify)
	}

	m, err := UnmarshalForkNotify(decoded)
	if err != nil {
		t.Fatalf("UnmarshalForkNotify: %v", err)
	}
	if m.RRefID != rref {
		t.Errorf("RRefID: got %s, want %s", m.RRefID, rref)
	}
	if m.ForkID != fork {
		t.Errorf("ForkID: got %s, want %s", m.ForkID, fork)
	}
	if m.Dst != 3 {
		t.Errorf("Dst: got %d, want 3", m.Dst)
	}
}

func TestProxyAccept_WrongEnvelopeType(t *testing.T) {
	env, err := NewForkAccept(GlobalID{Worker: 1, Local: 1})
	if err != nil {
		t.Fatalf("NewForkAccept: %v", err)
	}

	if _, err := UnmarshalProxyAccept(env); err == nil {
		t.Error("UnmarshalProxyAccept should reject a fork-accept envelope")
	}
}

func TestErrorEnvelope(t *testing.T) {
	env := NewError("boom on worker 2")

	err := env.Err()
	if err == nil {
		t.Fatal("Err should return a remote error")
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %T", err)
	}
	if remote.Text != "boom on worker 2" {
		t.Errorf("Text: got %q", remote.Text)
	}

	if NewAck().Err() != nil {
		t.Error("Err on an ack envelope should be nil")
	}
}

func TestUnmarshalEnvelope_InvalidData(t *testing.T) {
	if _, err := UnmarshalEnvelope([]byte("not cbor")); err == nil {
		t.Error("UnmarshalEnvelope should fail on invalid data")
	}
}
