package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode holds CBOR encoding options with canonical mode for
// deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Envelope frames every message on the wire: a type tag plus the
// CBOR-encoded payload for that type. Error envelopes carry the
// failure text directly in Payload.
type Envelope struct {
	Type    MessageType `cbor:"1,keyasint"`
	Payload []byte      `cbor:"2,keyasint,omitempty"`
}

// MarshalEnvelope serializes an Envelope to CBOR bytes.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	return cborEncMode.Marshal(e)
}

// UnmarshalEnvelope deserializes an Envelope from CBOR bytes.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return &e, nil
}

// NewForkNotify wraps a ForkNotify in an envelope.
func NewForkNotify(rrefID RRefID, forkID ForkID, dst WorkerID) (*Envelope, error) {
	return seal(MessageForkNotify, &ForkNotify{RRefID: rrefID, ForkID: forkID, Dst: dst})
}

// UnmarshalForkNotify decodes a ForkNotify payload.
func UnmarshalForkNotify(e *Envelope) (*ForkNotify, error) {
	var m ForkNotify
	if err := open(e, MessageForkNotify, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewProxyAccept wraps a ProxyAccept in an envelope.
func NewProxyAccept(rrefID RRefID, forkID ForkID) (*Envelope, error) {
	return seal(MessageProxyAccept, &ProxyAccept{RRefID: rrefID, ForkID: forkID})
}

// UnmarshalProxyAccept decodes a ProxyAccept payload.
func UnmarshalProxyAccept(e *Envelope) (*ProxyAccept, error) {
	var m ProxyAccept
	if err := open(e, MessageProxyAccept, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewForkAccept wraps a ForkAccept in an envelope.
func NewForkAccept(forkID ForkID) (*Envelope, error) {
	return seal(MessageForkAccept, &ForkAccept{ForkID: forkID})
}

// UnmarshalForkAccept decodes a ForkAccept payload.
func UnmarshalForkAccept(e *Envelope) (*ForkAccept, error) {
	var m ForkAccept
	if err := open(e, MessageForkAccept, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewProxyDelete wraps a ProxyDelete in an envelope.
func NewProxyDelete(rrefID RRefID, forkID ForkID) (*Envelope, error) {
	return seal(MessageProxyDelete, &ProxyDelete{RRefID: rrefID, ForkID: forkID})
}

// UnmarshalProxyDelete decodes a ProxyDelete payload.
func UnmarshalProxyDelete(e *Envelope) (*ProxyDelete, error) {
	var m ProxyDelete
	if err := open(e, MessageProxyDelete, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewAck returns an empty acknowledgement envelope.
func NewAck() *Envelope {
	return &Envelope{Type: MessageAck}
}

// NewError returns an error envelope carrying the failure text.
func NewError(text string) *Envelope {
	return &Envelope{Type: MessageError, Payload: []byte(text)}
}

// RemoteError is a failure reported by a remote worker inside an error
// envelope.
type RemoteError struct {
	Text string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("wire: remote error: %s", e.Text)
}

// Err returns a *RemoteError if the envelope is an error message, nil
// otherwise.
func (e *Envelope) Err() error {
	if e == nil || e.Type != MessageError {
		return nil
	}
	return &RemoteError{Text: string(e.Payload)}
}

func seal(t MessageType, payload any) (*Envelope, error) {
	data, err := cborEncMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s: %w", t, err)
	}
	return &Envelope{Type: t, Payload: data}, nil
}

func open(e *Envelope, want MessageType, out any) error {
	if e.Type != want {
		return fmt.Errorf("wire: expected %s envelope, got %s", want, e.Type)
	}
	if err := cbor.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("wire: unmarshal %s: %w", want, err)
	}
	return nil
}
