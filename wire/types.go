// Package wire defines the protocol messages exchanged between tether
// workers and their CBOR encoding. The identity types live here too so
// that every layer above (references, registry, transports) shares one
// definition of what travels on the wire.
package wire

import "fmt"

// WorkerID identifies a cluster member. Each worker is assigned a small
// integer id at configuration time; ids partition the GlobalID counter
// namespace, so no coordination is needed to mint unique ids.
type WorkerID int32

// LocalID is a per-worker monotonically increasing counter value.
type LocalID int64

// GlobalID is unique across the cluster: the minting worker's id plus
// the value of that worker's local counter at minting time.
type GlobalID struct {
	Worker WorkerID `cbor:"1,keyasint"`
	Local  LocalID  `cbor:"2,keyasint"`
}

// RRefID identifies a value cluster-wide. It is minted once, by
// whichever worker first creates the value, and never changes for the
// value's lifetime.
type RRefID = GlobalID

// ForkID identifies one specific reference instance to a value. A
// fresh ForkID is minted every time a reference is duplicated.
type ForkID = GlobalID

// String renders a GlobalID as "worker/local".
func (id GlobalID) String() string {
	return fmt.Sprintf("%d/%d", id.Worker, id.Local)
}

// IsZero reports whether the id is the zero value. Worker 0, local 0
// is a valid minted id, so the zero value is only meaningful for
// fields that are never populated from a minter.
func (id GlobalID) IsZero() bool {
	return id.Worker == 0 && id.Local == 0
}

// MessageType discriminates envelope payloads.
type MessageType uint8

const (
	// MessageForkNotify is sent by a proxy holder to the owner when
	// forwarding its reference to a third worker.
	MessageForkNotify MessageType = iota + 1

	// MessageProxyAccept is sent by the owner to a new proxy holder
	// once the fork has been recorded in the owner's live set.
	MessageProxyAccept

	// MessageForkAccept is the owner's reply to a ForkNotify, telling
	// the forwarder its forward request has been recorded.
	MessageForkAccept

	// MessageProxyDelete is sent by a proxy holder to the owner when
	// the proxy is released. This is a signal of its own, independent
	// of any accept round trip.
	MessageProxyDelete

	// MessageAck is an empty acknowledgement reply.
	MessageAck

	// MessageError carries a human-readable remote failure.
	MessageError
)

// String returns the message type name for logs.
func (t MessageType) String() string {
	switch t {
	case MessageForkNotify:
		return "fork-notify"
	case MessageProxyAccept:
		return "proxy-accept"
	case MessageForkAccept:
		return "fork-accept"
	case MessageProxyDelete:
		return "proxy-delete"
	case MessageAck:
		return "ack"
	case MessageError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ForkNotify tells the owner that ForkID is a new fork of RRefID whose
// holder will be Dst. It is sent to the owner, not to Dst, because
// only the owner's bookkeeping is authoritative.
type ForkNotify struct {
	RRefID RRefID   `cbor:"1,keyasint"`
	ForkID ForkID   `cbor:"2,keyasint"`
	Dst    WorkerID `cbor:"3,keyasint"`
}

// ProxyAccept tells a proxy holder that the owner has recorded ForkID
// in RRefID's live set; the holder's proxy is now safe to use freely.
type ProxyAccept struct {
	RRefID RRefID `cbor:"1,keyasint"`
	ForkID ForkID `cbor:"2,keyasint"`
}

// ForkAccept tells a forwarder that its forward request for ForkID has
// been recorded by the owner and the pending entry can be dropped.
type ForkAccept struct {
	ForkID ForkID `cbor:"1,keyasint"`
}

// ProxyDelete tells the owner that the holder of ForkID has released
// its proxy to RRefID.
type ProxyDelete struct {
	RRefID RRefID `cbor:"1,keyasint"`
	ForkID ForkID `cbor:"2,keyasint"`
}
