package ref

// EventKind labels one protocol state transition.
type EventKind string

const (
	EventOwnerCreated    EventKind = "owner-created"
	EventOwnerRemoved    EventKind = "owner-removed"
	EventForkRegistered  EventKind = "fork-registered"
	EventForkReleased    EventKind = "fork-released"
	EventProxyPending    EventKind = "proxy-pending"
	EventProxyConfirmed  EventKind = "proxy-confirmed"
	EventEarlyAck        EventKind = "early-ack"
	EventForwardPending  EventKind = "forward-pending"
	EventForwardFinished EventKind = "forward-finished"
)

// Event is one protocol state transition, emitted after the registry
// lock is released.
type Event struct {
	Kind   EventKind
	RRefID RRefID
	ForkID ForkID
}

// EventSink receives protocol events, e.g. for an audit journal.
// Implementations must tolerate concurrent calls.
type EventSink interface {
	Record(ev Event)
}
