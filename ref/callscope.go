package ref

// CallScope accumulates the references touched while building one
// outbound call. Because the transport does not deliver messages in
// FIFO order, a reference named by a call could otherwise be released
// locally before the remote side has processed the call. The scope is
// owned exclusively by the issuing task until it is captured, so it
// needs no lock.
//
// ForkTo records the forked source reference automatically; call
// Touch for references passed directly without forking. Hand the
// scope to Registry.CaptureCallArgs exactly once at send time.
type CallScope struct {
	refs []Reference
}

// NewCallScope returns an empty scope for one outbound call.
func NewCallScope() *CallScope {
	return &CallScope{}
}

// Touch records a reference used by the call under construction.
func (s *CallScope) Touch(r Reference) {
	s.refs = append(s.refs, r)
}

// Refs returns the references recorded so far, in touch order.
func (s *CallScope) Refs() []Reference {
	return s.refs
}

// take returns the recorded references and resets the scope.
func (s *CallScope) take() []Reference {
	refs := s.refs
	s.refs = nil
	return refs
}
