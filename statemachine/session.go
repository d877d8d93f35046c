package statemachine

// SessionState is the lifecycle state of a client session. Expired and
// Closed are terminal.
type SessionState int8

const (
	Active SessionState = iota
	Expired
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Expired:
		return "EXPIRED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is a client-scoped liveness handle. The runtime owns the session
// set; state transitions happen on the apply goroutine.
type Session struct {
	id    int64
	state SessionState
}

func (s *Session) ID() int64 {
	return s.id
}

func (s *Session) State() SessionState {
	return s.state
}

// Alive reports whether entries bound to this session are still valid.
func (s *Session) Alive() bool {
	return s.state == Active
}

// SessionListener receives session lifecycle callbacks. Register fires once
// per session on first observation; Expire and Close fire on the respective
// terminal transitions. All callbacks run on the apply goroutine.
type SessionListener interface {
	Register(s *Session)
	Expire(s *Session)
	Close(s *Session)
}
