package mqttdbg

import (
	"fmt"
	"net"
	"sync/atomic"
)

// SessionState is a session's position in its lifecycle FSM: New ->
// Connected -> Draining -> Closed. There is no path back.
type SessionState uint8

const (
	StateNew SessionState = iota
	StateConnected
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var sessionSeq uint64

// Session is one accepted TCP connection and everything the broker tracks
// about it: its inbox buffer, its state, and the topics it subscribes to.
// It is only ever mutated from the server's run loop goroutine — the
// reader goroutine attached to it does nothing but blocking reads and
// sends of the bytes it gets onto the server's event channel.
type Session struct {
	conn net.Conn
	seq  uint64 // accept-time sequence number, used for deterministic fan-out order

	state    SessionState
	ClientID string

	inbox []byte // unconsumed bytes read so far; see frame.Next

	subscriptions map[string]struct{}

	remoteAddr string
}

func newSession(conn net.Conn) *Session {
	return &Session{
		conn:          conn,
		seq:           atomic.AddUint64(&sessionSeq, 1),
		state:         StateNew,
		subscriptions: make(map[string]struct{}),
		remoteAddr:    conn.RemoteAddr().String(),
	}
}

// Write sends p to the session's socket. It is called only from the
// server's run loop, so a write that blocks (a slow or stalled client)
// blocks the whole broker until it completes or fails — the deliberate
// trade-off this specification's concurrency model makes in exchange for
// never needing a lock on broker state.
func (ses *Session) Write(p []byte) error {
	_, err := ses.conn.Write(p)
	return err
}

func (ses *Session) close() {
	ses.conn.Close()
	ses.state = StateClosed
}

// defaultClientID manufactures a stable placeholder for a CONNECT that
// supplied an empty client id. It never needs to be unique against any
// other session's id, only distinguishable in logs, so a monotonic
// counter plus the connection's own remote address is enough — adapted
// from the teacher's own `noname-%d-%d` placeholder in
// broker/proto.go's handleConnect, minus that function's additional
// "persistent session" gate, which does not apply here: this broker
// always assigns a placeholder for an empty client id rather than ever
// rejecting the CONNECT.
var placeholderSeq uint64

func defaultClientID(remoteAddr string) string {
	n := atomic.AddUint64(&placeholderSeq, 1)
	return fmt.Sprintf("client-%d-%s", n, remoteAddr)
}
