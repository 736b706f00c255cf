// Package mqttdbg implements a minimal MQTT 3.1.1 broker built for
// observing and debugging embedded clients rather than for production
// message delivery: QoS 0 fan-out only, no persistence, no auth, a single
// listener, and deliberately verbose logging of everything that crosses
// the wire.
package mqttdbg

import (
	"encoding/hex"
	"net"
	"time"

	"github.com/gtofzz/mqttdbg/internal/frame"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type eventKind uint8

const (
	evtAccept eventKind = iota
	evtData
	evtReadErr
)

// event is what a session's reader goroutine hands to the server's run
// loop. It is the only channel through which the loop goroutine learns
// anything about the outside world — the realization, in Go's own
// concurrency idiom, of the register/unregister/subs/pubs channel set the
// teacher repository's earliest broker (broker/server.go) fed into its
// single run() select loop.
type event struct {
	kind eventKind
	conn net.Conn // evtAccept only
	ses  *Session // evtData, evtReadErr
	data []byte   // evtData only
	err  error    // evtReadErr only
}

// Server is the broker: one TCP listener, one run loop goroutine that
// owns every Session and the subscription index, and one reader goroutine
// per accepted connection that does nothing but block on Read and forward
// what it gets.
type Server struct {
	cfg Config

	ln net.Listener

	sessions map[*Session]struct{}
	idx      *index

	events  chan event
	stop    chan struct{}
	stopped chan struct{}
	ready   chan struct{}
}

// NewServer builds a Server from cfg. Call Run to start listening and
// serving; Run blocks until Shutdown is called or the listener fails.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		sessions: make(map[*Session]struct{}),
		idx:      newIndex(),
		events:   make(chan event, 256),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
	}
}

// Run opens the listener and runs the broker's event loop until Shutdown
// is called. It returns immediately if the listener cannot be opened.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return errors.Wrap(err, "mqttdbg: listen failed")
	}
	s.ln = ln
	close(s.ready)

	log.WithFields(log.Fields{
		"addr":       ln.Addr().String(),
		"maxClients": s.cfg.MaxClients,
	}).Info("broker listening")

	go s.acceptLoop()
	s.loop()
	return nil
}

// Addr blocks until the listener is open and returns its address. Tests
// use this to dial a server started with port 0 (an ephemeral port).
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.ln.Addr()
}

// Shutdown stops the accept loop, closes every session and blocks until
// the run loop has finished tearing everything down.
func (s *Server) Shutdown() {
	select {
	case <-s.stop:
		return
	default:
	}
	close(s.stop)
	if s.ln != nil {
		s.ln.Close()
	}
	<-s.stopped
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			log.WithFields(log.Fields{"err": err}).Warn("accept failed, listener stopping")
			return
		}

		select {
		case s.events <- event{kind: evtAccept, conn: conn}:
		case <-s.stop:
			conn.Close()
			return
		}
	}
}

// loop is the single goroutine that ever reads or writes s.sessions or
// s.idx. Every other goroutine in the broker only ever talks to it
// through s.events, so none of that state needs a lock — this is the
// invariant the whole design exists to preserve.
func (s *Server) loop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.teardownAll()
			close(s.stopped)
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-ticker.C:
			// Reserved readiness tick. QoS 0-only delivery needs no
			// periodic retransmission or keep-alive expiry, so there is
			// nothing to do here today, but the loop still wakes on this
			// interval exactly like the select(2)-based original.
		}
	}
}

func (s *Server) handleEvent(ev event) {
	switch ev.kind {
	case evtAccept:
		s.onAccept(ev.conn)
	case evtData:
		s.onData(ev.ses, ev.data)
	case evtReadErr:
		s.onReadErr(ev.ses, ev.err)
	}
}

func (s *Server) onAccept(conn net.Conn) {
	if len(s.sessions) >= s.cfg.MaxClients {
		log.WithFields(log.Fields{
			"remote":     conn.RemoteAddr(),
			"maxClients": s.cfg.MaxClients,
		}).Warn("drop: too many clients")
		conn.Close()
		return
	}

	ses := newSession(conn)
	s.sessions[ses] = struct{}{}

	log.WithFields(log.Fields{"remote": ses.remoteAddr}).Debug("accepted connection")
	go s.readLoop(ses)
}

// readLoop is the only thing the reader goroutine does: block on Read and
// forward the result. The one-second read deadline stands in for the
// original select(2) prototype's timeout tick; a timeout is simply ignored
// and the loop reads again. A closed session surfaces as a Read error,
// which is forwarded as evtReadErr and ends the goroutine.
func (s *Server) readLoop(ses *Session) {
	buf := make([]byte, 2048)
	for {
		ses.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := ses.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case s.events <- event{kind: evtReadErr, ses: ses, err: err}:
			case <-s.stop:
			}
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.events <- event{kind: evtData, ses: ses, data: data}:
		case <-s.stop:
			return
		}
	}
}

func (s *Server) onReadErr(ses *Session, err error) {
	if _, present := s.sessions[ses]; !present {
		return
	}
	s.closeSession(ses, err.Error())
}

// errOrderViolation marks a CONNECT-ordering error under strict policy: the
// first packet on a session was not CONNECT, or a CONNECT was re-received
// on an already-connected session. dispatch only returns it when
// disconnect-on-error is set; under the default permissive policy it
// processes these frames as usual and merely logs them (a warning for a
// non-CONNECT first packet, a debug line for a re-received CONNECT).
var errOrderViolation = errors.New("mqttdbg: CONNECT ordering violation")

func (s *Server) onData(ses *Session, data []byte) {
	if ses.state == StateClosed || ses.state == StateDraining {
		return
	}

	ses.inbox = append(ses.inbox, data...)

	for {
		raw, rest, ok, err := frame.Next(ses.inbox)
		if err != nil {
			log.WithFields(log.Fields{
				"clientId": ses.ClientID,
				"remote":   ses.remoteAddr,
			}).Warn("malformed remaining length, discarding inbox")
			ses.inbox = nil
			s.handleFrameError(ses, err)
			return
		}
		if !ok {
			return
		}
		ses.inbox = rest

		if err := s.dispatch(ses, raw); err != nil {
			s.handleFrameError(ses, err)
		}
		if ses.state == StateDraining || ses.state == StateClosed {
			return
		}
	}
}

func (s *Server) handleFrameError(ses *Session, err error) {
	if s.cfg.DisconnectOnError {
		s.closeSession(ses, err.Error())
	}
}

func (s *Server) dispatch(ses *Session, raw []byte) error {
	if s.cfg.LogRaw {
		log.WithFields(log.Fields{
			"clientId": ses.ClientID,
			"remote":   ses.remoteAddr,
			"bytes":    hex.EncodeToString(raw),
		}).Debug("raw frame")
	}

	f, err := frame.Decode(raw)
	if err != nil {
		log.WithFields(log.Fields{
			"clientId": ses.ClientID,
			"remote":   ses.remoteAddr,
			"err":      err,
		}).Warn("malformed frame")
		return err
	}

	// CONNECT ordering is enforced strictly only when disconnect-on-error is
	// set. By default the broker is permissive: a first packet that is not
	// CONNECT is still dispatched below (just logged), and a re-received
	// CONNECT on an already-connected session falls through to
	// handleConnect, which updates the client id and re-emits CONNACK.
	if ses.state == StateNew && f.Type != frame.TypeConnect {
		log.WithFields(log.Fields{"remote": ses.remoteAddr}).Warn("first packet was not CONNECT")
		if s.cfg.DisconnectOnError {
			return errOrderViolation
		}
	} else if ses.state != StateNew && f.Type == frame.TypeConnect {
		if s.cfg.DisconnectOnError {
			log.WithFields(log.Fields{"clientId": ses.ClientID}).Warn("second CONNECT on session")
			return errOrderViolation
		}
		log.WithFields(log.Fields{"clientId": ses.ClientID}).Debug("re-CONNECT, updating client id")
	}

	switch f.Type {
	case frame.TypeConnect:
		s.handleConnect(ses, f)
	case frame.TypePublish:
		s.handlePublish(ses, f)
	case frame.TypeSubscribe:
		s.handleSubscribe(ses, f)
	case frame.TypePingreq:
		s.handlePingreq(ses)
	case frame.TypeDisconnect:
		s.handleDisconnect(ses)
	case frame.TypeUnsupported:
		log.WithFields(log.Fields{
			"clientId": ses.ClientID,
			"type":     f.RawType,
		}).Warn("unsupported packet type")
	default:
		log.WithFields(log.Fields{
			"clientId": ses.ClientID,
			"type":     f.RawType,
		}).Warn("unknown packet type")
	}
	return nil
}

func (s *Server) handleConnect(ses *Session, f frame.Frame) {
	if s.cfg.ConnectDelay > 0 {
		time.Sleep(s.cfg.ConnectDelay)
	}

	cid := f.ClientID
	if cid == "" {
		cid = defaultClientID(ses.remoteAddr)
	}
	ses.ClientID = cid
	ses.state = StateConnected

	log.WithFields(log.Fields{
		"clientId": ses.ClientID,
		"remote":   ses.remoteAddr,
	}).Info("client connected")

	s.send(ses, frame.EncodeConnack())
}

func (s *Server) handlePublish(ses *Session, f frame.Frame) {
	fields := log.Fields{
		"clientId": ses.ClientID,
		"topic":    f.Topic,
		"qos":      f.QoS,
	}
	if s.cfg.LogPayload {
		fields["payload"] = string(f.Payload)
	}
	log.WithFields(fields).Debug("PUBLISH")

	if f.QoS > 0 {
		s.send(ses, frame.EncodePuback(f.PacketID))
	}

	s.broadcast(ses, f.Topic, f.Payload)
}

// broadcast delivers topic/payload at QoS 0 to every subscribed session
// in deterministic, seq-ordered fan-out, skipping the publisher unless
// reflect is enabled. Fan-out to every other subscriber always happens
// regardless of reflect — reflect controls only whether the publisher
// also receives its own message back.
func (s *Server) broadcast(publisher *Session, topic string, payload []byte) {
	subs := s.idx.Subscribers(topic)
	if len(subs) == 0 {
		return
	}

	pkt := frame.EncodePublish(topic, payload)
	delivered := 0
	for _, sub := range subs {
		if sub == publisher && !s.cfg.Reflect {
			continue
		}
		s.send(sub, pkt)
		delivered++
	}

	log.WithFields(log.Fields{
		"topic":     topic,
		"delivered": delivered,
	}).Debug("fan-out")
}

func (s *Server) handleSubscribe(ses *Session, f frame.Frame) {
	for _, topic := range f.Topics {
		s.idx.Add(topic, ses)
	}

	log.WithFields(log.Fields{
		"clientId": ses.ClientID,
		"topics":   f.Topics,
	}).Debug("SUBSCRIBE")

	s.send(ses, frame.EncodeSuback(f.PacketID, len(f.Topics)))
}

func (s *Server) handlePingreq(ses *Session) {
	s.send(ses, frame.EncodePingresp())
}

func (s *Server) handleDisconnect(ses *Session) {
	log.WithFields(log.Fields{"clientId": ses.ClientID}).Debug("client disconnected")
	s.closeSession(ses, "client DISCONNECT")
}

// send writes p to ses's socket. A write failure always moves the session
// straight to Closed — there is no recovery path for a socket the broker
// can no longer write to, independent of disconnect-on-error, which only
// governs how the broker reacts to bad data coming in.
func (s *Server) send(ses *Session, p []byte) {
	if err := ses.Write(p); err != nil {
		log.WithFields(log.Fields{
			"clientId": ses.ClientID,
			"err":      err,
		}).Warn("write failed, closing session")
		s.closeSession(ses, "write failed")
	}
}

func (s *Server) closeSession(ses *Session, reason string) {
	if ses.state == StateClosed {
		return
	}
	ses.state = StateDraining
	s.idx.DropSession(ses)
	delete(s.sessions, ses)
	ses.close()

	log.WithFields(log.Fields{
		"clientId": ses.ClientID,
		"remote":   ses.remoteAddr,
		"reason":   reason,
	}).Info("session closed")
}

func (s *Server) teardownAll() {
	for ses := range s.sessions {
		s.closeSession(ses, "server shutdown")
	}
}
