// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/osprey-im/xmpp/internal/attr"
	"github.com/osprey-im/xmpp/internal/ns"
	"github.com/osprey-im/xmpp/internal/xstream"
	"github.com/osprey-im/xmpp/jid"
	"github.com/osprey-im/xmpp/stanza"
)

// Config contains options for creating a session.
type Config struct {
	// Address is the account address. The domainpart selects the server (via
	// SRV lookup unless Server is set), the localpart is the default
	// username for authentication, and the resourcepart (if any) is
	// requested during resource binding.
	Address jid.JID

	// Username and Password are the SASL credentials. If Username is empty
	// the localpart of Address is used. If both Username and Password are
	// empty, authentication is skipped entirely.
	Username string
	Password string

	// Server overrides DNS service discovery and connects to the given host
	// directly.
	Server string

	// Port is the server port. The zero value means DefaultPort (5222).
	Port int

	// NoTLS disables the opportunistic STARTTLS upgrade. Connecting to a
	// server that requires TLS with NoTLS set fails authentication.
	NoTLS bool

	// TLSConfig is the config used for the STARTTLS upgrade. If nil, an
	// insecure default is used that accepts any certificate (optionally
	// filtered through Verify); this default exists for interoperability
	// and should be replaced with a verifying config in production.
	TLSConfig *tls.Config

	// Verify is an optional certificate verification callback applied by
	// the insecure default TLS config.
	Verify VerifyFunc

	// NoBind skips resource binding during negotiation.
	NoBind bool

	// Lang is the preferred default language of the stream.
	Lang string

	// IQTimeout is the default deadline for synchronous IQ requests when
	// the caller's context carries none. Zero means DefaultIQTimeout and a
	// negative value means wait forever.
	IQTimeout time.Duration

	// SM configures the stream management engine. Unset intervals use the
	// defaults documented on SMConfig.
	SM SMConfig

	// Handlers holds the application callbacks. They are invoked one at a
	// time, in stream order, by the inbox dispatcher.
	Handlers Handlers

	// Dialer is used to establish the TCP connection. If nil a zero Dialer
	// is used.
	Dialer *Dialer

	// Dial, when non-nil, replaces DNS discovery and TCP dialing entirely:
	// the session runs over whatever connection it returns. It is called
	// again for every reconnection, making it suitable for tunneled
	// transports and for tests.
	Dial func(ctx context.Context) (net.Conn, error)

	// AllowInsecureAuth permits SASL authentication over an unencrypted
	// stream. Never enable this outside of tests or loopback connections:
	// PLAIN credentials (and DIGEST-MD5 material) would cross the network
	// in the clear.
	AllowInsecureAuth bool
}

// DefaultIQTimeout is the deadline applied to synchronous IQ requests when
// neither the config nor the caller's context provides one.
const DefaultIQTimeout = 30 * time.Second

// Handlers holds the application event callbacks. Any callback may be nil.
type Handlers struct {
	// Error is invoked for background failures: transport errors, protocol
	// violations, and unrecoverable stream management failures.
	Error func(error)

	// IQ is invoked for every IQ request (get or set) addressed to the
	// session. Responses never reach this handler; they are routed to the
	// requester instead.
	IQ func(stanza.IQ)

	// Message is invoked for every incoming message stanza.
	Message func(stanza.Message)

	// Presence is invoked for every incoming presence stanza.
	Presence func(stanza.Presence)

	// SMEnabled is invoked when the server confirms stream management.
	SMEnabled func()

	// StreamResumed is invoked after a dropped stream has been resumed.
	StreamResumed func()
}

// A Session is a client-to-server XMPP session: a single long-lived,
// optionally encrypted, authenticated XML stream plus the machinery that
// keeps it alive.
type Session struct {
	config Config
	ids    attr.IDGen

	// wmu serializes every write to the transport. At most one writer may
	// touch the transport at any instant; stream management cache mutations
	// that must be atomic with a send also happen under it.
	wmu sync.Mutex

	// mu guards the connection handle and the state fields below.
	mu          sync.RWMutex
	conn        *Conn
	state       SessionState
	jid         jid.JID
	lang        string
	connected   bool
	negotiating bool
	closed      bool

	// parser is owned by the negotiator during bring-up and by the
	// dispatcher afterwards; it is recreated for every new stream.
	parser   *xstream.Parser
	features map[string]struct{}

	// cancelIQ is closed when the reader shuts down so that all pending
	// synchronous IQ waiters unblock; it is recreated on reconnect so that
	// new requests aren't pre-cancelled.
	cancelIQ chan struct{}

	pmu       sync.Mutex
	waiters   map[string]chan stanza.IQ
	callbacks map[string]func(stanza.IQ)

	inbox           chan func()
	cbQueue         chan func()
	cancelDispatch  chan struct{}
	dispatchRunning bool

	sm *smEngine
}

// New creates a session from the given config. No connection is attempted
// until Connect is called.
func New(config Config) (*Session, error) {
	if config.Address.Domainpart() == "" {
		return nil, &ArgumentError{Field: "address", Reason: "domainpart must not be empty"}
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, &ArgumentError{Field: "port", Reason: "out of range"}
	}
	if config.Username == "" && config.Password != "" {
		config.Username = config.Address.Localpart()
	}
	s := &Session{
		config:         config,
		features:       make(map[string]struct{}),
		waiters:        make(map[string]chan stanza.IQ),
		callbacks:      make(map[string]func(stanza.IQ)),
		inbox:          make(chan func(), 64),
		cbQueue:        make(chan func(), 64),
		cancelDispatch: make(chan struct{}),
		cancelIQ:       make(chan struct{}),
	}
	s.sm = newSMEngine(s)
	return s, nil
}

// Connect establishes the session: it discovers and dials the server,
// negotiates the stream (STARTTLS, SASL, resource binding), and starts the
// read loop. It is also used to re-establish a session that was closed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected || s.negotiating {
		s.mu.Unlock()
		return nil
	}
	s.negotiating = true
	s.closed = false
	s.mu.Unlock()

	err := s.dialAndNegotiate(ctx, !s.config.NoBind)
	s.mu.Lock()
	s.negotiating = false
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.connected = true
	s.mu.Unlock()

	s.startReader()
	s.startInbox()
	s.sm.start()
	return nil
}

// Authenticate replaces the session credentials and forces a reconnect so
// that the new credentials take effect.
func (s *Session) Authenticate(ctx context.Context, username, password string) error {
	s.mu.Lock()
	s.config.Username = username
	s.config.Password = password
	s.mu.Unlock()
	if err := s.Close(); err != nil {
		return err
	}
	return s.Connect(ctx)
}

// dialAndNegotiate connects the transport and drives stream negotiation.
// When bind is false resource binding is skipped (used when resuming a
// stream management session, which must not bind).
func (s *Session) dialAndNegotiate(ctx context.Context, bind bool) error {
	var conn *Conn
	if s.config.Dial != nil {
		c, err := s.config.Dial(ctx)
		if err != nil {
			return err
		}
		conn = newConn(c)
	} else {
		d := s.config.Dialer
		if d == nil {
			d = &Dialer{}
		}
		if s.config.Server != "" {
			d.Server = s.config.Server
		}
		if s.config.Port != 0 {
			d.Port = uint16(s.config.Port)
		}
		var err error
		conn, err = d.Dial(ctx, s.config.Address)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.state = 0
	s.features = make(map[string]struct{})
	s.mu.Unlock()

	features := make([]StreamFeature, 0, 3)
	if s.config.NoTLS {
		features = append(features, noTLSGuard())
	} else {
		features = append(features, StartTLS(s.config.TLSConfig))
	}
	if s.config.Password != "" || s.config.Username != "" {
		saslFeature := SASL("", s.config.Username, s.config.Password,
			defaultMechanisms(s.config.Address.Domainpart())...)
		if s.config.AllowInsecureAuth {
			saslFeature.Necessary &^= Secure
		}
		features = append(features, saslFeature)
	}
	if bind {
		features = append(features, BindResource(s.config.Address.Resourcepart()))
	}

	if err := s.negotiate(ctx, features); err != nil {
		conn.Close()
		return err
	}
	s.mu.Lock()
	s.state |= Ready
	s.mu.Unlock()
	return nil
}

// startReader starts the dispatcher goroutine for the current stream and
// arms a fresh cancel signal for IQ waiters.
func (s *Session) startReader() {
	s.mu.Lock()
	s.cancelIQ = make(chan struct{})
	parser := s.parser
	s.mu.Unlock()
	go s.dispatch(parser)
}

// write writes a raw frame to the transport under the write lock. It is
// used for non-stanza frames (stream management acks and requests, stream
// close) which are never cached for replay.
func (s *Session) write(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeLocked(b)
}

func (s *Session) writeLocked(b []byte) error {
	s.mu.RLock()
	conn := s.conn
	connected := s.connected
	s.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(b); err != nil {
		s.markDisconnected(err)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// writeStanza serializes a stanza and writes it under the write lock. If
// stream management is enabled the stanza is appended to the replay cache
// and the outbound counter incremented atomically with the send attempt; a
// stanza whose send fails stays cached so that it is replayed after the
// stream recovers.
func (s *Session) writeStanza(w interface {
	WriteXML(io.Writer) (int, error)
}) error {
	var buf []byte
	if _, err := w.WriteXML(wireBuf{&buf}); err != nil {
		return err
	}
	return s.writeWire(buf)
}

func (s *Session) writeWire(buf []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.sm.noteSent(buf)
	return s.writeLocked(buf)
}

type wireBuf struct {
	b *[]byte
}

func (w wireBuf) Write(p []byte) (int, error) {
	*w.b = append(*w.b, p...)
	return len(p), nil
}

// markDisconnected flags the session as disconnected after a transport
// failure. Recovery, if stream management is enabled, is driven solely by
// the engine's periodic tick.
func (s *Session) markDisconnected(err error) {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()
	if wasConnected {
		s.cancelPending()
		s.emitError(fmt.Errorf("%w: %v", ErrDisconnected, err))
	}
}

// dispatch is the session read loop: it pulls elements off the parser and
// routes them to the IQ correlator, the application inbox, or the stream
// management engine.
func (s *Session) dispatch(parser *xstream.Parser) {
	for {
		el, err := parser.Next()
		if err != nil {
			s.readError(parser, err)
			return
		}
		switch el.Name.Space {
		case ns.SM:
			s.dispatchSM(el)
			continue
		case ns.Client, "":
		default:
			s.emitError(protoErr("unhandled element %s in namespace %s", el.Name.Local, el.Name.Space))
			continue
		}

		switch el.Name.Local {
		case "iq":
			iq := stanza.IQ{}
			if err := el.Decode(&iq); err != nil {
				s.emitError(protoErr("malformed iq: %v", err))
				continue
			}
			s.sm.noteReceived()
			if iq.IsRequest() {
				s.enqueue(func() {
					if h := s.config.Handlers.IQ; h != nil {
						h(iq)
					}
				})
			} else {
				s.handleResponse(iq)
			}
		case "message":
			msg := stanza.Message{}
			if err := el.Decode(&msg); err != nil {
				s.emitError(protoErr("malformed message: %v", err))
				continue
			}
			s.sm.noteReceived()
			s.enqueue(func() {
				if h := s.config.Handlers.Message; h != nil {
					h(msg)
				}
			})
		case "presence":
			p := stanza.Presence{}
			if err := el.Decode(&p); err != nil {
				s.emitError(protoErr("malformed presence: %v", err))
				continue
			}
			s.sm.noteReceived()
			s.enqueue(func() {
				if h := s.config.Handlers.Presence; h != nil {
					h(p)
				}
			})
		default:
			s.emitError(protoErr("unhandled element %s", el.Name.Local))
		}
	}
}

// dispatchSM routes urn:xmpp:sm:3 elements to the engine.
func (s *Session) dispatchSM(el xstream.Element) {
	switch el.Name.Local {
	case "r":
		// Answer ack requests immediately, off the inbox path, so that the
		// server's view of our inbound counter never lags behind.
		s.sm.sendAck()
	case "a":
		s.sm.handleAck(el)
	case "enabled":
		s.sm.handleEnabled(el)
	case "resumed":
		s.sm.handleResumed(el)
	case "failed":
		s.sm.handleFailed(el)
	default:
		s.sm.malformed(protoErr("unhandled stream management element %s", el.Name.Local))
	}
}

// readError tears down the reader side of the session: every pending IQ
// waiter is cancelled, the session is marked disconnected, and the failure
// is surfaced through the error handler. The dispatcher exits afterwards;
// the stream management tick is the sole reconnect driver.
func (s *Session) readError(parser *xstream.Parser, err error) {
	s.mu.Lock()
	if s.closed || s.parser != parser {
		// A stale reader from a stream that has already been replaced must
		// not tear down its successor.
		s.mu.Unlock()
		return
	}
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	s.cancelPending()
	if wasConnected {
		if err == io.EOF || err == xstream.ErrStreamClosed {
			err = fmt.Errorf("%w: stream closed by peer", ErrDisconnected)
		} else {
			err = fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		s.emitError(err)
	}
}

// startInbox starts the inbox dispatcher if it is not already running. The
// cancel signal is recreated on every (re)connect so that deliveries after a
// reconnect aren't pre-cancelled.
func (s *Session) startInbox() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchRunning {
		return
	}
	s.cancelDispatch = make(chan struct{})
	s.dispatchRunning = true
	go s.dispatchInbox(s.cancelDispatch)
	go s.runCallbacks(s.cancelDispatch)
}

// runCallbacks invokes asynchronous IQ callbacks one at a time, in response
// arrival order, on a worker separate from both the read loop and the inbox
// dispatcher.
func (s *Session) runCallbacks(cancel <-chan struct{}) {
	for {
		select {
		case f := <-s.cbQueue:
			f()
		case <-cancel:
			return
		}
	}
}

// enqueue appends an application event to the inbox. Events are delivered
// one at a time, in the order the parser yielded them.
func (s *Session) enqueue(f func()) {
	s.mu.RLock()
	cancel := s.cancelDispatch
	s.mu.RUnlock()
	select {
	case s.inbox <- f:
	case <-cancel:
	}
}

// dispatchInbox is the second serialization stage: it drains the inbox FIFO
// and invokes the application callbacks one at a time, guaranteeing
// linearizable delivery order per stream.
func (s *Session) dispatchInbox(cancel <-chan struct{}) {
	for {
		select {
		case f := <-s.inbox:
			f()
		case <-cancel:
			return
		}
	}
}

// emitError surfaces a background error to the application. Unlike stanza
// delivery it never blocks: error events may be raised while the write lock
// is held, and an application callback stuck sending would otherwise
// deadlock against a full inbox.
func (s *Session) emitError(err error) {
	f := func() {
		if h := s.config.Handlers.Error; h != nil {
			h(err)
		}
	}
	select {
	case s.inbox <- f:
	default:
		go s.enqueue(f)
	}
}

// SendMessage sends a message stanza. If stream management is enabled the
// stanza is cached until the server acknowledges it.
func (s *Session) SendMessage(ctx context.Context, msg stanza.Message) error {
	return s.writeStanza(msg)
}

// SendPresence sends a presence stanza. If stream management is enabled the
// stanza is cached until the server acknowledges it.
func (s *Session) SendPresence(ctx context.Context, p stanza.Presence) error {
	return s.writeStanza(p)
}

// Close closes the session: the output stream is closed with a stream end
// tag, the stream management tick and the dispatchers are stopped, and the
// transport is closed. A closed session can be re-established with Connect.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	s.sm.stop()
	s.cancelPending()
	s.mu.Lock()
	if s.dispatchRunning {
		close(s.cancelDispatch)
		s.dispatchRunning = false
	}
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	if wasConnected {
		// Ignore write errors: the stream end tag is best effort on an
		// already-failing transport.
		s.wmu.Lock()
		_, _ = conn.Write([]byte(`</stream:stream>`))
		s.wmu.Unlock()
	}
	return conn.Close()
}

// JID returns the address the stream was bound to, or the zero value before
// resource binding has completed.
func (s *Session) JID() jid.JID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jid
}

// Connected reports whether the session is fully negotiated and usable.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Authenticated reports whether the session has been authenticated.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state&Authn == Authn
}

// Secure reports whether the underlying connection has been encrypted.
func (s *Session) Secure() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state&Secure == Secure
}

// Lang returns the default language of the stream as advertised by the
// server ("en" if the server advertised none).
func (s *Session) Lang() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lang == "" {
		return "en"
	}
	return s.lang
}

// State returns the current negotiation state bits of the session.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// setConnected marks the session usable again after the stream management
// engine has reestablished a stream.
func (s *Session) setConnected() {
	s.mu.Lock()
	s.connected = true
	s.negotiating = false
	s.mu.Unlock()
}

// rawConn returns the current transport. It is only meaningful while the
// caller owns the stream exclusively (negotiation and resumption).
func (s *Session) rawConn() *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// rawParser returns the current stream parser. Like rawConn it is only
// meaningful for an exclusive owner of the stream.
func (s *Session) rawParser() *xstream.Parser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parser
}

// redial tears down the failed transport and brings up a fresh one,
// negotiating it with or without resource binding. It is called only by the
// stream management engine's reconciler, so at most one redial is ever in
// flight.
func (s *Session) redial(ctx context.Context, bind bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.negotiating = true
	s.connected = false
	old := s.conn
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	err := s.dialAndNegotiate(ctx, bind)
	s.mu.Lock()
	s.negotiating = false
	s.mu.Unlock()
	return err
}

// replayWires resends already-serialized stanzas under the write lock so
// that no new application traffic can interleave with the replay. The
// stanzas remain in the replay cache; they are not re-counted.
func (s *Session) replayWires(wires [][]byte) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for _, w := range wires {
		if err := s.writeLocked(w); err != nil {
			return
		}
	}
}
