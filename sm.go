// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/osprey-im/xmpp/internal/ns"
	"github.com/osprey-im/xmpp/internal/xstream"
)

// SMConfig holds the tunable intervals of the stream management engine.
// The zero value of any field selects the documented default.
type SMConfig struct {
	// Tick is the period of the engine's maintenance timer. Default 10s.
	Tick time.Duration

	// AckEvery requests an ack whenever the outbound counter is a non-zero
	// multiple of this value. Default 3.
	AckEvery uint32

	// AckRequestAfter requests an ack whenever the server has been silent
	// for this long. Default 20s.
	AckRequestAfter time.Duration

	// SilenceTimeout is how long the server may be silent before the stream
	// is considered dropped and resumption begins. Default 60s.
	SilenceTimeout time.Duration

	// AttemptTimeout is the budget of a single resumption or reconnection
	// attempt. Default 30s.
	AttemptTimeout time.Duration

	// MaxAttempts is how many resumption (and then reconnection) attempts
	// are made before escalating. Default 3.
	MaxAttempts int
}

func (c SMConfig) withDefaults() SMConfig {
	if c.Tick == 0 {
		c.Tick = 10 * time.Second
	}
	if c.AckEvery == 0 {
		c.AckEvery = 3
	}
	if c.AckRequestAfter == 0 {
		c.AckRequestAfter = 20 * time.Second
	}
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = 60 * time.Second
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Engine phases. The engine is a state machine driven by a single
// reconciler (the tick goroutine) so that only one recovery may ever be in
// flight.
const (
	smConnected = iota
	smResuming
	smReconnecting
	smFailed
)

// smEngine owns the XEP-0198 state of a session: the inbound and outbound
// counters, the replay cache of unacknowledged stanzas, and the recovery
// state machine.
type smEngine struct {
	s   *Session
	cfg SMConfig

	mu      sync.Mutex
	enabled bool

	// Negotiated resumption parameters from <enabled/>.
	wantResume    bool
	wantMax       int
	resumeEnabled bool
	resumeID      string
	maxResume     int

	outboundSeq uint32
	inboundSeq  uint32
	lastAck     uint32
	lastAckTime time.Time

	// queue is the replay cache: the wire form of every stream
	// management-eligible stanza sent but not yet acknowledged, in send
	// order. Its length always equals outboundSeq-lastAck.
	queue [][]byte

	// pendingResumeH remembers the h value the server reported on a failed
	// resume so that the cache can be trimmed correctly once the follow-up
	// full reconnect re-enables stream management.
	pendingResumeH *uint32

	phase    int
	attempts int

	tickerStop chan struct{}
	running    bool
}

func newSMEngine(s *Session) *smEngine {
	return &smEngine{s: s, cfg: s.config.SM.withDefaults()}
}

// EnableSM asks the server to enable XEP-0198 stream management on the
// current stream, optionally with resumption. maxSeconds is the requested
// maximum resumption window; zero lets the server choose.
//
// Counting begins as soon as the enable request is written; the
// confirmation, replay of any cached stanzas, and the SMEnabled event are
// handled when the server's <enabled/> arrives on the read loop.
func (s *Session) EnableSM(ctx context.Context, resume bool, maxSeconds int) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	e := s.sm
	frame := `<enable xmlns='` + ns.SM + `'`
	if resume {
		frame += ` resume='true'`
		if maxSeconds > 0 {
			frame += ` max='` + strconv.Itoa(maxSeconds) + `'`
		}
	}
	frame += `/>`

	e.mu.Lock()
	e.enabled = true
	e.wantResume = resume
	e.wantMax = maxSeconds
	e.lastAckTime = time.Now()
	e.mu.Unlock()

	if err := s.write([]byte(frame)); err != nil {
		e.mu.Lock()
		e.enabled = false
		e.mu.Unlock()
		return err
	}
	e.start()
	return nil
}

// start launches the tick goroutine if stream management is enabled and the
// engine is not already running.
func (e *smEngine) start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled || e.running {
		return
	}
	e.running = true
	e.tickerStop = make(chan struct{})
	go e.run(e.tickerStop)
}

func (e *smEngine) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		close(e.tickerStop)
		e.running = false
	}
}

func (e *smEngine) run(stop chan struct{}) {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.reconcile()
		}
	}
}

// Reconciler actions.
const (
	actNone = iota
	actRequestAck
	actResume
	actReconnect
	actFail
)

// reconcile runs once per tick on the single reconciler goroutine. It
// requests acks at the configured cadence, detects dropped streams, and
// walks the recovery state machine:
//
//	Connected    --silence----------------> Resuming
//	Resuming     --<resumed/>-------------> Connected
//	Resuming     --attempts exhausted-----> Reconnecting
//	Reconnecting --bind+enable success----> Connected
//	Reconnecting --attempts exhausted-----> Failed (terminal)
func (e *smEngine) reconcile() {
	now := time.Now()

	e.mu.Lock()
	if !e.enabled || e.phase == smFailed {
		e.mu.Unlock()
		return
	}
	connected := e.s.Connected()
	action := actNone

	switch e.phase {
	case smConnected:
		silence := now.Sub(e.lastAckTime)
		if !connected || silence > e.cfg.SilenceTimeout {
			if e.resumeEnabled && e.resumeID != "" {
				e.phase = smResuming
			} else {
				e.phase = smReconnecting
			}
			e.attempts = 0
		} else if (e.outboundSeq > 0 && e.outboundSeq%e.cfg.AckEvery == 0) ||
			silence > e.cfg.AckRequestAfter {
			action = actRequestAck
		}
	}

	switch e.phase {
	case smResuming:
		if e.attempts >= e.cfg.MaxAttempts {
			e.phase = smReconnecting
			e.attempts = 0
			action = actReconnect
		} else {
			action = actResume
		}
		e.attempts++
	case smReconnecting:
		if e.attempts >= e.cfg.MaxAttempts {
			e.phase = smFailed
			action = actFail
		} else {
			action = actReconnect
			e.attempts++
		}
	}
	e.mu.Unlock()

	switch action {
	case actRequestAck:
		_ = e.s.write([]byte(`<r xmlns='` + ns.SM + `'/>`))
	case actResume:
		if e.attemptResume() == resumeEscalate {
			e.attemptReconnect()
		}
	case actReconnect:
		e.attemptReconnect()
	case actFail:
		e.s.emitError(fmt.Errorf("%w: gave up after %d reconnect attempts", ErrSM, e.cfg.MaxAttempts))
	}
}

// Outcomes of a resume attempt.
const (
	resumeDone = iota
	resumeFailed
	resumeEscalate
)

// attemptResume opens a fresh transport, negotiates it without binding, and
// asks the server to resume the previous stream.
func (e *smEngine) attemptResume() int {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AttemptTimeout)
	defer cancel()

	if err := e.s.redial(ctx, false); err != nil {
		return resumeFailed
	}

	e.mu.Lock()
	frame := fmt.Sprintf(`<resume xmlns='%s' h='%d' previd='%s'/>`, ns.SM, e.lastAck, e.resumeID)
	e.mu.Unlock()
	if _, err := e.s.rawConn().Write([]byte(frame)); err != nil {
		return resumeFailed
	}

	el, err := e.s.rawParser().Next("resumed", "failed")
	if err != nil {
		return resumeFailed
	}
	switch el.Name.Local {
	case "resumed":
		e.s.setConnected()
		e.handleResumed(el)
		e.s.startReader()
		return resumeDone
	default:
		return e.failedOutcome(el)
	}
}

// failedOutcome classifies a <failed/> element received in response to a
// resume request. An item-not-found failure means the server forgot the
// session: remember how far it got (the h attribute, if any) and escalate
// to a full reconnect. Anything else is surfaced to the application.
func (e *smEngine) failedOutcome(el xstream.Element) int {
	failure := struct {
		ItemNotFound *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas item-not-found"`
	}{}
	_ = el.Decode(&failure)

	if failure.ItemNotFound != nil {
		if hs := el.AttrValue("h"); hs != "" {
			if h, err := parseH(hs); err == nil {
				e.mu.Lock()
				e.pendingResumeH = &h
				e.mu.Unlock()
			}
		}
		e.mu.Lock()
		e.phase = smReconnecting
		e.attempts = 0
		e.mu.Unlock()
		return resumeEscalate
	}

	e.s.emitError(fmt.Errorf("%w: server refused resumption", ErrSM))
	return resumeFailed
}

// attemptReconnect opens a fresh transport, negotiates it fully (including
// resource binding), and re-enables stream management. The <enabled/>
// handler finishes the job: it trims the replay cache using any h value a
// failed resume reported and replays the remainder.
func (e *smEngine) attemptReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AttemptTimeout)
	defer cancel()

	err := e.s.redial(ctx, true)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			// Authentication failures will not fix themselves; give up.
			e.mu.Lock()
			e.phase = smFailed
			e.mu.Unlock()
			e.s.emitError(fmt.Errorf("%w: %v", ErrSM, err))
		}
		return
	}

	e.s.setConnected()
	e.s.startReader()

	e.mu.Lock()
	e.phase = smConnected
	e.attempts = 0
	e.lastAckTime = time.Now()
	resume := e.wantResume
	max := e.wantMax
	e.enabled = false
	e.mu.Unlock()

	if err := e.s.EnableSM(context.Background(), resume, max); err != nil {
		// Leave the engine armed so the reconciler retries the whole
		// reconnect rather than silently losing stream management.
		e.mu.Lock()
		e.enabled = true
		e.phase = smReconnecting
		e.mu.Unlock()
		e.s.emitError(err)
	}
}

// noteSent records a stream management-eligible stanza: it is appended to
// the replay cache and the outbound counter incremented. The caller holds
// the session write lock, which makes the cache mutation atomic with the
// send it accompanies.
func (e *smEngine) noteSent(wire []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}
	buf := make([]byte, len(wire))
	copy(buf, wire)
	e.queue = append(e.queue, buf)
	e.outboundSeq++
}

// noteReceived counts an inbound stanza.
func (e *smEngine) noteReceived() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}
	e.inboundSeq++
}

// sendAck answers a server <r/> with the current inbound counter.
func (e *smEngine) sendAck() {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	h := e.inboundSeq
	e.mu.Unlock()
	_ = e.s.write([]byte(fmt.Sprintf(`<a xmlns='%s' h='%d'/>`, ns.SM, h)))
}

// handleAck processes a server acknowledgement <a h='K'/>: the replay cache
// is trimmed by K-lastAck entries from the front.
func (e *smEngine) handleAck(el xstream.Element) {
	h, err := parseH(el.AttrValue("h"))
	if err != nil {
		e.malformed(fmt.Errorf("%w: bad h attribute on ack: %v", ErrProtocol, err))
		return
	}

	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	d := h - e.lastAck
	if int(d) > len(e.queue) {
		e.mu.Unlock()
		e.malformed(fmt.Errorf("%w: server acked %d stanzas but only %d are outstanding", ErrProtocol, d, len(e.queue)))
		return
	}
	e.queue = e.queue[d:]
	e.lastAck = h
	e.lastAckTime = time.Now()
	e.inboundSeq++
	e.mu.Unlock()
}

// handleEnabled processes the server's <enabled/> confirmation. Any cached
// stanzas are replayed onto the new stream: if a failed resume previously
// reported how far the server got, the cache is first trimmed to exactly
// the suffix the server never saw.
func (e *smEngine) handleEnabled(el xstream.Element) {
	e.mu.Lock()
	e.resumeEnabled = el.AttrValue("resume") == "true" || el.AttrValue("resume") == "1"
	e.resumeID = el.AttrValue("id")
	if m := el.AttrValue("max"); m != "" {
		if max, err := strconv.Atoi(m); err == nil {
			e.maxResume = max
		}
	}

	if e.pendingResumeH != nil {
		d := *e.pendingResumeH - e.lastAck
		if int(d) > len(e.queue) {
			d = uint32(len(e.queue))
		}
		e.queue = e.queue[d:]
		e.pendingResumeH = nil
	}

	// Snapshot the cache, then reset the counters for the new stream: the
	// replay below re-enters each stanza through the normal send path, so
	// the cache and the outbound counter rebuild themselves in lockstep.
	replay := e.queue
	e.queue = nil
	e.outboundSeq = 0
	e.inboundSeq = 0
	e.lastAck = 0
	e.lastAckTime = time.Now()
	e.phase = smConnected
	e.attempts = 0
	e.mu.Unlock()

	for _, wire := range replay {
		if err := e.s.writeWire(wire); err != nil {
			break
		}
	}

	e.s.enqueue(func() {
		if h := e.s.config.Handlers.SMEnabled; h != nil {
			h()
		}
	})
}

// handleResumed processes <resumed h='K'/>: the cache is trimmed by the
// stanzas the server already saw and the remainder replayed, in original
// send order, before any new application traffic may interleave.
func (e *smEngine) handleResumed(el xstream.Element) {
	h, err := parseH(el.AttrValue("h"))
	if err != nil {
		e.malformed(fmt.Errorf("%w: bad h attribute on resumed: %v", ErrProtocol, err))
		return
	}

	e.mu.Lock()
	d := h - e.lastAck
	if int(d) > len(e.queue) {
		d = uint32(len(e.queue))
	}
	e.queue = e.queue[d:]
	e.lastAck = h
	e.lastAckTime = time.Now()
	e.phase = smConnected
	e.attempts = 0

	// Snapshot before replaying: the replayed stanzas stay in the cache
	// (they are still unacknowledged) so iterating the live queue while the
	// write path appends to it would race.
	replay := make([][]byte, len(e.queue))
	copy(replay, e.queue)
	e.mu.Unlock()

	e.s.replayWires(replay)

	e.s.enqueue(func() {
		if h := e.s.config.Handlers.StreamResumed; h != nil {
			h()
		}
	})
}

// handleFailed processes a <failed/> element that arrives outside of a
// resume attempt (a server rejecting enable, for instance).
func (e *smEngine) handleFailed(el xstream.Element) {
	// On escalation the reconciler picks the reconnect up on its next tick.
	_ = e.failedOutcome(el)
}

// malformed reports a protocol violation in a server stream management
// frame and schedules recovery through a full reconnect.
func (e *smEngine) malformed(err error) {
	e.s.emitError(err)
	e.mu.Lock()
	if e.enabled && e.phase == smConnected {
		e.phase = smReconnecting
		e.attempts = 0
	}
	e.mu.Unlock()
}

// unackedLen reports the current length of the replay cache.
func (e *smEngine) unackedLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func parseH(s string) (uint32, error) {
	if s == "" {
		return 0, errors.New("missing h attribute")
	}
	h, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(h), nil
}
