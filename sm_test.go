// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/osprey-im/xmpp/internal/xmpptest"
	"github.com/osprey-im/xmpp/jid"
	"github.com/osprey-im/xmpp/stanza"
)

// fastSM is a stream management config scaled down for tests: ticks fire
// every 20ms and a recovery attempt may take at most 5s.
var fastSM = SMConfig{
	Tick:            20 * time.Millisecond,
	AckEvery:        3,
	AckRequestAfter: 10 * time.Second,
	SilenceTimeout:  10 * time.Second,
	AttemptTimeout:  5 * time.Second,
	MaxAttempts:     3,
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *smEngine) snapshot() (outbound, inbound, lastAck uint32, queueLen int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outboundSeq, e.inboundSeq, e.lastAck, len(e.queue)
}

// checkSMInvariant asserts that the replay cache length always equals the
// gap between the outbound counter and the last acknowledged sequence.
func checkSMInvariant(t *testing.T, e *smEngine) {
	t.Helper()
	outbound, _, lastAck, queueLen := e.snapshot()
	if uint32(queueLen) != outbound-lastAck {
		t.Fatalf("replay cache invariant violated: len=%d, outbound=%d, lastAck=%d", queueLen, outbound, lastAck)
	}
}

func sendBodies(t *testing.T, s *Session, bodies ...string) {
	t.Helper()
	to := jid.MustParse("romeo@example.net")
	for _, body := range bodies {
		msg := stanza.Message{Body: body}
		msg.To = to
		if err := s.SendMessage(context.Background(), msg); err != nil {
			t.Fatalf("SendMessage(%q): %v", body, err)
		}
		checkSMInvariant(t, s.sm)
	}
}

func enableSM(t *testing.T, s *Session, server net.Conn, enabled <-chan struct{}) {
	t.Helper()
	script := xmpptest.Script(server, []xmpptest.Step{
		{Expect: `<enable xmlns='urn:xmpp:sm:3' resume='true'`, Send: `<enabled xmlns='urn:xmpp:sm:3' resume='true' id='abc' max='60'/>`},
	})
	if err := s.EnableSM(context.Background(), true, 60); err != nil {
		t.Fatalf("EnableSM: %v", err)
	}
	if err := <-script; err != nil {
		t.Fatalf("enable exchange: %v", err)
	}
	select {
	case <-enabled:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the SMEnabled event")
	}
}

func TestSMAckCadenceAndTrim(t *testing.T) {
	enabled := make(chan struct{}, 2)
	s, server, _ := connectTestSession(t, Config{
		SM: fastSM,
		Handlers: Handlers{
			SMEnabled: func() { enabled <- struct{}{} },
		},
	})
	defer s.Close()
	defer server.Close()

	enableSM(t, s, server, enabled)

	// Three outbound stanzas: the cadence rule must request an ack.
	script := xmpptest.Script(server, []xmpptest.Step{
		{Expect: `<body>three</body>`},
		{Expect: `<r xmlns='urn:xmpp:sm:3'/>`, Send: `<a xmlns='urn:xmpp:sm:3' h='3'/>`},
	})
	sendBodies(t, s, "one", "two", "three")
	if outbound, _, _, queueLen := s.sm.snapshot(); outbound != 3 || queueLen != 3 {
		t.Fatalf("after 3 sends: outbound=%d queue=%d, want 3/3", outbound, queueLen)
	}
	if err := <-script; err != nil {
		t.Fatalf("ack exchange: %v", err)
	}

	waitUntil(t, "cache trim after ack", func() bool {
		_, _, lastAck, queueLen := s.sm.snapshot()
		return lastAck == 3 && queueLen == 0
	})
	checkSMInvariant(t, s.sm)
}

func TestSMAnswersAckRequests(t *testing.T) {
	enabled := make(chan struct{}, 2)
	s, server, _ := connectTestSession(t, Config{
		SM: fastSM,
		Handlers: Handlers{
			SMEnabled: func() { enabled <- struct{}{} },
		},
	})
	defer s.Close()
	defer server.Close()

	enableSM(t, s, server, enabled)

	script := xmpptest.Script(server, []xmpptest.Step{
		{Send: `<message from='romeo@example.net'><body>in1</body></message>` +
			`<message from='romeo@example.net'><body>in2</body></message>` +
			`<r xmlns='urn:xmpp:sm:3'/>`},
		{Expect: `<a xmlns='urn:xmpp:sm:3' h='2'/>`},
	})
	if err := <-script; err != nil {
		t.Fatalf("ack request exchange: %v", err)
	}
}

func TestSMResumeReplaysUnacked(t *testing.T) {
	enabled := make(chan struct{}, 2)
	resumed := make(chan struct{}, 2)
	s, server, conns := connectTestSession(t, Config{
		SM: fastSM,
		Handlers: Handlers{
			SMEnabled:     func() { enabled <- struct{}{} },
			StreamResumed: func() { resumed <- struct{}{} },
		},
	})
	defer s.Close()

	enableSM(t, s, server, enabled)

	// Ack the first three stanzas, leave four and five outstanding.
	script := xmpptest.Script(server, []xmpptest.Step{
		{Expect: `<body>three</body>`, Send: `<a xmlns='urn:xmpp:sm:3' h='3'/>`},
		{Expect: `<body>five</body>`},
	})
	sendBodies(t, s, "one", "two", "three", "four", "five")
	if err := <-script; err != nil {
		t.Fatalf("pre-drop exchange: %v", err)
	}
	waitUntil(t, "server ack processed", func() bool {
		_, _, lastAck, queueLen := s.sm.snapshot()
		return lastAck == 3 && queueLen == 2
	})

	// Kill the transport: the engine must resume on a fresh connection and
	// replay exactly stanzas four and five, in order.
	server.Close()

	server2 := <-conns
	script2 := xmpptest.Script(server2, []xmpptest.Step{
		{Expect: `<stream:stream`, Send: xmpptest.Header + xmpptest.Features(``)},
		{Expect: `<resume xmlns='urn:xmpp:sm:3' h='3' previd='abc'/>`, Send: `<resumed xmlns='urn:xmpp:sm:3' h='3'/>`},
		{Expect: `<body>four</body>`},
		{Expect: `<body>five</body>`},
	})
	if err := <-script2; err != nil {
		t.Fatalf("resume exchange: %v", err)
	}
	select {
	case <-resumed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the StreamResumed event")
	}
	checkSMInvariant(t, s.sm)
	server2.Close()
}

func TestSMFailedResumeTrimsWithReportedH(t *testing.T) {
	enabled := make(chan struct{}, 4)
	s, server, conns := connectTestSession(t, Config{
		SM: fastSM,
		Handlers: Handlers{
			SMEnabled: func() { enabled <- struct{}{} },
		},
	})
	defer s.Close()

	enableSM(t, s, server, enabled)

	script := xmpptest.Script(server, []xmpptest.Step{
		{Expect: `<body>two</body>`},
	})
	sendBodies(t, s, "one", "two")
	if err := <-script; err != nil {
		t.Fatalf("pre-drop exchange: %v", err)
	}

	server.Close()

	// The resume attempt fails with item-not-found but reports h='1': the
	// engine must fall back to a full reconnect, trim stanza one from the
	// cache, and replay only stanza two after re-enabling.
	server2 := <-conns
	script2 := xmpptest.Script(server2, []xmpptest.Step{
		{Expect: `<stream:stream`, Send: xmpptest.Header + xmpptest.Features(``)},
		{Expect: `<resume xmlns='urn:xmpp:sm:3'`, Send: `<failed xmlns='urn:xmpp:sm:3' h='1'><item-not-found xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></failed>`},
	})
	if err := <-script2; err != nil {
		t.Fatalf("failed-resume exchange: %v", err)
	}

	server3 := <-conns
	script3 := xmpptest.Script(server3, []xmpptest.Step{
		{Expect: `<stream:stream`, Send: xmpptest.Header + xmpptest.Features(`<mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms>`)},
		{Expect: `</auth>`, Send: `<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`},
		{Expect: `<stream:stream`, Send: xmpptest.Header + xmpptest.Features(`<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/>`)},
		{Expect: `<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></iq>`, Send: `<iq id='2' type='result'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>juliet@example.net/balcony</jid></bind></iq>`},
		{Expect: `<enable xmlns='urn:xmpp:sm:3' resume='true'`, Send: `<enabled xmlns='urn:xmpp:sm:3' resume='true' id='def' max='60'/>`},
	})
	if err := <-script3; err != nil {
		t.Fatalf("reconnect exchange: %v", err)
	}

	// Read everything replayed on the new stream: stanza two must arrive,
	// stanza one must not.
	_ = server3.SetReadDeadline(time.Now().Add(2 * time.Second))
	var replayed []byte
	buf := make([]byte, 4096)
	for {
		n, err := server3.Read(buf)
		replayed = append(replayed, buf[:n]...)
		if err != nil || bytes.Contains(replayed, []byte(`<body>two</body>`)) {
			break
		}
	}
	if bytes.Contains(replayed, []byte(`<body>one</body>`)) {
		t.Error("stanza one was replayed despite the server's reported h")
	}
	if !bytes.Contains(replayed, []byte(`<body>two</body>`)) {
		t.Errorf("stanza two was not replayed; saw %q", replayed)
	}

	select {
	case <-enabled:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the second SMEnabled event")
	}
	checkSMInvariant(t, s.sm)
	server3.Close()
}
