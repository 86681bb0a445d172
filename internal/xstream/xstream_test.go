// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xstream_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/osprey-im/xmpp/internal/xstream"
	"github.com/osprey-im/xmpp/jid"
	"github.com/osprey-im/xmpp/stream"
)

const header = `<?xml version='1.0'?><stream:stream from='example.net' id='123' version='1.0' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`

func TestSendWritesHeader(t *testing.T) {
	var b strings.Builder
	if err := xstream.Send(&b, jid.MustParse("example.net"), "de"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := b.String()
	for _, want := range []string{
		`<?xml version='1.0' encoding='UTF-8'?>`,
		`<stream:stream to='example.net'`,
		`version='1.0'`,
		`xml:lang='de'`,
		`xmlns='jabber:client'`,
		`xmlns:stream='http://etherx.jabber.org/streams'>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("header missing %q: %s", want, out)
		}
	}
}

func TestExpectParsesHeader(t *testing.T) {
	p := xstream.New(strings.NewReader(header))
	info, err := p.Expect(context.Background())
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}
	if info.ID != "123" {
		t.Errorf("got id %q, want 123", info.ID)
	}
	if info.Lang != "en" {
		t.Errorf("lang should default to en, got %q", info.Lang)
	}
	if p.Lang() != "en" {
		t.Errorf("parser lang should default to en, got %q", p.Lang())
	}
}

func TestExpectRejectsUnsupportedVersion(t *testing.T) {
	p := xstream.New(strings.NewReader(`<stream:stream id='1' version='2.0' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`))
	_, err := p.Expect(context.Background())
	if !errors.Is(err, stream.UnsupportedVersion) {
		t.Fatalf("got err %v, want unsupported-version", err)
	}
}

func TestNextMaterializesElement(t *testing.T) {
	p := xstream.New(strings.NewReader(header + `<message from='romeo@example.net' type='chat'><body>hi</body></message>`))
	if _, err := p.Expect(context.Background()); err != nil {
		t.Fatalf("Expect: %v", err)
	}
	el, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if el.Name.Local != "message" {
		t.Errorf("got element %s, want message", el.Name.Local)
	}
	if el.AttrValue("type") != "chat" {
		t.Errorf("got type %q, want chat", el.AttrValue("type"))
	}
	if string(el.InnerXML) != `<body>hi</body>` {
		t.Errorf("got inner xml %q", el.InnerXML)
	}

	var msg struct {
		Body string `xml:"body"`
	}
	if err := el.Decode(&msg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Body != "hi" {
		t.Errorf("got body %q, want hi", msg.Body)
	}
}

func TestNextRejectsUnexpectedNames(t *testing.T) {
	p := xstream.New(strings.NewReader(header + `<presence/><iq type='get'/>`))
	if _, err := p.Expect(context.Background()); err != nil {
		t.Fatalf("Expect: %v", err)
	}
	_, err := p.Next("iq")
	var unexpected xstream.UnexpectedElementError
	if !errors.As(err, &unexpected) {
		t.Fatalf("got err %v, want UnexpectedElementError", err)
	}
	if unexpected.Name.Local != "presence" {
		t.Errorf("got offending element %q, want presence", unexpected.Name.Local)
	}

	// The rejected element must have been consumed so the next read
	// returns the iq.
	el, err := p.Next("iq")
	if err != nil {
		t.Fatalf("Next after rejection: %v", err)
	}
	if el.Name.Local != "iq" {
		t.Errorf("got element %s, want iq", el.Name.Local)
	}
}

func TestNextSignalsStreamClose(t *testing.T) {
	p := xstream.New(strings.NewReader(header + `</stream:stream>`))
	if _, err := p.Expect(context.Background()); err != nil {
		t.Fatalf("Expect: %v", err)
	}
	if _, err := p.Next(); err != xstream.ErrStreamClosed {
		t.Fatalf("got err %v, want ErrStreamClosed", err)
	}
}

func TestNextDecodesStreamError(t *testing.T) {
	p := xstream.New(strings.NewReader(header + `<stream:error><conflict xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>`))
	if _, err := p.Expect(context.Background()); err != nil {
		t.Fatalf("Expect: %v", err)
	}
	_, err := p.Next()
	se := stream.Error{}
	if !errors.As(err, &se) {
		t.Fatalf("got err %v, want stream.Error", err)
	}
	if se.Err != "conflict" {
		t.Errorf("got condition %q, want conflict", se.Err)
	}
}

func TestNextSkipsWhitespaceKeepalives(t *testing.T) {
	p := xstream.New(strings.NewReader(header + "\n \t<presence/>"))
	if _, err := p.Expect(context.Background()); err != nil {
		t.Fatalf("Expect: %v", err)
	}
	el, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if el.Name.Local != "presence" {
		t.Errorf("got element %s, want presence", el.Name.Local)
	}
}
