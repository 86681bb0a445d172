// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/osprey-im/xmpp/internal/ns"
	"github.com/osprey-im/xmpp/internal/xstream"
	"github.com/osprey-im/xmpp/jid"
	"github.com/osprey-im/xmpp/stanza"
)

const (
	bindIQServerGeneratedRP = `<iq id='%s' type='set'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></iq>`
	bindIQClientRequestedRP = `<iq id='%s' type='set'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>%s</resource></bind></iq>`
)

// BindResource returns a stream feature that binds the given resource to the
// stream, or asks the server to generate one if it is empty. The bound full
// JID becomes the session identity.
func BindResource(resource string) StreamFeature {
	return StreamFeature{
		Name:       xml.Name{Space: ns.Bind, Local: "bind"},
		Necessary:  Authn,
		Prohibited: Bound,
		Parse: func(ctx context.Context, el xstream.Element) (bool, interface{}, error) {
			return true, nil, nil
		},
		Negotiate: func(ctx context.Context, s *Session, _ interface{}) (SessionState, bool, error) {
			reqID := s.ids.Next()
			var err error
			if resource == "" {
				// Ask the server to generate a resourcepart for us.
				_, err = fmt.Fprintf(s.rawConn(), bindIQServerGeneratedRP, reqID)
			} else {
				var esc []byte
				if err := xml.EscapeText(escWriter{&esc}, []byte(resource)); err != nil {
					return 0, false, err
				}
				_, err = fmt.Fprintf(s.rawConn(), bindIQClientRequestedRP, reqID, esc)
			}
			if err != nil {
				return 0, false, err
			}

			el, err := s.rawParser().Next("iq")
			if err != nil {
				return 0, false, err
			}
			resp := struct {
				stanza.IQ
				Bind struct {
					JID string `xml:"jid"`
				} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
			}{}
			if err = el.Decode(&resp); err != nil {
				return 0, false, err
			}

			switch {
			case resp.ID != reqID:
				return 0, false, protoErr("bind response id %q does not match request id %q", resp.ID, reqID)
			case resp.Type == stanza.ErrorIQ:
				return 0, false, fmt.Errorf("%w: server rejected resource binding", ErrProtocol)
			case resp.Type != stanza.ResultIQ:
				return 0, false, protoErr("bind response has type %q", resp.Type)
			case resp.Bind.JID == "":
				return 0, false, protoErr("bind response carries no jid")
			}
			bound, err := jid.Parse(resp.Bind.JID)
			if err != nil {
				return 0, false, protoErr("bind response jid: %v", err)
			}
			s.mu.Lock()
			s.jid = bound
			s.mu.Unlock()
			return Bound, false, nil
		},
	}
}

// escWriter adapts an append buffer to io.Writer for xml.EscapeText.
type escWriter struct {
	b *[]byte
}

func (w escWriter) Write(p []byte) (int, error) {
	*w.b = append(*w.b, p...)
	return len(p), nil
}
