// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"io"

	"github.com/osprey-im/xmpp/internal/ns"
	"github.com/osprey-im/xmpp/jid"
)

// Is tests whether name is a valid stanza based on name and space.
// An empty namespace is also accepted so that stanzas which inherit the
// default jabber:client namespace from the stream match.
func Is(name xml.Name) bool {
	return (name.Local == "iq" || name.Local == "message" || name.Local == "presence") &&
		(name.Space == ns.Client || name.Space == "")
}

// Header holds the attributes common to all three stanza kinds.
// It is embedded by IQ, Message, and Presence.
type Header struct {
	ID   string  `xml:"id,attr,omitempty"`
	To   jid.JID `xml:"to,attr,omitempty"`
	From jid.JID `xml:"from,attr,omitempty"`
	Lang string  `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
}

// wireAttrs returns the non-empty header attributes followed by the type
// attribute (if non-empty), in canonical order.
func (h Header) wireAttrs(typ string) []xml.Attr {
	attr := make([]xml.Attr, 0, 5)
	if h.ID != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: h.ID})
	}
	if !h.To.Zero() {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: h.To.String()})
	}
	if !h.From.Zero() {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: h.From.String()})
	}
	if h.Lang != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "xml:lang"}, Value: h.Lang})
	}
	if typ != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: typ})
	}
	return attr
}

// writeWire writes a stanza as its canonical UTF-8 wire form: a start tag
// with escaped attribute values, the verbatim inner XML, and a matching end
// tag (or a self-closing tag if there is no payload).
func writeWire(w io.Writer, local string, attr []xml.Attr, inner []byte) (int, error) {
	var buf []byte
	buf = append(buf, '<')
	buf = append(buf, local...)
	for _, a := range attr {
		buf = append(buf, ' ')
		buf = append(buf, a.Name.Local...)
		buf = append(buf, '=', '\'')
		buf = appendEscaped(buf, a.Value)
		buf = append(buf, '\'')
	}
	if len(inner) == 0 {
		buf = append(buf, '/', '>')
		return w.Write(buf)
	}
	buf = append(buf, '>')
	buf = append(buf, inner...)
	buf = append(buf, '<', '/')
	buf = append(buf, local...)
	buf = append(buf, '>')
	return w.Write(buf)
}

func appendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '&':
			dst = append(dst, "&amp;"...)
		case '<':
			dst = append(dst, "&lt;"...)
		case '>':
			dst = append(dst, "&gt;"...)
		case '\'':
			dst = append(dst, "&apos;"...)
		case '"':
			dst = append(dst, "&quot;"...)
		default:
			dst = append(dst, c)
		}
	}
	return dst
}
