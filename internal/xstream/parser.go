// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xstream

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/osprey-im/xmpp/internal/ns"
	"github.com/osprey-im/xmpp/stream"
)

// ErrStreamClosed is returned by Next when the remote entity closes the
// stream root with </stream:stream>.
var ErrStreamClosed = errors.New("xstream: stream closed by peer")

// UnexpectedElementError is returned by Next when an expected-name filter was
// given and the received element does not match it.
type UnexpectedElementError struct {
	Name xml.Name
}

// Error satisfies the builtin error interface.
func (e UnexpectedElementError) Error() string {
	return fmt.Sprintf("xstream: unexpected element %s", e.Name.Local)
}

// Element is a fully materialized first-level child of the stream root: its
// name, its attributes, and the raw bytes of everything between its start and
// end tags (descendants included).
type Element struct {
	Name     xml.Name
	Attr     []xml.Attr
	InnerXML []byte
}

// AttrValue returns the value of the first attribute with the given local
// name, or the empty string if no such attribute is present.
func (e Element) AttrValue(local string) string {
	for _, a := range e.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// WireXML reconstructs the element as a standalone XML document fragment.
// The namespace the element inherited from the stream root is made explicit
// so that the fragment can be parsed without the surrounding stream.
func (e Element) WireXML() []byte {
	var buf []byte
	buf = append(buf, '<')
	buf = append(buf, e.Name.Local...)
	if e.Name.Space != "" {
		buf = append(buf, ` xmlns="`...)
		buf = append(buf, e.Name.Space...)
		buf = append(buf, '"')
	}
	for _, a := range e.Attr {
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		buf = append(buf, ' ')
		if a.Name.Space == ns.XML {
			buf = append(buf, "xml:"...)
		}
		buf = append(buf, a.Name.Local...)
		buf = append(buf, `="`...)
		var esc []byte
		esc = xmlAppendEscaped(esc, a.Value)
		buf = append(buf, esc...)
		buf = append(buf, '"')
	}
	if len(e.InnerXML) == 0 {
		return append(buf, '/', '>')
	}
	buf = append(buf, '>')
	buf = append(buf, e.InnerXML...)
	buf = append(buf, "</"...)
	buf = append(buf, e.Name.Local...)
	return append(buf, '>')
}

// Decode unmarshals the element into v.
func (e Element) Decode(v interface{}) error {
	return xml.Unmarshal(e.WireXML(), v)
}

func xmlAppendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '&':
			dst = append(dst, "&amp;"...)
		case '<':
			dst = append(dst, "&lt;"...)
		case '"':
			dst = append(dst, "&quot;"...)
		case '\'':
			dst = append(dst, "&apos;"...)
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

// Parser consumes a byte stream carrying an XML document whose root is
// <stream:stream> and produces the root's direct child elements one at a
// time. It is single-consumer: concurrent calls to Next are undefined. A new
// parser must be created every time a new stream is opened (initial stream,
// post-STARTTLS stream, post-resume stream).
type Parser struct {
	d    *xml.Decoder
	lang string
}

// New returns a parser reading from r.
func New(r io.Reader) *Parser {
	return &Parser{d: xml.NewDecoder(r)}
}

// Lang returns the xml:lang advertised by the stream root, defaulting to
// "en" if the root carried none. It is only valid after Expect has returned.
func (p *Parser) Lang() string {
	if p.lang == "" {
		return "en"
	}
	return p.lang
}

// Next blocks until a direct child of the stream root is fully available and
// returns it with all descendants materialized. If expected names are given
// and the received element's local name is not among them, Next fails with an
// UnexpectedElementError. A closing stream root tag results in
// ErrStreamClosed and a stream error element is decoded and returned as a
// stream.Error.
//
// The parser never buffers more than the one pending element.
func (p *Parser) Next(expected ...string) (Element, error) {
	for {
		t, err := p.d.Token()
		if err != nil {
			return Element{}, err
		}
		switch tok := t.(type) {
		case xml.CharData:
			// Whitespace between stanzas (often used as a keepalive) is
			// ignored.
			continue
		case xml.StartElement:
			if tok.Name.Space == stream.NS {
				if tok.Name.Local == "error" {
					se := stream.Error{}
					if err := p.d.DecodeElement(&se, &tok); err != nil {
						return Element{}, err
					}
					return Element{}, se
				}
				if len(expected) == 0 {
					return Element{}, stream.UnsupportedStanzaType
				}
			}
			if len(expected) > 0 && !nameIn(tok.Name.Local, expected) {
				// The element still has to be consumed so that the
				// parser is left at a well defined position.
				if err := p.d.Skip(); err != nil {
					return Element{}, err
				}
				return Element{}, UnexpectedElementError{Name: tok.Name}
			}
			raw := struct {
				InnerXML []byte `xml:",innerxml"`
			}{}
			if err := p.d.DecodeElement(&raw, &tok); err != nil {
				return Element{}, err
			}
			return Element{
				Name:     tok.Name,
				Attr:     tok.Attr,
				InnerXML: raw.InnerXML,
			}, nil
		case xml.EndElement:
			if tok.Name.Space == stream.NS && tok.Name.Local == "stream" {
				return Element{}, ErrStreamClosed
			}
			return Element{}, stream.NotWellFormed
		default:
			return Element{}, stream.RestrictedXML
		}
	}
}

func nameIn(local string, names []string) bool {
	for _, n := range names {
		if n == local {
			return true
		}
	}
	return false
}
