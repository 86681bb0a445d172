// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xstream contains internal stream parsing and handling behavior.
package xstream // import "github.com/osprey-im/xmpp/internal/xstream"

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/osprey-im/xmpp/internal/ns"
	"github.com/osprey-im/xmpp/jid"
	"github.com/osprey-im/xmpp/stream"
)

const xmlHeader = `<?xml version='1.0' encoding='UTF-8'?>`

// Info contains metadata extracted from a stream start token.
type Info struct {
	ID      string
	To      jid.JID
	From    jid.JID
	Version stream.Version
	Lang    string
}

// Send writes a new XML header followed by a stream start element on the
// given io.Writer, leaving the root element open.
// We don't use an xml.Encoder both because Go's standard library xml package
// really doesn't like the namespaced stream:stream attribute and because we
// can guarantee well-formedness of the XML with a print in this case and
// printing is much faster than encoding.
func Send(w io.Writer, to jid.JID, lang string) error {
	b := bufio.NewWriter(w)
	_, err := fmt.Fprintf(b, xmlHeader+`<stream:stream to='%s' version='%s' `, to.String(), stream.DefaultVersion)
	if err != nil {
		return err
	}
	if len(lang) > 0 {
		if _, err = b.WriteString("xml:lang='"); err != nil {
			return err
		}
		if err = xml.EscapeText(b, []byte(lang)); err != nil {
			return err
		}
		if _, err = b.WriteString("' "); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(b, `xmlns='%s' xmlns:stream='%s'>`, ns.Client, stream.NS)
	if err != nil {
		return err
	}
	return b.Flush()
}

// Expect reads tokens from the parser's underlying decoder and expects that
// the next element will be a new stream start token.
// If an XML header is discovered first, it is skipped.
// The extracted stream information is remembered by the parser (the stream
// language in particular) and returned.
func (p *Parser) Expect(ctx context.Context) (Info, error) {
	info := Info{}
	for {
		select {
		case <-ctx.Done():
			return info, ctx.Err()
		default:
		}
		t, err := p.d.Token()
		if err != nil {
			return info, err
		}
		switch tok := t.(type) {
		case xml.ProcInst:
			// Skip the XML declaration (if any).
			continue
		case xml.CharData:
			continue
		case xml.StartElement:
			switch {
			case tok.Name.Local == "error" && tok.Name.Space == stream.NS:
				se := stream.Error{}
				if err := p.d.DecodeElement(&se, &tok); err != nil {
					return info, err
				}
				return info, se
			case tok.Name.Local != "stream":
				return info, stream.BadFormat
			case tok.Name.Space != stream.NS:
				return info, stream.InvalidNamespace
			}

			info, err = infoFromStartElement(tok)
			switch {
			case err != nil:
				return info, err
			case info.Version != stream.DefaultVersion:
				return info, stream.UnsupportedVersion
			}
			p.lang = info.Lang
			return info, nil
		case xml.EndElement:
			return info, stream.NotWellFormed
		default:
			return info, stream.RestrictedXML
		}
	}
}

func infoFromStartElement(s xml.StartElement) (Info, error) {
	// xml:lang defaults to "en" when the server does not advertise one.
	info := Info{Lang: "en"}
	for _, attr := range s.Attr {
		switch attr.Name {
		case xml.Name{Space: "", Local: "to"}:
			if err := info.To.UnmarshalXMLAttr(attr); err != nil {
				return info, stream.BadFormat
			}
		case xml.Name{Space: "", Local: "from"}:
			if err := info.From.UnmarshalXMLAttr(attr); err != nil {
				return info, stream.BadFormat
			}
		case xml.Name{Space: "", Local: "id"}:
			info.ID = attr.Value
		case xml.Name{Space: "", Local: "version"}:
			if err := (&info.Version).UnmarshalXMLAttr(attr); err != nil {
				return info, stream.BadFormat
			}
		case xml.Name{Space: "", Local: "xmlns"}:
			if attr.Value != ns.Client {
				return info, stream.InvalidNamespace
			}
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if attr.Value != stream.NS {
				return info, stream.InvalidNamespace
			}
		case xml.Name{Space: ns.XML, Local: "lang"}:
			if attr.Value != "" {
				info.Lang = attr.Value
			}
		}
	}
	return info, nil
}
