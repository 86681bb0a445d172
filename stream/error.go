// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"

	"mellium.im/xmlstream"
)

// ErrNS is the namespace of stream error conditions.
const ErrNS = "urn:ietf:params:xml:ns:xmpp-streams"

// A list of stream errors defined in RFC 6120 §4.9.3.
var (
	// BadFormat is used when the entity has sent XML that cannot be processed.
	// This error can be used instead of the more specific XML-related errors,
	// such as <bad-namespace-prefix/>, <invalid-xml/>, <not-well-formed/>,
	// <restricted-xml/>, and <unsupported-encoding/>. However, the more
	// specific errors are RECOMMENDED.
	BadFormat = Error{Err: "bad-format"}

	// BadNamespacePrefix is sent when an entity has sent a namespace prefix
	// that is unsupported, or has sent no namespace prefix, on an element that
	// needs such a prefix.
	BadNamespacePrefix = Error{Err: "bad-namespace-prefix"}

	// ConnectionTimeout results when one party is closing the stream because
	// it has reason to believe that the other party has permanently lost the
	// ability to communicate over the stream.
	ConnectionTimeout = Error{Err: "connection-timeout"}

	// InvalidNamespace may be sent when the stream namespace name is something
	// other than "http://etherx.jabber.org/streams" or the content namespace
	// declared as the default namespace is not supported (e.g., something
	// other than "jabber:client" or "jabber:server").
	InvalidNamespace = Error{Err: "invalid-namespace"}

	// InvalidXML may be sent when the entity has sent invalid XML over the
	// stream to a server that performs validation.
	InvalidXML = Error{Err: "invalid-xml"}

	// NotWellFormed may be sent when the initiating entity has sent XML that
	// violates the well-formedness rules of XML or XML namespaces.
	NotWellFormed = Error{Err: "not-well-formed"}

	// PolicyViolation may be sent when an entity has violated some local
	// service policy (e.g., a stanza exceeds a configured size limit).
	PolicyViolation = Error{Err: "policy-violation"}

	// RestrictedXML may be sent when the entity has attempted to send
	// restricted XML features such as a comment, processing instruction, DTD
	// subset, or XML entity reference.
	RestrictedXML = Error{Err: "restricted-xml"}

	// UndefinedCondition may be sent when the error condition is not one of
	// those defined by the other conditions in this list; this error condition
	// should be used in conjunction with an application-specific condition.
	UndefinedCondition = Error{Err: "undefined-condition"}

	// UnsupportedStanzaType may be sent when the initiating entity has sent a
	// first-level child of the stream that is not supported by the server.
	UnsupportedStanzaType = Error{Err: "unsupported-stanza-type"}

	// UnsupportedVersion may be sent when the 'version' attribute provided by
	// the initiating entity in the stream header specifies a version of XMPP
	// that is not supported.
	UnsupportedVersion = Error{Err: "unsupported-version"}
)

// An Error represents an unrecoverable stream-level error: a defined
// condition name and optional descriptive text.
type Error struct {
	Err  string
	Text string
}

// Error satisfies the builtin error interface and returns the name of the
// stream error. For instance, given the error:
//
//	<stream:error>
//	  <restricted-xml xmlns="urn:ietf:params:xml:ns:xmpp-streams"/>
//	</stream:error>
//
// Error() would return "restricted-xml".
func (s Error) Error() string {
	if s.Text != "" {
		return s.Err + ": " + s.Text
	}
	return s.Err
}

// Is lets errors.Is match any two stream errors with the same defined
// condition regardless of their text.
func (s Error) Is(err error) bool {
	se, ok := err.(Error)
	return ok && se.Err == s.Err
}

// UnmarshalXML satisfies the xml package's Unmarshaler interface and allows
// stream errors to be correctly unmarshaled from XML.
func (s *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	se := struct {
		XMLName xml.Name
		Err     struct {
			XMLName  xml.Name
			InnerXML []byte `xml:",innerxml"`
		} `xml:",any"`
		Text string `xml:"urn:ietf:params:xml:ns:xmpp-streams text"`
	}{}
	if err := d.DecodeElement(&se, &start); err != nil {
		return err
	}
	s.Err = se.Err.XMLName.Local
	s.Text = se.Text
	return nil
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (s Error) TokenReader() xml.TokenReader {
	inner := xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: ErrNS, Local: s.Err},
	})
	if s.Text != "" {
		inner = xmlstream.MultiReader(inner, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(s.Text)),
			xml.StartElement{Name: xml.Name{Space: ErrNS, Local: "text"}},
		))
	}
	return xmlstream.Wrap(inner, xml.StartElement{
		Name: xml.Name{Space: NS, Local: "error"},
	})
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (s Error) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, s.TokenReader())
}

// MarshalXML satisfies the xml.Marshaler interface.
func (s Error) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := s.WriteXML(e)
	return err
}
