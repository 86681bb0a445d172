// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"io"
)

// Message is an XMPP stanza that contains a payload for direct one-to-one
// communication with another network entity. It is often used for sending
// chat messages to an individual or group chat server, or for providing
// notifications and alerts that don't require a response.
type Message struct {
	XMLName xml.Name `xml:"message"`
	Header
	Type     MessageType `xml:"type,attr,omitempty"`
	Body     string      `xml:"body,omitempty"`
	InnerXML []byte      `xml:",innerxml"`
}

// WriteXML writes the message in its canonical wire form. If Body is set it
// is written as a body child element before any raw payload. Note that when a
// message is decoded from the wire both Body and InnerXML are populated; the
// raw payload already contains the body element in that case and only one of
// the two should be carried over into a new outgoing message.
func (m Message) WriteXML(w io.Writer) (int, error) {
	inner := m.InnerXML
	if m.Body != "" {
		b := make([]byte, 0, len(m.Body)+len(inner)+13)
		b = append(b, "<body>"...)
		b = appendEscaped(b, m.Body)
		b = append(b, "</body>"...)
		inner = append(b, inner...)
	}
	return writeWire(w, "message", m.wireAttrs(string(m.Type)), inner)
}

// MessageType is the type of a message stanza.
// It should normally be one of the constants defined in this package.
type MessageType string

const (
	// NormalMessage is a standalone message that is sent outside the context
	// of a one-to-one conversation or group chat, and to which it is expected
	// that the recipient will reply.
	NormalMessage MessageType = "normal"

	// ChatMessage represents a message sent in the context of a one-to-one
	// chat session.
	ChatMessage MessageType = "chat"

	// ErrorMessage is generated by an entity that experiences an error when
	// processing a message received from another entity.
	ErrorMessage MessageType = "error"

	// GroupChatMessage is sent in the context of a multi-user chat
	// environment.
	GroupChatMessage MessageType = "groupchat"

	// HeadlineMessage provides an alert, a notification, or other transient
	// information to which no reply is expected.
	HeadlineMessage MessageType = "headline"
)
