// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"github.com/osprey-im/xmpp/internal/ns"
)

// PingPayload is the raw payload of an XEP-0199 ping IQ.
var PingPayload = []byte(`<ping xmlns='urn:xmpp:ping'/>`)

// Ping is the payload of an XEP-0199 ping IQ. A ping get addressed to the
// server (or with no to address at all) doubles as a connection liveness
// check: a ping that times out means the stream is dead, not merely slow.
type Ping struct {
	XMLName xml.Name `xml:"urn:xmpp:ping ping"`
}

// IsPing reports whether the IQ is a get request carrying a ping payload.
func (iq IQ) IsPing() bool {
	if iq.Type != GetIQ {
		return false
	}
	p := Ping{}
	if err := xml.Unmarshal(iq.InnerXML, &p); err != nil {
		return false
	}
	return p.XMLName.Space == ns.Ping
}
