// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"io"
)

// IQ ("Information Query") is used as a general request response mechanism.
// IQ's are one-to-one, provide get and set semantics, and always require a
// response in the form of a result or an error carrying the same id.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	Header
	Type     IQType `xml:"type,attr"`
	InnerXML []byte `xml:",innerxml"`
}

// IsRequest reports whether the IQ expects a response, ie. whether it is of
// type get or set.
func (iq IQ) IsRequest() bool {
	return iq.Type == GetIQ || iq.Type == SetIQ
}

// Result returns a result IQ addressed to the sender of iq, carrying the
// same id and the given payload.
func (iq IQ) Result(payload []byte) IQ {
	return IQ{
		Header: Header{
			ID:   iq.ID,
			To:   iq.From,
			Lang: iq.Lang,
		},
		Type:     ResultIQ,
		InnerXML: payload,
	}
}

// WriteXML writes the IQ in its canonical wire form.
func (iq IQ) WriteXML(w io.Writer) (int, error) {
	return writeWire(w, "iq", iq.wireAttrs(string(iq.Type)), iq.InnerXML)
}

// IQType is the type of an IQ stanza.
// It should normally be one of the constants defined in this package.
type IQType string

const (
	// GetIQ is used to query another entity for information.
	GetIQ IQType = "get"

	// SetIQ is used to provide data to another entity, set new values, and
	// replace existing values.
	SetIQ IQType = "set"

	// ResultIQ is sent in response to a successful get or set IQ.
	ResultIQ IQType = "result"

	// ErrorIQ is sent to report that an error occurred during the delivery or
	// processing of a get or set IQ.
	ErrorIQ IQType = "error"
)
