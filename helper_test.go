// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"encoding/xml"
	"io"
)

// countingDecoder consumes the client side of the wire as real XML so that
// tests can assert that concurrent writers never interleave bytes: torn
// writes stop parsing immediately.
type countingDecoder struct {
	d *xml.Decoder
}

func newCountingDecoder(r io.Reader) *countingDecoder {
	return &countingDecoder{d: xml.NewDecoder(r)}
}

func (c *countingDecoder) nextMessage() error {
	for {
		tok, err := c.d.Token()
		if err != nil {
			return err
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "message" {
			return c.d.Skip()
		}
	}
}
