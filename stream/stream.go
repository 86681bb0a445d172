// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains XMPP stream constants and errors as defined by
// RFC 6120 §4.9.
//
// Most people will want to use the facilities of the
// github.com/osprey-im/xmpp package and not create stream errors directly.
package stream // import "github.com/osprey-im/xmpp/stream"

// NS is the namespace of the stream root element.
const NS = "http://etherx.jabber.org/streams"
