// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants that are used by the xmpp package and
// other internal packages.
package ns // import "github.com/osprey-im/xmpp/internal/ns"

// List of commonly used namespaces.
const (
	Bind     = "urn:ietf:params:xml:ns:xmpp-bind"
	Client   = "jabber:client"
	Ping     = "urn:xmpp:ping"
	SASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	SM       = "urn:xmpp:sm:3"
	StartTLS = "urn:ietf:params:xml:ns:xmpp-tls"
	Stream   = "http://etherx.jabber.org/streams"
	XML      = "http://www.w3.org/XML/1998/namespace"
)
