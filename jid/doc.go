// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements the XMPP address format.
//
// XMPP addresses, more often called "JIDs" (Jabber IDs) comprise three parts:
// the localpart (the username of the entity), the domainpart (the domain of
// the service the entity is registered with), and the resourcepart (which
// identifies a specific client). They are formatted like so:
//
//	localpart@domainpart/resourcepart
//
// The localpart and resourcepart are optional. Equality of the localpart and
// domainpart is case-insensitive, equality of the resourcepart is
// case-sensitive; all parts are stored canonicalized so that a simple octet
// comparison suffices.
package jid // import "github.com/osprey-im/xmpp/jid"
