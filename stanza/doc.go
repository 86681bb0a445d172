// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza contains functionality for dealing with XMPP stanzas.
//
// Stanzas (Message, Presence, and IQ) are the basic building blocks of an
// XMPP stream. Messages are used to send data that is fire-and-forget such as
// chat messages, Presence is a broadcast for sharing status information, and
// IQ (Info/Query) is a request response mechanism for data that requires a
// reply (eg. fetching an avatar or a list of client features).
package stanza // import "github.com/osprey-im/xmpp/stanza"
