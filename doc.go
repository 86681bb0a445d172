// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpp provides a client-side core for the Extensible Messaging and
// Presence Protocol (XMPP) as defined in RFC 6120 and RFC 6121.
//
// A Session is a single long-lived XML stream to an XMPP server: the package
// discovers the server with DNS SRV records, connects over TCP, upgrades the
// stream with opportunistic STARTTLS, authenticates with SASL (SCRAM-SHA-1,
// DIGEST-MD5, or PLAIN), binds a resource, and then exchanges the three
// stanza kinds (iq, message, and presence) full duplex.
//
// Info/Query (IQ) requests are correlated with their responses by stanza id,
// either blocking (SendIQ) or callback style (SendIQAsync), with configurable
// timeouts.
//
// Sessions optionally keep themselves alive across transient network
// failures with XEP-0198 Stream Management (EnableSM): stanzas are counted
// and acknowledged in both directions, unacknowledged stanzas are cached,
// and when the stream drops the engine resumes it (or falls back to a full
// reconnect) and replays whatever the server never saw.
package xmpp // import "github.com/osprey-im/xmpp"
