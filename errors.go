// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"errors"
)

// Errors returned by the xmpp package. They are usually wrapped with
// additional detail; match them with errors.Is.
var (
	// ErrNotConnected is returned by APIs that require a negotiated session
	// when called before Connect has completed (or while a reconnect is still
	// negotiating).
	ErrNotConnected = errors.New("xmpp: not connected")

	// ErrDisconnected indicates that the transport failed and the session has
	// been marked disconnected. If stream management is enabled the session
	// may later recover by resuming or reconnecting.
	ErrDisconnected = errors.New("xmpp: disconnected")

	// ErrTimeout is returned by synchronous IQ requests that did not receive
	// a response within their deadline.
	ErrTimeout = errors.New("xmpp: request timed out")

	// ErrAuth indicates a SASL failure, an unsupported mechanism set, or a
	// refused mandatory security feature.
	ErrAuth = errors.New("xmpp: authentication failed")

	// ErrTLS indicates that the TLS handshake failed or that certificate
	// verification was rejected.
	ErrTLS = errors.New("xmpp: TLS negotiation failed")

	// ErrProtocol indicates that the peer sent an element that violates the
	// protocol: an unexpected element, a malformed stanza, or a bind response
	// with no JID in it.
	ErrProtocol = errors.New("xmpp: protocol violation")

	// ErrSM indicates an unrecoverable stream management failure: the full
	// reconnect budget was spent without reestablishing the stream.
	ErrSM = errors.New("xmpp: stream management recovery failed")
)

// ArgumentError describes an invalid value passed to a constructor or send
// API, such as a malformed JID or an out of range port.
type ArgumentError struct {
	Field  string
	Reason string
}

// Error satisfies the builtin error interface.
func (e *ArgumentError) Error() string {
	return "xmpp: invalid " + e.Field + ": " + e.Reason
}
