// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"
)

// A Conn is the duplex byte transport an XMPP session runs over: a TCP
// connection that may later be upgraded to TLS in place by STARTTLS.
type Conn struct {
	conn net.Conn
	tls  *tls.Conn
}

func newConn(c net.Conn) *Conn {
	if t, ok := c.(*tls.Conn); ok {
		return &Conn{conn: c, tls: t}
	}
	return &Conn{conn: c}
}

// Read reads data from the connection.
func (c *Conn) Read(b []byte) (int, error) {
	return c.conn.Read(b)
}

// Write writes data to the connection.
func (c *Conn) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// SetDeadline sets the read and write deadlines associated with the
// connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// StartTLS upgrades the connection to TLS in place and runs the handshake.
// After a successful upgrade all reads and writes use the TLS layer.
func (c *Conn) StartTLS(cfg *tls.Config) error {
	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("%w: %v", ErrTLS, err)
	}
	c.conn = tlsConn
	c.tls = tlsConn
	return nil
}

// Secure reports whether the connection has been upgraded to TLS.
func (c *Conn) Secure() bool {
	return c.tls != nil
}

// ConnectionState returns the TLS state of the connection and whether TLS is
// in use at all.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	if c.tls == nil {
		return tls.ConnectionState{}, false
	}
	return c.tls.ConnectionState(), true
}

// VerifyFunc is a certificate verification callback. It receives the raw
// certificate chain presented by the server and the verification chains built
// by the TLS library (nil when verification was skipped), and returns a
// non-nil error to reject the connection.
type VerifyFunc func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
