// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpptest provides utilities for XMPP testing: a scripted fake
// server that speaks the wire protocol over an in-memory pipe.
package xmpptest // import "github.com/osprey-im/xmpp/internal/xmpptest"

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"
)

// Header is a canned server stream header for example.net.
const Header = `<?xml version='1.0'?><stream:stream from='example.net' id='123' version='1.0' xml:lang='en' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`

// Features wraps the given feature advertisements in a stream:features
// element.
func Features(inner string) string {
	if inner == "" {
		return `<stream:features/>`
	}
	return `<stream:features>` + inner + `</stream:features>`
}

// A Step is one exchange in a server script: wait until Expect has been
// observed in the client's output (if non-empty), then write Send (if
// non-empty).
type Step struct {
	Expect string
	Send   string
}

// Script plays the server side of conn. It runs in its own goroutine and
// reports the first mismatch or I/O error (or nil after the last step) on
// the returned channel. Each step waits at most five seconds.
func Script(conn net.Conn, steps []Step) <-chan error {
	done := make(chan error, 1)
	go func() {
		var seen []byte
		buf := make([]byte, 4096)
		for i, step := range steps {
			if step.Expect != "" {
				deadline := time.Now().Add(5 * time.Second)
				_ = conn.SetReadDeadline(deadline)
				for !bytes.Contains(seen, []byte(step.Expect)) {
					n, err := conn.Read(buf)
					if err != nil {
						done <- fmt.Errorf("step %d: waiting for %q, saw %q: %v", i, step.Expect, seen, err)
						// Unblock the client side too.
						_ = conn.Close()
						return
					}
					seen = append(seen, buf[:n]...)
				}
				idx := bytes.Index(seen, []byte(step.Expect))
				seen = seen[idx+len(step.Expect):]
			}
			if step.Send != "" {
				if _, err := conn.Write([]byte(step.Send)); err != nil {
					done <- fmt.Errorf("step %d: write: %v", i, err)
					return
				}
			}
		}
		done <- nil
	}()
	return done
}

// Pipe returns the two ends of an in-memory connection, client first.
func Pipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

// Drain discards everything else the client writes so that writes after the
// scripted exchange never block on the unbuffered pipe.
func Drain(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		_, _ = io.Copy(io.Discard, conn)
	}()
}
