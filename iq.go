// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"fmt"
	"time"

	"github.com/osprey-im/xmpp/stanza"
)

// SendIQ sends an IQ request (type get or set) and blocks until the
// matching result or error IQ arrives, the session tears down, or the
// deadline passes. If the request has no id a fresh session-unique id is
// assigned before sending.
//
// The deadline is taken from ctx if it carries one, otherwise from the
// session's configured IQTimeout (DefaultIQTimeout if unset; a negative
// IQTimeout waits forever).
//
// A timed out request that was a ping directed at the server is treated as
// proof of a dead stream: in addition to the timeout error the session is
// marked disconnected.
//
// SendIQ is safe for concurrent use by multiple goroutines.
func (s *Session) SendIQ(ctx context.Context, iq stanza.IQ) (stanza.IQ, error) {
	if !iq.IsRequest() {
		return stanza.IQ{}, &ArgumentError{Field: "iq", Reason: fmt.Sprintf("type %q is not a request", iq.Type)}
	}
	if iq.ID == "" {
		iq.ID = s.ids.Next()
	}

	ch := make(chan stanza.IQ, 1)
	s.pmu.Lock()
	s.waiters[iq.ID] = ch
	s.pmu.Unlock()
	defer func() {
		s.pmu.Lock()
		delete(s.waiters, iq.ID)
		s.pmu.Unlock()
	}()

	s.mu.RLock()
	cancel := s.cancelIQ
	s.mu.RUnlock()

	if err := s.writeStanza(iq); err != nil {
		return stanza.IQ{}, err
	}

	var timeout <-chan time.Time
	if _, ok := ctx.Deadline(); !ok {
		d := s.config.IQTimeout
		if d == 0 {
			d = DefaultIQTimeout
		}
		if d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			timeout = t.C
		}
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-cancel:
		return stanza.IQ{}, fmt.Errorf("%w: session torn down while awaiting iq %s", ErrDisconnected, iq.ID)
	case <-ctx.Done():
		return stanza.IQ{}, ctx.Err()
	case <-timeout:
		if iq.IsPing() && s.pingTargetsServer(iq) {
			// A server ping that never comes back means the stream is dead,
			// not merely slow.
			s.markDisconnected(fmt.Errorf("ping %s timed out", iq.ID))
		}
		return stanza.IQ{}, fmt.Errorf("%w: iq %s", ErrTimeout, iq.ID)
	}
}

// SendIQAsync sends an IQ request without blocking for the response. If cb
// is non-nil it is invoked exactly once with the response, on a worker
// goroutine (never on the read loop). The assigned stanza id is returned so
// that the caller can correlate the response itself when no callback is
// given.
//
// SendIQAsync is safe for concurrent use by multiple goroutines.
func (s *Session) SendIQAsync(ctx context.Context, iq stanza.IQ, cb func(stanza.IQ)) (string, error) {
	if !iq.IsRequest() {
		return "", &ArgumentError{Field: "iq", Reason: fmt.Sprintf("type %q is not a request", iq.Type)}
	}
	if iq.ID == "" {
		iq.ID = s.ids.Next()
	}
	if cb != nil {
		s.pmu.Lock()
		s.callbacks[iq.ID] = cb
		s.pmu.Unlock()
	}
	if err := s.writeStanza(iq); err != nil {
		if cb != nil {
			s.pmu.Lock()
			delete(s.callbacks, iq.ID)
			s.pmu.Unlock()
		}
		return "", err
	}
	return iq.ID, nil
}

// SendIQResponse sends a result or error IQ answering a request the
// application received.
func (s *Session) SendIQResponse(ctx context.Context, iq stanza.IQ) error {
	if iq.IsRequest() {
		return &ArgumentError{Field: "iq", Reason: fmt.Sprintf("type %q is not a response", iq.Type)}
	}
	if iq.ID == "" {
		return &ArgumentError{Field: "iq", Reason: "response must carry the request id"}
	}
	return s.writeStanza(iq)
}

// handleResponse routes an incoming result or error IQ to whichever waiter
// or callback registered its id. Responses nobody asked for are dropped.
// Callbacks run on the callback worker so that a slow callback can never
// stall the read loop.
func (s *Session) handleResponse(iq stanza.IQ) {
	s.pmu.Lock()
	ch, okW := s.waiters[iq.ID]
	if okW {
		delete(s.waiters, iq.ID)
	}
	cb, okC := s.callbacks[iq.ID]
	if okC {
		delete(s.callbacks, iq.ID)
	}
	s.pmu.Unlock()

	switch {
	case okW:
		ch <- iq
	case okC:
		// Callbacks run on the callback worker, never on the read loop, and
		// fire in response arrival order.
		select {
		case s.cbQueue <- func() { cb(iq) }:
		default:
			go cb(iq)
		}
	}
}

// cancelPending unblocks every synchronous IQ waiter with a disconnect
// error and drops registered callbacks; it is called whenever the reader
// shuts down.
func (s *Session) cancelPending() {
	s.mu.Lock()
	select {
	case <-s.cancelIQ:
	default:
		close(s.cancelIQ)
	}
	s.mu.Unlock()

	s.pmu.Lock()
	for id := range s.callbacks {
		delete(s.callbacks, id)
	}
	s.pmu.Unlock()
}

// pingTargetsServer reports whether the ping was directed at the server
// itself: either explicitly, or implicitly by omitting the to address.
func (s *Session) pingTargetsServer(iq stanza.IQ) bool {
	if iq.To.Zero() {
		return true
	}
	return iq.To.Equal(s.config.Address.Domain())
}
