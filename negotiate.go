// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/osprey-im/xmpp/internal/xstream"
	"github.com/osprey-im/xmpp/stream"
)

// SessionState is a bitmask that represents the current state of an XMPP
// session. For a description of each bit, see the various SessionState typed
// constants.
type SessionState uint8

const (
	// Secure indicates that the underlying connection has been secured. For
	// instance, after STARTTLS has been performed.
	Secure SessionState = 1 << iota

	// Authn indicates that the session has been authenticated (with SASL).
	Authn

	// Bound indicates that an XMPP resource has been bound and the session
	// has a full JID.
	Bound

	// Ready indicates that the session is fully negotiated and that XMPP
	// stanzas may be sent and received.
	Ready
)

// A StreamFeature represents a feature that may be selected during stream
// negotiation. Features should be stateless and usable from multiple
// goroutines unless otherwise specified.
type StreamFeature struct {
	// The XML name of the feature in the <stream:features/> list.
	Name xml.Name

	// Bits that are required before this feature is negotiated. For instance,
	// resource binding only makes sense once the user is authenticated, so
	// its Necessary bits are Authn.
	Necessary SessionState

	// Bits that must be off for this feature to be negotiated. For instance,
	// a feature that performs authentication itself sets this to Authn.
	Prohibited SessionState

	// Parse is called with the feature's advertisement from the features
	// list. It reports whether the feature is required and returns any data
	// that will be needed if the feature is selected for negotiation (eg. the
	// list of mechanisms if the feature is SASL).
	Parse func(ctx context.Context, el xstream.Element) (req bool, data interface{}, err error)

	// Negotiate takes over the session temporarily while negotiating the
	// feature. The returned mask holds the state bits to flip after
	// negotiation completes and restart indicates that a new stream must be
	// opened (and the features list read again) before any further
	// negotiation.
	Negotiate func(ctx context.Context, s *Session, data interface{}) (mask SessionState, restart bool, err error)
}

type featureData struct {
	req     bool
	data    interface{}
	feature StreamFeature
}

type featureList struct {
	total int
	req   bool
	cache map[xml.Name]featureData
}

// negotiate drives the bring-up of a new stream on the session's current
// connection: it exchanges stream headers, then negotiates the given
// features one at a time (restarting the stream whenever a feature demands
// it) until no negotiable features remain. The caller owns the session's
// parser exclusively for the duration; no dispatcher may be running.
func (s *Session) negotiate(ctx context.Context, features []StreamFeature) error {
	for {
		conn := s.rawConn()
		if err := xstream.Send(conn, s.config.Address.Domain(), s.config.Lang); err != nil {
			return err
		}
		// The parser is recreated on every stream restart so that no decoder
		// state leaks across the security boundary.
		parser := xstream.New(conn)
		s.mu.Lock()
		s.parser = parser
		s.mu.Unlock()
		info, err := parser.Expect(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.lang = info.Lang
		s.mu.Unlock()

		list, err := s.readFeatures(ctx, features)
		if err != nil {
			return err
		}
		if list.total == 0 || len(list.cache) == 0 {
			// An empty list (or one with no features we support) means
			// negotiation is over.
			return nil
		}

		restart := false
		for !restart {
			state := s.State()
			// If the list has any required items left, negotiate the first
			// required feature. Otherwise just negotiate the first remaining
			// feature, in the order the caller listed them.
			var data featureData
			var found bool
			for _, f := range features {
				v, ok := list.cache[f.Name]
				if !ok {
					continue
				}
				if state&f.Necessary != f.Necessary || state&f.Prohibited != 0 {
					continue
				}
				if !list.req || v.req {
					data = v
					found = true
					break
				}
			}
			if !found {
				return nil
			}
			delete(list.cache, data.feature.Name)

			var mask SessionState
			mask, restart, err = data.feature.Negotiate(ctx, s, data.data)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.state |= mask
			s.mu.Unlock()
			if data.req {
				list.req = false
				for _, v := range list.cache {
					if v.req {
						list.req = true
						break
					}
				}
			}
		}
	}
}

// readFeatures reads the <stream:features> element that follows a stream
// header and parses every advertised feature that we know how to negotiate
// in the session's current state.
func (s *Session) readFeatures(ctx context.Context, features []StreamFeature) (*featureList, error) {
	el, err := s.rawParser().Next("features")
	if err != nil {
		return nil, err
	}
	if el.Name.Space != stream.NS {
		return nil, stream.BadNamespacePrefix
	}

	list := &featureList{cache: make(map[xml.Name]featureData)}

	var parsed struct {
		Children []struct {
			XMLName  xml.Name
			InnerXML []byte `xml:",innerxml"`
		} `xml:",any"`
	}
	if err := el.Decode(&parsed); err != nil {
		return nil, stream.InvalidXML
	}

	state := s.State()
	for _, child := range parsed.Children {
		list.total++
		s.mu.Lock()
		s.features[child.XMLName.Space] = struct{}{}
		s.mu.Unlock()
		for _, f := range features {
			if f.Name != child.XMLName {
				continue
			}
			if state&f.Necessary != f.Necessary || state&f.Prohibited != 0 {
				break
			}
			req, data, err := f.Parse(ctx, xstream.Element{
				Name:     child.XMLName,
				InnerXML: child.InnerXML,
			})
			if err != nil {
				return nil, err
			}
			list.cache[child.XMLName] = featureData{req: req, data: data, feature: f}
			if req {
				list.req = true
			}
			break
		}
	}
	return list, nil
}

// protoErr wraps an unexpected element into an ErrProtocol error.
func protoErr(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, v...))
}
