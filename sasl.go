// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"

	"mellium.im/sasl"

	"github.com/osprey-im/xmpp/internal/digestmd5"
	"github.com/osprey-im/xmpp/internal/ns"
	"github.com/osprey-im/xmpp/internal/saslerr"
	"github.com/osprey-im/xmpp/internal/xstream"
)

// SASL returns a stream feature for performing authentication using the
// Simple Authentication and Security Layer (SASL) as defined in RFC 4422.
// It panics if no mechanisms are specified. The order in which mechanisms
// are specified will be the preferred order, so stronger mechanisms should
// be listed first.
func SASL(identity, username, password string, mechanisms ...sasl.Mechanism) StreamFeature {
	if len(mechanisms) == 0 {
		panic("xmpp: Must specify at least 1 SASL mechanism")
	}
	return StreamFeature{
		Name:       xml.Name{Space: ns.SASL, Local: "mechanisms"},
		Necessary:  Secure,
		Prohibited: Authn,
		Parse: func(ctx context.Context, el xstream.Element) (bool, interface{}, error) {
			parsed := struct {
				XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
				List    []string `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanism"`
			}{}
			err := el.Decode(&parsed)
			return true, parsed.List, err
		},
		Negotiate: func(ctx context.Context, s *Session, data interface{}) (SessionState, bool, error) {
			remote, _ := data.([]string)

			// Select a mechanism, preferring the client order.
			var selected sasl.Mechanism
		selectmechanism:
			for _, m := range mechanisms {
				for _, name := range remote {
					if name == m.Name {
						selected = m
						break selectmechanism
					}
				}
			}
			if selected.Name == "" {
				return 0, false, fmt.Errorf("%w: no supported SASL mechanism", ErrAuth)
			}

			// Create a new SASL client and give it access to credentials,
			// other mechanisms advertised by the server, and the TLS session
			// state if possible (for channel binding mechanisms).
			opts := []sasl.Option{
				sasl.Credentials(func() ([]byte, []byte, []byte) {
					return []byte(username), []byte(password), []byte(identity)
				}),
				sasl.RemoteMechanisms(remote...),
			}
			if connState, ok := s.rawConn().ConnectionState(); ok {
				opts = append(opts, sasl.TLSState(connState))
			}
			client := sasl.NewClient(selected, opts...)

			more, resp, err := client.Step(nil)
			if err != nil {
				return 0, false, fmt.Errorf("%w: %v", ErrAuth, err)
			}

			// RFC 6120 §6.4.2: a zero-length initial response is transmitted
			// as a single equals sign character ("=").
			encoded := []byte{'='}
			if len(resp) > 0 {
				encoded = make([]byte, base64.StdEncoding.EncodedLen(len(resp)))
				base64.StdEncoding.Encode(encoded, resp)
			}
			if _, err = fmt.Fprintf(s.rawConn(),
				`<auth xmlns='%s' mechanism='%s'>%s</auth>`,
				ns.SASL, selected.Name, encoded,
			); err != nil {
				return 0, false, err
			}

			for {
				select {
				case <-ctx.Done():
					return 0, false, ctx.Err()
				default:
				}
				el, err := s.rawParser().Next("challenge", "success", "failure")
				if err != nil {
					return 0, false, err
				}
				if el.Name.Space != ns.SASL {
					return 0, false, protoErr("element %s in unexpected namespace %s", el.Name.Local, el.Name.Space)
				}
				switch el.Name.Local {
				case "failure":
					fail := saslerr.Failure{}
					if err := el.Decode(&fail); err != nil {
						return 0, false, err
					}
					return 0, false, fmt.Errorf("%w: %v", ErrAuth, fail)
				case "success":
					payload, err := decodeSASLPayload(el)
					if err != nil {
						return 0, false, err
					}
					// If the mechanism still expects data the server put its
					// final proof (eg. the SCRAM server signature) in the
					// success element; an empty payload means there is
					// nothing left to verify.
					if more && len(payload) > 0 {
						if _, _, err = client.Step(payload); err != nil {
							return 0, false, fmt.Errorf("%w: %v", ErrAuth, err)
						}
					}
					return Authn, true, nil
				case "challenge":
					payload, err := decodeSASLPayload(el)
					if err != nil {
						return 0, false, err
					}
					if more, resp, err = client.Step(payload); err != nil {
						return 0, false, fmt.Errorf("%w: %v", ErrAuth, err)
					}
					encoded = []byte{'='}
					if len(resp) > 0 {
						encoded = make([]byte, base64.StdEncoding.EncodedLen(len(resp)))
						base64.StdEncoding.Encode(encoded, resp)
					}
					if _, err = fmt.Fprintf(s.rawConn(),
						`<response xmlns='%s'>%s</response>`, ns.SASL, encoded,
					); err != nil {
						return 0, false, err
					}
				}
			}
		},
	}
}

func decodeSASLPayload(el xstream.Element) ([]byte, error) {
	text := struct {
		Data string `xml:",chardata"`
	}{}
	if err := el.Decode(&text); err != nil {
		return nil, err
	}
	if text.Data == "" || text.Data == "=" {
		return nil, nil
	}
	payload, err := base64.StdEncoding.DecodeString(text.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64 in SASL payload", ErrProtocol)
	}
	return payload, nil
}

// defaultMechanisms builds the mechanism set in the fixed precedence order
// SCRAM-SHA-1 > DIGEST-MD5 > PLAIN.
func defaultMechanisms(host string) []sasl.Mechanism {
	return []sasl.Mechanism{
		sasl.ScramSha1,
		digestmd5.New(host),
		sasl.Plain,
	}
}
