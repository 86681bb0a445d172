// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"

	"github.com/osprey-im/xmpp/internal/ns"
	"github.com/osprey-im/xmpp/internal/xstream"
)

// StartTLS returns a new stream feature that can be used for negotiating an
// opportunistic TLS upgrade.
//
// If cfg is nil an insecure default config is used that accepts any
// certificate chain (ServerName set to the session's domain, verification
// skipped). This default exists for interoperability with self-hosted
// servers; production deployments should provide a config that verifies the
// chain or at least a VerifyFunc on the session.
func StartTLS(cfg *tls.Config) StreamFeature {
	return StreamFeature{
		Name:       xml.Name{Space: ns.StartTLS, Local: "starttls"},
		Prohibited: Secure,
		Parse: func(ctx context.Context, el xstream.Element) (bool, interface{}, error) {
			parsed := struct {
				XMLName  xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-tls starttls"`
				Required *struct {
					XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-tls required"`
				}
			}{}
			err := el.Decode(&parsed)
			return parsed.Required != nil, nil, err
		},
		Negotiate: func(ctx context.Context, s *Session, _ interface{}) (SessionState, bool, error) {
			if _, err := fmt.Fprint(s.rawConn(), `<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`); err != nil {
				return 0, false, err
			}

			el, err := s.rawParser().Next("proceed", "failure")
			if err != nil {
				return 0, false, err
			}
			if el.Name.Space != ns.StartTLS {
				return 0, false, protoErr("element %s in unexpected namespace %s", el.Name.Local, el.Name.Space)
			}
			if el.Name.Local == "failure" {
				// Failure is expected behavior, not a stream error; the
				// server will close the stream immediately afterwards.
				return 0, false, fmt.Errorf("%w: server refused STARTTLS", ErrTLS)
			}

			if cfg == nil {
				cfg = &tls.Config{
					ServerName:            s.config.Address.Domainpart(),
					InsecureSkipVerify:    true,
					VerifyPeerCertificate: s.config.Verify,
				}
			}
			if err := s.rawConn().StartTLS(cfg); err != nil {
				return 0, false, err
			}
			return Secure, true, nil
		},
	}
}

// noTLSGuard handles the starttls advertisement when TLS has been disabled
// by the caller: a merely-advertised upgrade is skipped, a mandatory one is a
// hard authentication failure.
func noTLSGuard() StreamFeature {
	return StreamFeature{
		Name:       xml.Name{Space: ns.StartTLS, Local: "starttls"},
		Prohibited: Secure,
		Parse: func(ctx context.Context, el xstream.Element) (bool, interface{}, error) {
			parsed := struct {
				XMLName  xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-tls starttls"`
				Required *struct {
					XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-tls required"`
				}
			}{}
			err := el.Decode(&parsed)
			required := parsed.Required != nil
			return required, required, err
		},
		Negotiate: func(ctx context.Context, s *Session, data interface{}) (SessionState, bool, error) {
			if req, _ := data.(bool); req {
				return 0, false, fmt.Errorf("%w: TLS required by server but disabled", ErrAuth)
			}
			return 0, false, nil
		},
	}
}
