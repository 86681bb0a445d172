// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package digestmd5 implements the obsolete DIGEST-MD5 SASL mechanism
// defined in RFC 2831.
//
// DIGEST-MD5 is cryptographically weak and has been moved to historic status
// by RFC 6331; it is provided only for interoperability with old servers and
// is always selected after SCRAM-SHA-1 when both are advertised.
package digestmd5 // import "github.com/osprey-im/xmpp/internal/digestmd5"

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"mellium.im/sasl"
)

// Errors returned by the mechanism.
var (
	ErrMalformedChallenge = errors.New("digestmd5: malformed server challenge")
	ErrInvalidServerAuth  = errors.New("digestmd5: invalid server rspauth")
)

type state struct {
	username  string
	password  string
	realm     string
	nonce     string
	cnonce    string
	digestURI string
	rspauth   string
}

// New returns the DIGEST-MD5 mechanism.
// The digest-uri is built from the given service host (normally the
// domainpart of the account JID).
func New(host string) sasl.Mechanism {
	return sasl.Mechanism{
		Name: "DIGEST-MD5",
		Start: func(m *sasl.Negotiator) (bool, []byte, interface{}, error) {
			// The client sends no initial response; the server opens with a
			// digest-challenge.
			return true, nil, nil, nil
		},
		Next: func(m *sasl.Negotiator, challenge []byte, data interface{}) (bool, []byte, interface{}, error) {
			if m.State()&sasl.Receiving == sasl.Receiving {
				return false, nil, nil, sasl.ErrTooManySteps
			}
			if st, ok := data.(*state); ok {
				// Second round trip: the server proves knowledge of the
				// shared secret with rspauth, either in a challenge (to
				// which we reply with an empty response) or in the success
				// data itself.
				return verifyRspauth(st, challenge)
			}

			username, password, _ := m.Credentials()
			st := &state{
				username: string(username),
				password: string(password),
			}
			resp, err := respond(st, challenge, host)
			if err != nil {
				return false, nil, nil, err
			}
			return true, resp, st, nil
		},
	}
}

func verifyRspauth(st *state, challenge []byte) (bool, []byte, interface{}, error) {
	if len(challenge) == 0 {
		// Success with no additional data; the server never proved itself but
		// plenty of deployed servers omit rspauth on the final round.
		return false, nil, st, nil
	}
	fields, err := parseChallenge(challenge)
	if err != nil {
		return false, nil, nil, err
	}
	if fields["rspauth"] != st.rspauth {
		return false, nil, nil, ErrInvalidServerAuth
	}
	// If rspauth arrived in a challenge the server still owes us a success
	// element; answer with an empty response and expect one more step.
	return true, []byte{}, st, nil
}

func respond(st *state, challenge []byte, host string) ([]byte, error) {
	fields, err := parseChallenge(challenge)
	if err != nil {
		return nil, err
	}
	if qop, ok := fields["qop"]; ok && !strings.Contains(qop, "auth") {
		return nil, ErrMalformedChallenge
	}
	st.nonce = fields["nonce"]
	if st.nonce == "" {
		return nil, ErrMalformedChallenge
	}
	st.realm = fields["realm"]
	if st.realm == "" {
		st.realm = host
	}
	st.cnonce = newCnonce()
	st.digestURI = "xmpp/" + host

	const nc = "00000001"
	response := computeDigest(st, "AUTHENTICATE:"+st.digestURI, nc)
	st.rspauth = computeDigest(st, ":"+st.digestURI, nc)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, `username="%s",realm="%s",nonce="%s",cnonce="%s",nc=%s,qop=auth,digest-uri="%s",response=%s,charset=utf-8`,
		st.username, st.realm, st.nonce, st.cnonce, nc, st.digestURI, response)
	return buf.Bytes(), nil
}

// computeDigest calculates the request or response digest of RFC 2831 §2.1.2
// using the md5-sess algorithm.
func computeDigest(st *state, a2 string, nc string) string {
	x := md5.Sum([]byte(st.username + ":" + st.realm + ":" + st.password))
	a1 := md5.Sum(append(append(x[:], ':'), []byte(st.nonce+":"+st.cnonce)...))
	ha1 := hex.EncodeToString(a1[:])
	h2 := md5.Sum([]byte(a2))
	ha2 := hex.EncodeToString(h2[:])
	kd := md5.Sum([]byte(ha1 + ":" + st.nonce + ":" + nc + ":" + st.cnonce + ":auth:" + ha2))
	return hex.EncodeToString(kd[:])
}

func newCnonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// parseChallenge splits a digest challenge of the form
// key=value,key="quoted value" into a map.
func parseChallenge(challenge []byte) (map[string]string, error) {
	fields := make(map[string]string)
	s := string(challenge)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 1 {
			return nil, ErrMalformedChallenge
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]
		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, ErrMalformedChallenge
			}
			value = s[1 : end+1]
			s = s[end+2:]
			s = strings.TrimPrefix(s, ",")
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				value, s = s, ""
			} else {
				value, s = s[:end], s[end+1:]
			}
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields, nil
}
