// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package digestmd5

import (
	"strings"
	"testing"
)

func TestParseChallenge(t *testing.T) {
	fields, err := parseChallenge([]byte(`realm="example.net",nonce="OA6MG9tEQGm2hh",qop="auth",charset=utf-8,algorithm=md5-sess`))
	if err != nil {
		t.Fatalf("parseChallenge: %v", err)
	}
	for k, want := range map[string]string{
		"realm":     "example.net",
		"nonce":     "OA6MG9tEQGm2hh",
		"qop":       "auth",
		"charset":   "utf-8",
		"algorithm": "md5-sess",
	} {
		if fields[k] != want {
			t.Errorf("field %s: got %q, want %q", k, fields[k], want)
		}
	}
}

func TestParseChallengeMalformed(t *testing.T) {
	for i, in := range []string{`=x`, `nonce="unterminated`, `,`} {
		if _, err := parseChallenge([]byte(in)); err == nil {
			t.Errorf("%d: parseChallenge(%q) should fail", i, in)
		}
	}
}

func TestRespondBuildsDigestResponse(t *testing.T) {
	st := &state{username: "chris", password: "secret"}
	resp, err := respond(st, []byte(`realm="elwood.innosoft.com",nonce="OA6MG9tEQGm2hh",qop="auth",algorithm=md5-sess,charset=utf-8`), "elwood.innosoft.com")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	out := string(resp)
	for _, want := range []string{
		`username="chris"`,
		`realm="elwood.innosoft.com"`,
		`nonce="OA6MG9tEQGm2hh"`,
		`nc=00000001`,
		`qop=auth`,
		`digest-uri="xmpp/elwood.innosoft.com"`,
		`charset=utf-8`,
		`response=`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("response missing %q: %s", want, out)
		}
	}
	if st.rspauth == "" {
		t.Error("expected rspauth to be precomputed")
	}

	// The response and rspauth digests differ only in their A2 and so must
	// differ from one another.
	if strings.Contains(out, st.rspauth) {
		t.Error("rspauth must not equal the request digest")
	}
}

func TestRespondRejectsMissingNonce(t *testing.T) {
	st := &state{username: "chris", password: "secret"}
	if _, err := respond(st, []byte(`realm="example.net",qop="auth"`), "example.net"); err != ErrMalformedChallenge {
		t.Fatalf("got err %v, want ErrMalformedChallenge", err)
	}
}

func TestVerifyRspauth(t *testing.T) {
	st := &state{rspauth: "deadbeef"}
	if _, _, _, err := verifyRspauth(st, []byte(`rspauth=deadbeef`)); err != nil {
		t.Errorf("matching rspauth rejected: %v", err)
	}
	if _, _, _, err := verifyRspauth(st, []byte(`rspauth=wrong`)); err != ErrInvalidServerAuth {
		t.Errorf("got err %v, want ErrInvalidServerAuth", err)
	}
	if more, _, _, err := verifyRspauth(st, nil); err != nil || more {
		t.Errorf("empty success data should finish the exchange, got more=%t err=%v", more, err)
	}
}
