// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid_test

import (
	"encoding/xml"
	"strconv"
	"testing"

	"github.com/osprey-im/xmpp/jid"
)

func TestParseValid(t *testing.T) {
	for i, tc := range []struct {
		in                        string
		local, domain, resource   string
	}{
		{"example.net", "", "example.net", ""},
		{"juliet@example.net", "juliet", "example.net", ""},
		{"juliet@example.net/balcony", "juliet", "example.net", "balcony"},
		{"example.net/RESOURCE", "", "example.net", "RESOURCE"},
		{"juliet@example.net./balcony", "juliet", "example.net", "balcony"},
		{"example.net/bal/cony", "", "example.net", "bal/cony"},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			j, err := jid.Parse(tc.in)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.in, err)
			}
			if j.Localpart() != tc.local {
				t.Errorf("localpart: got %q, want %q", j.Localpart(), tc.local)
			}
			if j.Domainpart() != tc.domain {
				t.Errorf("domainpart: got %q, want %q", j.Domainpart(), tc.domain)
			}
			if j.Resourcepart() != tc.resource {
				t.Errorf("resourcepart: got %q, want %q", j.Resourcepart(), tc.resource)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for i, tc := range []string{
		"@example.net",
		"juliet@example.net/",
		"",
		"juliet@/balcony",
		"fore<bidden@example.net",
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			if j, err := jid.Parse(tc); err == nil {
				t.Errorf("Parse(%q) should fail, got %v", tc, j)
			}
		})
	}
}

func TestEqualityIsCaseInsensitiveExceptResource(t *testing.T) {
	a := jid.MustParse("JULIET@EXAMPLE.NET/balcony")
	b := jid.MustParse("juliet@example.net/balcony")
	if !a.Equal(b) {
		t.Errorf("%s and %s should compare equal", a, b)
	}

	c := jid.MustParse("juliet@example.net/BALCONY")
	if b.Equal(c) {
		t.Errorf("%s and %s should not compare equal", b, c)
	}
}

func TestBareAndDomain(t *testing.T) {
	j := jid.MustParse("juliet@example.net/balcony")
	if got := j.Bare().String(); got != "juliet@example.net" {
		t.Errorf("Bare: got %q", got)
	}
	if got := j.Domain().String(); got != "example.net" {
		t.Errorf("Domain: got %q", got)
	}
	if j.String() != "juliet@example.net/balcony" {
		t.Errorf("String: got %q", j.String())
	}
}

func TestWithResource(t *testing.T) {
	j := jid.MustParse("juliet@example.net/balcony")
	j2, err := j.WithResource("garden")
	if err != nil {
		t.Fatalf("WithResource: %v", err)
	}
	if j2.String() != "juliet@example.net/garden" {
		t.Errorf("got %q", j2.String())
	}
	// The original is immutable.
	if j.Resourcepart() != "balcony" {
		t.Errorf("original mutated: %q", j.Resourcepart())
	}
}

func TestXMLAttrRoundTrip(t *testing.T) {
	type wrapper struct {
		XMLName xml.Name `xml:"x"`
		To      jid.JID  `xml:"to,attr,omitempty"`
	}
	in := wrapper{To: jid.MustParse("juliet@example.net")}
	data, err := xml.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out wrapper
	if err := xml.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !out.To.Equal(in.To) {
		t.Errorf("round trip changed the JID: %s != %s", out.To, in.To)
	}
}

func TestEscape(t *testing.T) {
	for i, tc := range []struct {
		in, want string
	}{
		{`d'artagnan`, `d\27artagnan`},
		{`space cadet`, `space\20cadet`},
		{`at@sign`, `at\40sign`},
		{`back\slash`, `back\5cslash`},
		{`plain`, `plain`},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			if got := jid.Escape(tc.in); got != tc.want {
				t.Errorf("Escape(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if got := jid.Unescape(tc.want); got != tc.in {
				t.Errorf("Unescape(%q) = %q, want %q", tc.want, got, tc.in)
			}
		})
	}
}
