// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream_test

import (
	"encoding/xml"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/osprey-im/xmpp/stream"
)

func TestParseVersion(t *testing.T) {
	for i, tc := range []struct {
		in   string
		want stream.Version
		ok   bool
	}{
		{"1.0", stream.Version{Major: 1, Minor: 0}, true},
		{"0.9", stream.Version{Major: 0, Minor: 9}, true},
		{"1", stream.Version{}, false},
		{"1.0.0", stream.Version{}, false},
		{"a.b", stream.Version{}, false},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			v, err := stream.ParseVersion(tc.in)
			if tc.ok && err != nil {
				t.Fatalf("ParseVersion(%q): %v", tc.in, err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("ParseVersion(%q) should fail", tc.in)
				}
				return
			}
			if v != tc.want {
				t.Errorf("got %v, want %v", v, tc.want)
			}
			if v.String() != tc.in {
				t.Errorf("String: got %q, want %q", v.String(), tc.in)
			}
		})
	}
}

func TestErrorUnmarshal(t *testing.T) {
	raw := `<stream:error xmlns:stream="http://etherx.jabber.org/streams"><connection-timeout xmlns="urn:ietf:params:xml:ns:xmpp-streams"/><text xmlns="urn:ietf:params:xml:ns:xmpp-streams">too slow</text></stream:error>`
	var se stream.Error
	if err := xml.Unmarshal([]byte(raw), &se); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if se.Err != "connection-timeout" {
		t.Errorf("got condition %q, want connection-timeout", se.Err)
	}
	if se.Text != "too slow" {
		t.Errorf("got text %q, want %q", se.Text, "too slow")
	}
	if !errors.Is(se, stream.ConnectionTimeout) {
		t.Error("errors.Is should match the condition regardless of text")
	}
}

func TestErrorMarshal(t *testing.T) {
	data, err := xml.Marshal(stream.BadFormat)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "bad-format") || !strings.Contains(out, stream.ErrNS) {
		t.Errorf("marshaled error missing condition or namespace: %s", out)
	}
}
