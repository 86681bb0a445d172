// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package discover_test

import (
	"context"
	"net"
	"reflect"
	"strconv"
	"testing"

	"github.com/osprey-im/xmpp/internal/discover"
)

func TestLookupServiceRejectsUnknownService(t *testing.T) {
	_, err := discover.LookupService(context.Background(), nil, "http", "example.net")
	if err != discover.ErrInvalidService {
		t.Errorf("got err %v, want %v", err, discover.ErrInvalidService)
	}
}

func TestFallbackRecords(t *testing.T) {
	for i, tc := range []struct {
		service string
		port    uint16
	}{
		{"xmpp-client", 5222},
		{"xmpp-server", 5269},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			recs := discover.FallbackRecords(tc.service, "example.net")
			if len(recs) != 1 {
				t.Fatalf("got %d records, want 1", len(recs))
			}
			if recs[0].Target != "example.net" || recs[0].Port != tc.port {
				t.Errorf("got %s:%d, want example.net:%d", recs[0].Target, recs[0].Port, tc.port)
			}
		})
	}
}

func TestOrder(t *testing.T) {
	addrs := []*net.SRV{
		{Target: "d", Priority: 20, Weight: 10},
		{Target: "b", Priority: 10, Weight: 20},
		{Target: "a", Priority: 10, Weight: 5},
		{Target: "c", Priority: 10, Weight: 20},
	}
	discover.Order(addrs)
	var got []string
	for _, a := range addrs {
		got = append(got, a.Target)
	}
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got order %v, want %v", got, want)
	}
}
