// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package attr_test

import (
	"sync"
	"testing"

	"github.com/osprey-im/xmpp/internal/attr"
)

func TestIDsAreSequential(t *testing.T) {
	g := &attr.IDGen{}
	for i := 1; i <= 5; i++ {
		if id := g.Next(); id != string(rune('0'+i)) {
			t.Errorf("got id %q, want %d", id, i)
		}
	}
}

func TestIDsAreUniqueUnderContention(t *testing.T) {
	const n = 1000
	g := &attr.IDGen{}
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/10; j++ {
				ids <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)
	seen := make(map[string]struct{}, n)
	for id := range ids {
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}
