// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package attr contains functionality for dealing with XML attributes, in
// particular generating stanza ids.
package attr // import "github.com/osprey-im/xmpp/internal/attr"

import (
	"strconv"
	"sync/atomic"
)

// IDGen hands out stanza identifiers that are unique for the lifetime of a
// session: a monotonic counter rendered as decimal text. The zero value is
// ready to use and safe for concurrent use by multiple goroutines.
type IDGen struct {
	last uint64
}

// Next returns the next identifier.
func (g *IDGen) Next() string {
	return strconv.FormatUint(atomic.AddUint64(&g.last, 1), 10)
}
