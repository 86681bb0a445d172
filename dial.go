// Copyright 2023 The Osprey Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/osprey-im/xmpp/internal/discover"
	"github.com/osprey-im/xmpp/jid"
)

// DefaultPort is the port used for client-to-server connections when no
// explicit port or SRV record provides one.
const DefaultPort = 5222

// A Dialer contains options for connecting to an XMPP address.
// After a connection is established the Dial method does not attempt to
// create an XMPP session on the connection.
//
// The zero value for each field is equivalent to dialing without that option.
type Dialer struct {
	net.Dialer

	// Resolver allows you to change options related to resolving DNS.
	Resolver *net.Resolver

	// Server overrides service discovery entirely: no SRV records are
	// consulted and the connection is made to this host directly.
	Server string

	// Port is the port used for the Server override and for the direct
	// connection Dial makes when service discovery returns an empty list.
	// The zero value means DefaultPort. When the SRV lookup reports that no
	// records exist, discovery supplies a fallback record for the domainpart
	// on port 5222 and this field is not applied to it.
	Port uint16
}

// Dial discovers and connects to the address of the server for the given JID.
// It looks up _xmpp-client._tcp SRV records for the JID's domainpart and
// tries each candidate in (priority ascending, weight ascending) order, or
// connects to the domainpart directly if no such SRV records exist.
//
// If every candidate fails the returned error lists each attempt.
func (d *Dialer) Dial(ctx context.Context, addr jid.JID) (*Conn, error) {
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}

	var addrs []*net.SRV
	if d.Server != "" {
		addrs = []*net.SRV{{Target: d.Server, Port: port}}
	} else {
		var err error
		addrs, err = discover.LookupService(ctx, d.Resolver, "xmpp-client", addr.Domainpart())
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			addrs = []*net.SRV{{Target: addr.Domainpart(), Port: port}}
		}
	}

	// Try every candidate in order, remembering each failure so that the
	// final error names all of the attempts.
	var attempts []string
	for _, a := range addrs {
		hostport := net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.FormatUint(uint64(a.Port), 10))
		c, err := d.Dialer.DialContext(ctx, "tcp", hostport)
		if err == nil {
			return newConn(c), nil
		}
		attempts = append(attempts, hostport+": "+err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	return nil, fmt.Errorf("%w: all connection attempts failed (%s)", ErrDisconnected, strings.Join(attempts, "; "))
}
