package dnsrelay

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Resolver resolves a single DNS query and returns a response. Implemented
// by Relay; also satisfied by anything test code wants to stand in for
// an upstream.
type Resolver interface {
	Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error)
	fmt.Stringer
}

// ClientInfo carries metadata about the client that sent a query, used for
// logging and access decisions. It's passed alongside the query rather
// than attached to it so Resolver implementations stay free of transport
// concerns.
type ClientInfo struct {
	SourceIP net.IP
	Listener string
}
