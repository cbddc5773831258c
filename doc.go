/*
Package dnsrelay implements a recursive-forwarding DNS resolver with a
local override database, an in-memory response cache, and upstream
relaying over UDP.

A query arriving on the client socket is answered, in order, from:

  - the cache, if an unexpired entry exists for (qname, qtype, qclass)
  - the override table, a statically loaded set of rules with wildcard
    and parent-domain matching and a blackhole sentinel
  - the configured upstream resolver, reached through the relay, which
    multiplexes many concurrent client queries over upstream UDP by
    rewriting transaction IDs and correlating responses through a
    pending-request map

This package is the core library; cmd/dnsrelay wires it to a TOML
configuration file and a CLI.
*/
package dnsrelay
