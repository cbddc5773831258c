package dnsrelay

import (
	"encoding/binary"
	"math"

	"github.com/miekg/dns"
)

// minQueryLen is the smallest a well-formed DNS message can be: spec.md
// §4.1 requires rejecting any message shorter than the 12 octet header,
// before we even attempt to hand it to the real decoder.
const minQueryLen = 12

// ParseQuery decodes a raw client query. Name decompression, pointer-cycle
// detection, and section-count validation are all handled by dns.Msg.Unpack
// (github.com/miekg/dns) rather than hand-rolled here: that library is what
// the rest of the DNS-relay ecosystem this repository is grounded on
// (routedns) builds its entire message pipeline on, and reimplementing
// RFC 1035 bit-twiddling by hand would be the stdlib-only outlier, not the
// idiomatic choice.
//
// Returns a *ParseError wrapping the underlying failure on any malformed
// input: short/truncated messages, bad label lengths, oversized names, and
// compression pointer cycles or out-of-range pointers (the latter two are
// exactly what dns.Msg.Unpack guards against internally).
func ParseQuery(raw []byte) (*dns.Msg, error) {
	if len(raw) < minQueryLen {
		return nil, &ParseError{Reason: "message shorter than header"}
	}
	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil {
		return nil, &ParseError{Reason: "malformed message", Err: err}
	}
	if len(m.Question) < 1 {
		return nil, &ParseError{Reason: "no question section"}
	}
	return m, nil
}

// HeaderID reads the 16-bit transaction ID directly off the wire without
// decoding the rest of the message. The relay uses this (and SetHeaderID)
// to rewrite IDs on raw bytes for pass-through forwarding, instead of
// unpacking and repacking the whole message on every hop.
func HeaderID(raw []byte) (uint16, bool) {
	if len(raw) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(raw[0:2]), true
}

// SetHeaderID returns a copy of raw with its transaction ID replaced. The
// input is never mutated in place since it may still be referenced by the
// caller, e.g. to reply to the original client after the relay rewrites
// the ID for the upstream hop.
func SetHeaderID(raw []byte, id uint16) []byte {
	if len(raw) < 2 {
		return raw
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	binary.BigEndian.PutUint16(out[0:2], id)
	return out
}

// BuildResponse composes a reply to request: transaction ID and question
// section copied from the request, QR=1, RA=1, RD echoed, RCODE and answers
// as given, per spec.md §4.1.
func BuildResponse(request *dns.Msg, answers []dns.RR, rcode int) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(request)
	resp.RecursionAvailable = true
	resp.RecursionDesired = request.RecursionDesired
	resp.Rcode = rcode
	resp.Answer = answers
	return resp
}

// FormErrResponse builds a FORMERR reply, echoing the transaction ID when
// the request's header could be read at all. Per spec.md §4.1's error
// policy: reply echoing the transaction ID when the header could be read,
// otherwise drop the datagram.
func FormErrResponse(id uint16) *dns.Msg {
	resp := new(dns.Msg)
	resp.Id = id
	resp.Response = true
	resp.RecursionAvailable = true
	resp.Rcode = dns.RcodeFormatError
	return resp
}

// ServFailResponse builds a SERVFAIL reply for a relay timeout or network
// error, per spec.md §4.5 step 6 and §7.
func ServFailResponse(request *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(request)
	resp.RecursionAvailable = true
	resp.Rcode = dns.RcodeServerFailure
	return resp
}

// nxdomain returns an NXDOMAIN answer for a query, used by the override
// table and the server loop when a name is confirmed absent.
func nxdomain(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetReply(q)
	a.SetRcode(q, dns.RcodeNameError)
	return a
}

// qName returns the query name of the first question, or "" if there is
// none.
func qName(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}

// minTTL returns the lowest TTL among all resource records in the answer,
// authority, and additional sections, skipping OPT pseudo-records which
// carry no real TTL. Used to determine the cache lifetime of a relayed
// response, the same way the teacher's cache.go does.
func minTTL(answer *dns.Msg) (uint32, bool) {
	var (
		min   uint32 = math.MaxUint32
		found bool
	)
	for _, set := range [][]dns.RR{answer.Answer, answer.Ns, answer.Extra} {
		for _, rr := range set {
			if _, ok := rr.(*dns.OPT); ok {
				continue
			}
			if ttl := rr.Header().Ttl; ttl < min {
				min = ttl
				found = true
			}
		}
	}
	return min, found
}

// clampTTL bounds a TTL, in seconds, to [minimum, maximum], as spec.md
// §4.5 step 5 requires for relayed answers entering the cache.
func clampTTL(ttl, minimum, maximum uint32) uint32 {
	if ttl < minimum {
		return minimum
	}
	if ttl > maximum {
		return maximum
	}
	return ttl
}
