package dnsrelay

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// maxCNAMEChainDepth bounds how many override CNAME hops Query will follow
// while looking for a locally-known final address, guarding against a rule
// file that defines a CNAME cycle.
const maxCNAMEChainDepth = 8

// overrideMatchKind reports how (or whether) a query matched the override
// table, mirroring the HIT/BLACKHOLE/MISS outcomes of spec.md §4.2.
type overrideMatchKind int

const (
	overrideMiss overrideMatchKind = iota
	overrideHit
	overrideBlackhole
)

// overrideTarget is one resolved target of a rule: exactly one of Address
// or CNAME is set, unless Blackhole is true, in which case neither is.
type overrideTarget struct {
	Blackhole bool
	Address   net.IP
	CNAME     string
}

// overrideNode is one label of the reversed-label trie that backs the
// override table. Grounded on the teacher's DomainDB (blocklistdb-domain.go),
// whose `node map[string]node` trie walks a domain back-to-front one label
// at a time; here each node additionally carries the rule targets that
// terminate there, keyed by qtype, since the override table resolves to
// answers rather than a bare match/no-match.
type overrideNode struct {
	children map[string]*overrideNode
	targets  map[uint16][]overrideTarget
}

func newOverrideNode() *overrideNode {
	return &overrideNode{
		children: make(map[string]*overrideNode),
		targets:  make(map[uint16][]overrideTarget),
	}
}

// OverrideTable is the statically loaded set of local answer rules, built
// once at startup and read-only thereafter (spec.md §3's "Lifecycles").
// Exact and parent-domain rules live in one trie; wildcard (`*.suffix`)
// rules live in a second trie keyed on the suffix alone, since a wildcard
// rule must never satisfy an exact-match lookup on its own suffix.
type OverrideTable struct {
	root         *overrideNode
	wildcardRoot *overrideNode
}

// NewOverrideTable loads and parses rules from loader, building the trie
// used by Query. Malformed lines are logged at WARNING and skipped rather
// than failing the load, per spec.md §7's "Local-rule errors" policy.
func NewOverrideTable(loader RuleLoader) (*OverrideTable, error) {
	lines, err := loader.Load()
	if err != nil {
		return nil, err
	}
	t := &OverrideTable{root: newOverrideNode(), wildcardRoot: newOverrideNode()}
	for n, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := t.addRule(line); err != nil {
			Log.Warn("skipping malformed override rule", "line", n+1, "error", err)
		}
	}
	return t, nil
}

// addRule parses one "domain type target" line and inserts it into the
// appropriate trie.
func (t *OverrideTable) addRule(line string) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	domain, typeStr, targetStr := strings.ToLower(fields[0]), strings.ToUpper(fields[1]), fields[2]

	var qtype uint16
	switch typeStr {
	case "A":
		qtype = dns.TypeA
	case "AAAA":
		qtype = dns.TypeAAAA
	case "CNAME":
		qtype = dns.TypeCNAME
	default:
		return fmt.Errorf("unsupported record type %q", fields[1])
	}

	target, err := parseTarget(qtype, targetStr)
	if err != nil {
		return err
	}

	domain = strings.TrimSuffix(domain, ".")
	wildcard := false
	if strings.HasPrefix(domain, "*.") {
		wildcard = true
		domain = domain[2:]
	}
	if domain == "" {
		return fmt.Errorf("empty domain")
	}

	root := t.root
	if wildcard {
		root = t.wildcardRoot
	}
	n := insertPath(root, domain)
	n.targets[qtype] = append(n.targets[qtype], target)
	return nil
}

func parseTarget(qtype uint16, s string) (overrideTarget, error) {
	if strings.EqualFold(s, "blackhole") {
		return overrideTarget{Blackhole: true}, nil
	}
	switch qtype {
	case dns.TypeA:
		ip := net.ParseIP(s).To4()
		if ip == nil {
			return overrideTarget{}, fmt.Errorf("invalid IPv4 address %q", s)
		}
		return overrideTarget{Address: ip}, nil
	case dns.TypeAAAA:
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() != nil {
			return overrideTarget{}, fmt.Errorf("invalid IPv6 address %q", s)
		}
		return overrideTarget{Address: ip}, nil
	case dns.TypeCNAME:
		return overrideTarget{CNAME: dns.Fqdn(s)}, nil
	}
	return overrideTarget{}, fmt.Errorf("unreachable qtype %d", qtype)
}

// insertPath walks/creates the trie path for domain, labels back to front,
// and returns the terminal node.
func insertPath(root *overrideNode, domain string) *overrideNode {
	parts := strings.Split(domain, ".")
	n := root
	for i := len(parts) - 1; i >= 0; i-- {
		child, ok := n.children[parts[i]]
		if !ok {
			child = newOverrideNode()
			n.children[parts[i]] = child
		}
		n = child
	}
	return n
}

// Query resolves qname/qtype against the table following the precedence
// spec.md §4.2 mandates: exact match, then longest wildcard suffix, then
// longest parent-domain suffix. ttl is stamped onto the returned RRs so
// the caller can insert them into the cache unchanged.
func (t *OverrideTable) Query(qname string, qtype uint16, ttl uint32) ([]dns.RR, overrideMatchKind) {
	qname = strings.ToLower(strings.TrimSuffix(qname, "."))
	if qname == "" {
		return nil, overrideMiss
	}
	parts := strings.Split(qname, ".")

	if targets, ok := exactMatch(t.root, parts, qtype); ok {
		return t.answersFor(qname, qtype, targets, ttl)
	}
	if targets, ok := longestWildcardMatch(t.wildcardRoot, parts, qtype); ok {
		return t.answersFor(qname, qtype, targets, ttl)
	}
	if targets, ok := longestParentMatch(t.root, parts, qtype); ok {
		return t.answersFor(qname, qtype, targets, ttl)
	}

	// CNAME chaining: a direct A/AAAA lookup missed, but a CNAME rule for
	// this name may resolve, through further local rules, to a final
	// address of the requested family (spec.md §4.1's build_response note).
	if qtype == dns.TypeA || qtype == dns.TypeAAAA {
		if rrs, kind := t.resolveCNAMEChain(qname, qtype, ttl, 0); kind != overrideMiss {
			return rrs, kind
		}
	}
	return nil, overrideMiss
}

func (t *OverrideTable) resolveCNAMEChain(qname string, qtype uint16, ttl uint32, depth int) ([]dns.RR, overrideMatchKind) {
	if depth >= maxCNAMEChainDepth {
		return nil, overrideMiss
	}
	parts := strings.Split(qname, ".")
	cnameTargets, ok := exactMatch(t.root, parts, dns.TypeCNAME)
	if !ok {
		cnameTargets, ok = longestWildcardMatch(t.wildcardRoot, parts, dns.TypeCNAME)
	}
	if !ok {
		cnameTargets, ok = longestParentMatch(t.root, parts, dns.TypeCNAME)
	}
	if !ok || len(cnameTargets) == 0 {
		return nil, overrideMiss
	}
	target := cnameTargets[0].CNAME

	cnameRR := &dns.CNAME{
		Hdr:    dns.RR_Header{Name: dns.Fqdn(qname), Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
		Target: target,
	}

	next := strings.TrimSuffix(target, ".")
	nextParts := strings.Split(next, ".")
	if targets, ok := exactMatch(t.root, nextParts, qtype); ok {
		rrs, kind := t.answersFor(next, qtype, targets, ttl)
		return append([]dns.RR{cnameRR}, rrs...), kind
	}
	if targets, ok := longestWildcardMatch(t.wildcardRoot, nextParts, qtype); ok {
		rrs, kind := t.answersFor(next, qtype, targets, ttl)
		return append([]dns.RR{cnameRR}, rrs...), kind
	}
	if targets, ok := longestParentMatch(t.root, nextParts, qtype); ok {
		rrs, kind := t.answersFor(next, qtype, targets, ttl)
		return append([]dns.RR{cnameRR}, rrs...), kind
	}
	if rrs, kind := t.resolveCNAMEChain(next, qtype, ttl, depth+1); kind != overrideMiss {
		return append([]dns.RR{cnameRR}, rrs...), kind
	}
	return nil, overrideMiss
}

// exactMatch walks parts (TLD to leftmost label) down the trie and reports
// whether the full name terminates at a node carrying targets for qtype.
func exactMatch(root *overrideNode, parts []string, qtype uint16) ([]overrideTarget, bool) {
	n := root
	for i := len(parts) - 1; i >= 0; i-- {
		child, ok := n.children[parts[i]]
		if !ok {
			return nil, false
		}
		n = child
	}
	targets, ok := n.targets[qtype]
	return targets, ok && len(targets) > 0
}

// longestWildcardMatch walks parts down the wildcard trie, stopping one
// label short of the full name (a wildcard rule needs at least one label
// to its left), and returns the deepest (longest-suffix) node with targets
// for qtype.
func longestWildcardMatch(root *overrideNode, parts []string, qtype uint16) ([]overrideTarget, bool) {
	if len(parts) < 2 {
		return nil, false
	}
	n := root
	var best []overrideTarget
	var found bool
	for i := len(parts) - 1; i >= 1; i-- {
		child, ok := n.children[parts[i]]
		if !ok {
			break
		}
		n = child
		if targets, ok := n.targets[qtype]; ok && len(targets) > 0 {
			best, found = targets, true
		}
	}
	return best, found
}

// longestParentMatch walks parts down the exact-match trie and returns the
// deepest node reached, at any depth, with targets for qtype. Unlike
// exactMatch it does not require consuming every label, which is what
// makes a rule for "example.com" also match "www.example.com".
func longestParentMatch(root *overrideNode, parts []string, qtype uint16) ([]overrideTarget, bool) {
	n := root
	var best []overrideTarget
	var found bool
	for i := len(parts) - 1; i >= 0; i-- {
		child, ok := n.children[parts[i]]
		if !ok {
			break
		}
		n = child
		if targets, ok := n.targets[qtype]; ok && len(targets) > 0 {
			best, found = targets, true
		}
	}
	return best, found
}

// answersFor converts matched targets into RRs, synthesizing the blackhole
// sentinel address when a target is the BLACKHOLE marker (spec.md §4.2).
func (t *OverrideTable) answersFor(qname string, qtype uint16, targets []overrideTarget, ttl uint32) ([]dns.RR, overrideMatchKind) {
	owner := dns.Fqdn(qname)
	var rrs []dns.RR
	kind := overrideHit
	for _, tg := range targets {
		if tg.Blackhole {
			kind = overrideBlackhole
			rrs = append(rrs, blackholeRR(owner, qtype, ttl))
			continue
		}
		switch qtype {
		case dns.TypeA:
			rrs = append(rrs, &dns.A{
				Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   tg.Address,
			})
		case dns.TypeAAAA:
			rrs = append(rrs, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: owner, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
				AAAA: tg.Address,
			})
		case dns.TypeCNAME:
			rrs = append(rrs, &dns.CNAME{
				Hdr:    dns.RR_Header{Name: owner, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
				Target: tg.CNAME,
			})
		}
	}
	return rrs, kind
}

func blackholeRR(owner string, qtype uint16, ttl uint32) dns.RR {
	hdr := dns.RR_Header{Name: owner, Rrtype: qtype, Class: dns.ClassINET, Ttl: ttl}
	if qtype == dns.TypeAAAA {
		return &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP("::")}
	}
	return &dns.A{Hdr: hdr, A: net.ParseIP("0.0.0.0")}
}

// String satisfies fmt.Stringer for use in diagnostics.
func (t *OverrideTable) String() string { return "Override" }
