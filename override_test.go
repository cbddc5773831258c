package dnsrelay

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// staticLoader is an in-memory RuleLoader for tests, mirroring the
// teacher's StaticLoader used throughout blocklistdb-domain_test.go.
type staticLoader struct{ lines []string }

func (l staticLoader) Load() ([]string, error) { return l.lines, nil }

func TestOverrideTablePrecedence(t *testing.T) {
	table, err := NewOverrideTable(staticLoader{lines: []string{
		"domain1.com A 10.0.0.1",
		"domain2.com A 10.0.0.2",
		"x.domain2.com A 10.0.0.22", // exact match takes precedence over parent
		"*.domain3.com A 10.0.0.3",
		"x.x.domain3.com A 10.0.0.33", // exact beats wildcard
	}})
	require.NoError(t, err)

	rrs, kind := table.Query("domain1.com", dns.TypeA, 60)
	require.Equal(t, overrideHit, kind)
	require.Equal(t, "10.0.0.1", rrs[0].(*dns.A).A.String())

	// parent-domain match: a rule for domain1.com also answers its subdomains
	rrs, kind = table.Query("sub.domain1.com", dns.TypeA, 60)
	require.Equal(t, overrideHit, kind)
	require.Equal(t, "10.0.0.1", rrs[0].(*dns.A).A.String())

	rrs, kind = table.Query("x.domain2.com", dns.TypeA, 60)
	require.Equal(t, overrideHit, kind)
	require.Equal(t, "10.0.0.22", rrs[0].(*dns.A).A.String())

	rrs, kind = table.Query("y.domain2.com", dns.TypeA, 60)
	require.Equal(t, overrideHit, kind)
	require.Equal(t, "10.0.0.2", rrs[0].(*dns.A).A.String())

	// a bare wildcard rule never matches its own suffix
	_, kind = table.Query("domain3.com", dns.TypeA, 60)
	require.Equal(t, overrideMiss, kind)

	rrs, kind = table.Query("sub.domain3.com", dns.TypeA, 60)
	require.Equal(t, overrideHit, kind)
	require.Equal(t, "10.0.0.3", rrs[0].(*dns.A).A.String())

	rrs, kind = table.Query("x.x.domain3.com", dns.TypeA, 60)
	require.Equal(t, overrideHit, kind)
	require.Equal(t, "10.0.0.33", rrs[0].(*dns.A).A.String())
}

func TestOverrideTableBlackhole(t *testing.T) {
	table, err := NewOverrideTable(staticLoader{lines: []string{
		"ads.example.com A blackhole",
		"ads.example.com AAAA blackhole",
	}})
	require.NoError(t, err)

	rrs, kind := table.Query("ads.example.com", dns.TypeA, 60)
	require.Equal(t, overrideBlackhole, kind)
	require.Equal(t, "0.0.0.0", rrs[0].(*dns.A).A.String())

	rrs, kind = table.Query("ads.example.com", dns.TypeAAAA, 60)
	require.Equal(t, overrideBlackhole, kind)
	require.Equal(t, "::", rrs[0].(*dns.AAAA).AAAA.String())
}

func TestOverrideTableCNAMEChain(t *testing.T) {
	table, err := NewOverrideTable(staticLoader{lines: []string{
		"alias.example.com CNAME target.example.com",
		"target.example.com A 10.0.0.9",
	}})
	require.NoError(t, err)

	rrs, kind := table.Query("alias.example.com", dns.TypeA, 60)
	require.Equal(t, overrideHit, kind)
	require.Len(t, rrs, 2)
	require.IsType(t, &dns.CNAME{}, rrs[0])
	require.IsType(t, &dns.A{}, rrs[1])
	require.Equal(t, "10.0.0.9", rrs[1].(*dns.A).A.String())
}

func TestOverrideTableCNAMECycleBounded(t *testing.T) {
	table, err := NewOverrideTable(staticLoader{lines: []string{
		"a.example.com CNAME b.example.com",
		"b.example.com CNAME a.example.com",
	}})
	require.NoError(t, err)

	_, kind := table.Query("a.example.com", dns.TypeA, 60)
	require.Equal(t, overrideMiss, kind)
}

func TestOverrideTableSkipsMalformedLines(t *testing.T) {
	table, err := NewOverrideTable(staticLoader{lines: []string{
		"bad line with too many fields here",
		"good.example.com A 10.0.0.1",
		"bad.example.com TXT not-supported",
		"bad.example.com A not-an-ip",
	}})
	require.NoError(t, err)

	rrs, kind := table.Query("good.example.com", dns.TypeA, 60)
	require.Equal(t, overrideHit, kind)
	require.Len(t, rrs, 1)

	_, kind = table.Query("bad.example.com", dns.TypeA, 60)
	require.Equal(t, overrideMiss, kind)
}

func TestOverrideTableRuleOrderPreservedOnFanOut(t *testing.T) {
	table, err := NewOverrideTable(staticLoader{lines: []string{
		"multi.example.com A 10.0.0.1",
		"multi.example.com A 10.0.0.2",
		"multi.example.com A 10.0.0.3",
	}})
	require.NoError(t, err)

	rrs, kind := table.Query("multi.example.com", dns.TypeA, 60)
	require.Equal(t, overrideHit, kind)
	require.Len(t, rrs, 3)
	require.Equal(t, "10.0.0.1", rrs[0].(*dns.A).A.String())
	require.Equal(t, "10.0.0.2", rrs[1].(*dns.A).A.String())
	require.Equal(t, "10.0.0.3", rrs[2].(*dns.A).A.String())
}
