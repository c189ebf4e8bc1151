package rules

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/omnisLee/software-define-network-experiment/internal/topology"
)

func referenceTopology(t *testing.T) *topology.Topology {
	t.Helper()

	topo, err := topology.New(topology.DefaultConfig())
	require.NoError(t, err)
	return topo
}

// lineTopology is s1 - s2 - s3: s3 is only reachable from s1 via s2.
func lineTopology(t *testing.T) *topology.Topology {
	t.Helper()

	cfg := topology.DefaultConfig()
	cfg.Links = []topology.LinkConfig{
		{A: "s1", B: "s2", PortA: 2, PortB: 2},
		{A: "s2", B: "s3", PortA: 3, PortB: 2},
	}

	topo, err := topology.New(cfg)
	require.NoError(t, err)
	return topo
}

func findRules(rs *RuleSet, kind Kind, device string) []Rule {
	var out []Rule
	for _, r := range rs.Rules {
		if r.Kind == kind && r.Device == device {
			out = append(out, r)
		}
	}
	return out
}

func TestReferenceMeshRuleCounts(t *testing.T) {
	rs, err := Derive(referenceTopology(t))
	require.NoError(t, err)

	counts := map[Kind]int{}
	for _, r := range rs.Rules {
		counts[r.Kind]++
	}

	// One local delivery per host; per unordered link two of each
	// tunnel rule kind, one per direction.
	require.Equal(t, 3, counts[KindLocalDelivery])
	require.Equal(t, 6, counts[KindTunnelIngress])
	require.Equal(t, 6, counts[KindTunnelTransit])
	require.Equal(t, 6, counts[KindTunnelEgress])

	require.Len(t, rs.Paths, 6)

	// Tunnel identifiers are pairwise distinct across directed paths.
	ids := map[uint64]struct{}{}
	for _, p := range rs.Paths {
		_, dup := ids[p.ID]
		require.False(t, dup, "tunnel id %d assigned twice", p.ID)
		ids[p.ID] = struct{}{}
	}
}

func TestReferenceMeshTunnelIDs(t *testing.T) {
	rs, err := Derive(referenceTopology(t))
	require.NoError(t, err)

	want := map[[2]string]uint64{
		{"s1", "s2"}: 100,
		{"s2", "s1"}: 101,
		{"s1", "s3"}: 200,
		{"s3", "s1"}: 201,
		{"s2", "s3"}: 300,
		{"s3", "s2"}: 301,
	}

	got := map[[2]string]uint64{}
	for _, p := range rs.Paths {
		got[[2]string{p.Src, p.Dst}] = p.ID
	}
	require.Equal(t, want, got)
}

func TestReferenceMeshExactRules(t *testing.T) {
	rs, err := Derive(referenceTopology(t))
	require.NoError(t, err)

	// Ingress on s1 for h2 encapsulates with tunnel id 100.
	var ingress *Rule
	for _, r := range findRules(rs, KindTunnelIngress, "s1") {
		if r.Match.Prefix == netip.MustParsePrefix("10.0.2.2/32") {
			ingress = &r
			break
		}
	}
	require.NotNil(t, ingress)
	require.Equal(t, TableIPv4LPM, ingress.Table)
	require.Equal(t, ActionTunnelIngress, ingress.Action)
	require.Equal(t, []Param{{Name: ParamDstID, Value: 100}}, ingress.Params)

	// Transit on s1 for id 100 forwards out port 2, toward s2.
	var transit *Rule
	for _, r := range findRules(rs, KindTunnelTransit, "s1") {
		if r.Match.Value == 100 {
			transit = &r
			break
		}
	}
	require.NotNil(t, transit)
	require.Equal(t, TableTunnelExact, transit.Table)
	require.Equal(t, ActionTunnelForward, transit.Action)
	require.Equal(t, []Param{{Name: ParamPort, Value: 2}}, transit.Params)

	// Egress on s2 for id 100 decapsulates to h2 out the host port.
	var egress *Rule
	for _, r := range findRules(rs, KindTunnelEgress, "s2") {
		if r.Match.Value == 100 {
			egress = &r
			break
		}
	}
	require.NotNil(t, egress)
	require.Equal(t, ActionTunnelEgress, egress.Action)
	require.Len(t, egress.Params, 2)
	require.Equal(t, ParamDstAddr, egress.Params[0].Name)
	require.Equal(t, "08:00:00:00:02:22", egress.Params[0].MAC.String())
	require.Equal(t, Param{Name: ParamPort, Value: 1}, egress.Params[1])
}

func TestDerivationIsIdempotent(t *testing.T) {
	topo := referenceTopology(t)

	first, err := Derive(topo)
	require.NoError(t, err)
	second, err := Derive(topo)
	require.NoError(t, err)

	diff := cmp.Diff(first, second, cmpopts.EquateComparable(netip.Prefix{}, netip.Addr{}))
	require.Empty(t, diff)
}

func TestLineTopologyMultiHop(t *testing.T) {
	rs, err := Derive(lineTopology(t))
	require.NoError(t, err)

	var path *TunnelPath
	for _, p := range rs.Paths {
		if p.Src == "s1" && p.Dst == "s3" {
			path = &p
			break
		}
	}
	require.NotNil(t, path)
	require.Equal(t, []string{"s1", "s2", "s3"}, path.Route)
	require.Equal(t, uint32(2), path.SrcEgressPort)

	// The relay device carries a transit rule for the long tunnel.
	var relay *Rule
	for _, r := range findRules(rs, KindTunnelTransit, "s2") {
		if r.Match.Value == path.ID {
			relay = &r
			break
		}
	}
	require.NotNil(t, relay)
	require.Equal(t, []Param{{Name: ParamPort, Value: 3}}, relay.Params)

	// Multi-hop derivation stays deterministic.
	again, err := Derive(lineTopology(t))
	require.NoError(t, err)
	diff := cmp.Diff(rs, again, cmpopts.EquateComparable(netip.Prefix{}, netip.Addr{}))
	require.Empty(t, diff)
}

func TestUnreachableHost(t *testing.T) {
	cfg := topology.DefaultConfig()
	// Cut s3 off completely: h3 becomes unreachable from s1 and s2.
	cfg.Links = []topology.LinkConfig{
		{A: "s1", B: "s2", PortA: 2, PortB: 2},
	}

	topo, err := topology.New(cfg)
	require.NoError(t, err)

	_, err = Derive(topo)
	require.Error(t, err)

	var cfgErr *topology.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, err.Error(), "unreachable")
}

func TestPathsByLink(t *testing.T) {
	rs, err := Derive(referenceTopology(t))
	require.NoError(t, err)

	byLink := PathsByLink(rs.Paths)
	require.Len(t, byLink, 3)

	pair := byLink["s1s2"]
	require.Len(t, pair, 2)
	require.Equal(t, "s1", pair[0].Src)
	require.Equal(t, "s2", pair[1].Src)
}
