package rules

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/omnisLee/software-define-network-experiment/internal/topology"
)

// RuleSet is the complete derived forwarding state for a topology:
// every rule to install, plus the directed tunnel paths the counter
// poller pairs its readings on.
type RuleSet struct {
	Rules []Rule
	Paths []TunnelPath
}

func errorf(format string, args ...any) error {
	return &topology.ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// Derive computes the full forwarding state for the given topology:
// one local delivery rule per host, and for every directed tunnel path
// an ingress rule at the source, transit rules along the canonical
// route, and an egress rule at the destination. Derivation is pure and
// deterministic: the same topology always yields the identical rule
// set, in the identical order.
func Derive(t *topology.Topology) (*RuleSet, error) {
	devices := t.Devices()

	// Canonical routes: BFS from every device with neighbors visited
	// in sorted name order, so the first shortest path found is the
	// same on every run.
	routes := map[string]map[string][]string{}
	for _, d := range devices {
		routes[d.Name] = bfsRoutes(t, d.Name)
	}

	// Every host must be reachable from every device.
	for _, h := range t.Hosts() {
		for _, d := range devices {
			if d.Name == h.Device {
				continue
			}
			if _, ok := routes[d.Name][h.Device]; !ok {
				return nil, errorf("host %q on device %q is unreachable from device %q", h.Name, h.Device, d.Name)
			}
		}
	}

	rs := &RuleSet{}

	// Local delivery first: it is independent of tunnel state.
	for _, d := range devices {
		host, ok := t.HostAt(d.Name)
		if !ok {
			continue
		}
		rs.Rules = append(rs.Rules, Rule{
			Device: d.Name,
			Kind:   KindLocalDelivery,
			Table:  TableIPv4LPM,
			Match:  matchHost(host.Addr),
			Action: ActionIPv4Forward,
			Params: []Param{
				{Name: ParamDstAddr, MAC: host.MAC},
				{Name: ParamPort, Value: uint64(host.Port)},
			},
		})
	}

	// Tunnel identifiers: connected unordered pairs in lexicographic
	// order, pair k gets base 100*(k+1); the direction starting at the
	// smaller name gets the base, the reverse gets base+1.
	ids := assignTunnelIDs(devices, routes)

	seen := map[string]map[uint64]string{}
	for _, d := range devices {
		seen[d.Name] = map[uint64]string{}
	}

	for _, src := range devices {
		for _, dst := range devices {
			if src == dst {
				continue
			}
			route, ok := routes[src.Name][dst.Name]
			if !ok {
				continue
			}

			id := ids[directed{src.Name, dst.Name}]
			path := TunnelPath{
				Src:           src.Name,
				Dst:           dst.Name,
				ID:            id,
				SrcEgressPort: portToward(t, route[0], route[1]),
				Route:         route,
			}

			// Transit on every on-route device except the destination.
			for i := 0; i+1 < len(route); i++ {
				hop := route[i]
				if owner, ok := seen[hop][id]; ok {
					return nil, errorf("tunnel id %d collides on device %q (%s and %s->%s)", id, hop, owner, src.Name, dst.Name)
				}
				seen[hop][id] = src.Name + "->" + dst.Name

				rs.Rules = append(rs.Rules, Rule{
					Device: hop,
					Kind:   KindTunnelTransit,
					Table:  TableTunnelExact,
					Match:  matchTunnel(id),
					Action: ActionTunnelForward,
					Params: []Param{
						{Name: ParamPort, Value: uint64(portToward(t, hop, route[i+1]))},
					},
				})
			}

			if host, ok := t.HostAt(dst.Name); ok {
				path.DstHostPort = host.Port

				if owner, ok := seen[dst.Name][id]; ok {
					return nil, errorf("tunnel id %d collides on device %q (%s and %s->%s)", id, dst.Name, owner, src.Name, dst.Name)
				}
				seen[dst.Name][id] = src.Name + "->" + dst.Name

				rs.Rules = append(rs.Rules, Rule{
					Device: src.Name,
					Kind:   KindTunnelIngress,
					Table:  TableIPv4LPM,
					Match:  matchHost(host.Addr),
					Action: ActionTunnelIngress,
					Params: []Param{
						{Name: ParamDstID, Value: id},
					},
				})
				rs.Rules = append(rs.Rules, Rule{
					Device: dst.Name,
					Kind:   KindTunnelEgress,
					Table:  TableTunnelExact,
					Match:  matchTunnel(id),
					Action: ActionTunnelEgress,
					Params: []Param{
						{Name: ParamDstAddr, MAC: host.MAC},
						{Name: ParamPort, Value: uint64(host.Port)},
					},
				})
			}

			rs.Paths = append(rs.Paths, path)
		}
	}

	return rs, nil
}

// ByDevice groups the rules per device name, preserving derivation order.
func (rs *RuleSet) ByDevice() map[string][]Rule {
	out := map[string][]Rule{}
	for _, r := range rs.Rules {
		out[r.Device] = append(out[r.Device], r)
	}
	return out
}

type directed struct {
	src string
	dst string
}

func assignTunnelIDs(devices []*topology.Device, routes map[string]map[string][]string) map[directed]uint64 {
	ids := map[directed]uint64{}

	base := uint64(100)
	for i, a := range devices {
		for _, b := range devices[i+1:] {
			if _, ok := routes[a.Name][b.Name]; !ok {
				continue
			}
			ids[directed{a.Name, b.Name}] = base
			ids[directed{b.Name, a.Name}] = base + 1
			base += 100
		}
	}

	return ids
}

// bfsRoutes returns the canonical shortest route from src to every
// reachable device. Neighbors are expanded in sorted name order, so
// among equal-length paths the lexicographically first one wins.
func bfsRoutes(t *topology.Topology, src string) map[string][]string {
	parent := map[string]string{src: ""}
	queue := []string{src}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, n := range t.Neighbors(cur) {
			if _, ok := parent[n.Device.Name]; ok {
				continue
			}
			parent[n.Device.Name] = cur
			queue = append(queue, n.Device.Name)
		}
	}

	routes := map[string][]string{}
	for name := range parent {
		if name == src {
			continue
		}
		var route []string
		for cur := name; cur != ""; cur = parent[cur] {
			route = append(route, cur)
		}
		slices.Reverse(route)
		routes[name] = route
	}

	return routes
}

func portToward(t *topology.Topology, from, to string) uint32 {
	for _, n := range t.Neighbors(from) {
		if n.Device.Name == to {
			return n.LocalPort
		}
	}
	return 0
}

func matchHost(addr netip.Addr) Match {
	return Match{
		Field:  FieldIPv4DstAddr,
		Kind:   MatchLPM,
		Prefix: netip.PrefixFrom(addr, addr.BitLen()),
	}
}

func matchTunnel(id uint64) Match {
	return Match{
		Field: FieldTunnelID,
		Kind:  MatchExact,
		Value: id,
	}
}

// PathsByLink groups directed tunnel paths by the unordered link name
// of their endpoints, both directions together.
func PathsByLink(paths []TunnelPath) map[string][]TunnelPath {
	out := map[string][]TunnelPath{}
	for _, p := range paths {
		a, b := p.Src, p.Dst
		if a > b {
			a, b = b, a
		}
		out[a+b] = append(out[a+b], p)
	}
	for _, ps := range out {
		slices.SortFunc(ps, func(x, y TunnelPath) int {
			return strings.Compare(x.Src, y.Src)
		})
	}
	return out
}
