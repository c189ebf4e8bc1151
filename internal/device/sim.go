package device

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/omnisLee/software-define-network-experiment/internal/rules"
	"github.com/omnisLee/software-define-network-experiment/internal/topology"
)

// Delivery is the outcome of a simulated packet walk: where the packet
// left the network and with which rewritten link-layer address.
type Delivery struct {
	Device   string
	Port     uint32
	MAC      net.HardwareAddr
	TunnelID uint64
	// Traversed lists the devices the packet visited in order.
	Traversed []string
}

// BuildFrame assembles an Ethernet/IPv4 frame from src to dst, suitable
// for Simulate.
func BuildFrame(src, dst *topology.Host) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       src.MAC,
		DstMAC:       dst.MAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    src.Addr.AsSlice(),
		DstIP:    dst.Addr.AsSlice(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip); err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Simulate walks an Ethernet/IPv4 frame through the rules installed on
// the fakes, starting at the device the source host is attached to, and
// reports where it is delivered. The walk mirrors the device pipeline:
// the IPv4 table is applied first, then the tunnel table whenever the
// packet carries a tunnel tag.
func Simulate(t *topology.Topology, fakes map[string]*Fake, src *topology.Host, frame []byte) (*Delivery, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	ipLayer, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok || ipLayer == nil {
		return nil, fmt.Errorf("frame carries no IPv4 layer")
	}
	dst, ok := netip.AddrFromSlice(ipLayer.DstIP.To4())
	if !ok {
		return nil, fmt.Errorf("invalid IPv4 destination %v", ipLayer.DstIP)
	}

	cur := src.Device
	tunneled := false
	var tunnelID uint64
	traversed := []string{}

	// Hop limit guards against forwarding loops in a broken rule set.
	for hops := 0; hops <= len(fakes); hops++ {
		fake, ok := fakes[cur]
		if !ok {
			return nil, fmt.Errorf("packet reached device %q with no handle", cur)
		}
		traversed = append(traversed, cur)

		if !tunneled {
			rule, ok := lookupIPv4(fake, dst)
			if !ok {
				return nil, fmt.Errorf("device %q: no IPv4 entry for %s", cur, dst)
			}
			switch rule.Action {
			case rules.ActionIPv4Forward:
				return &Delivery{
					Device:    cur,
					Port:      uint32(paramValue(rule, rules.ParamPort)),
					MAC:       paramMAC(rule, rules.ParamDstAddr),
					Traversed: traversed,
				}, nil
			case rules.ActionTunnelIngress:
				tunneled = true
				tunnelID = paramValue(rule, rules.ParamDstID)
			default:
				return nil, fmt.Errorf("device %q: unexpected action %s", cur, rule.Action)
			}
		}

		rule, ok := lookupTunnel(fake, tunnelID)
		if !ok {
			return nil, fmt.Errorf("device %q: no tunnel entry for id %d", cur, tunnelID)
		}
		switch rule.Action {
		case rules.ActionTunnelEgress:
			return &Delivery{
				Device:    cur,
				Port:      uint32(paramValue(rule, rules.ParamPort)),
				MAC:       paramMAC(rule, rules.ParamDstAddr),
				TunnelID:  tunnelID,
				Traversed: traversed,
			}, nil
		case rules.ActionTunnelForward:
			port := uint32(paramValue(rule, rules.ParamPort))
			next, ok := neighborViaPort(t, cur, port)
			if !ok {
				return nil, fmt.Errorf("device %q: port %d leads to no device", cur, port)
			}
			cur = next
		default:
			return nil, fmt.Errorf("device %q: unexpected action %s", cur, rule.Action)
		}
	}

	return nil, fmt.Errorf("forwarding loop detected after %d hops", len(fakes)+1)
}

func lookupIPv4(f *Fake, dst netip.Addr) (rules.Rule, bool) {
	best := rules.Rule{}
	bestLen := -1
	for _, r := range f.Rules() {
		if r.Table != rules.TableIPv4LPM || r.Match.Kind != rules.MatchLPM {
			continue
		}
		if r.Match.Prefix.Contains(dst) && r.Match.Prefix.Bits() > bestLen {
			best = r
			bestLen = r.Match.Prefix.Bits()
		}
	}
	return best, bestLen >= 0
}

func lookupTunnel(f *Fake, id uint64) (rules.Rule, bool) {
	for _, r := range f.Rules() {
		if r.Table == rules.TableTunnelExact && r.Match.Kind == rules.MatchExact && r.Match.Value == id {
			return r, true
		}
	}
	return rules.Rule{}, false
}

func neighborViaPort(t *topology.Topology, device string, port uint32) (string, bool) {
	for _, n := range t.Neighbors(device) {
		if n.LocalPort == port {
			return n.Device.Name, true
		}
	}
	return "", false
}

func paramValue(r rules.Rule, name string) uint64 {
	for _, p := range r.Params {
		if p.Name == name {
			return p.Value
		}
	}
	return 0
}

func paramMAC(r rules.Rule, name string) net.HardwareAddr {
	for _, p := range r.Params {
		if p.Name == name {
			return p.MAC
		}
	}
	return nil
}
