package rules

import (
	"fmt"
	"net"
	"net/netip"
)

// Table, action, field and counter names of the tunneling pipeline.
const (
	TableIPv4LPM     = "MyIngress.ipv4_lpm"
	TableTunnelExact = "MyIngress.myTunnel_exact"

	ActionIPv4Forward   = "MyIngress.ipv4_forward"
	ActionTunnelIngress = "MyIngress.myTunnel_ingress"
	ActionTunnelForward = "MyIngress.myTunnel_forward"
	ActionTunnelEgress  = "MyIngress.myTunnel_egress"

	FieldIPv4DstAddr = "hdr.ipv4.dstAddr"
	FieldTunnelID    = "hdr.myTunnel.dst_id"

	CounterTunnelIngress = "MyIngress.ingressTunnelCounter"
	CounterTunnelEgress  = "MyIngress.egressTunnelCounter"

	ParamDstAddr = "dstAddr"
	ParamPort    = "port"
	ParamDstID   = "dst_id"
)

// Kind classifies a forwarding rule by its role.
type Kind string

const (
	KindLocalDelivery Kind = "local-delivery"
	KindTunnelIngress Kind = "tunnel-ingress"
	KindTunnelTransit Kind = "tunnel-transit"
	KindTunnelEgress  Kind = "tunnel-egress"
)

// MatchKind discriminates the match value of a rule.
type MatchKind int

const (
	MatchLPM MatchKind = iota
	MatchExact
)

// Match is a single symbolic match field.
type Match struct {
	Field string
	Kind  MatchKind
	// Prefix is set for MatchLPM.
	Prefix netip.Prefix
	// Value is set for MatchExact.
	Value uint64
}

// Key renders the match for diagnostics.
func (m Match) Key() string {
	switch m.Kind {
	case MatchLPM:
		return fmt.Sprintf("%s=%s", m.Field, m.Prefix)
	default:
		return fmt.Sprintf("%s=%d", m.Field, m.Value)
	}
}

// Param is a single symbolic action parameter. Exactly one of MAC and
// Value is meaningful: a parameter carrying a link-layer address sets
// MAC, every other parameter is numeric.
type Param struct {
	Name string
	MAC  net.HardwareAddr
	// Value is set when MAC is nil.
	Value uint64
}

// Rule is one forwarding rule to install on a device. Rules derived
// from the same topology compare deeply equal, which makes
// re-provisioning idempotent.
type Rule struct {
	Device string
	Kind   Kind
	Table  string
	Match  Match
	Action string
	Params []Param
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s %s[%s] -> %s on %s", r.Kind, r.Table, r.Match.Key(), r.Action, r.Device)
}

// TunnelPath is one direction of a link-level tunnel: traffic entering
// at Src tagged with ID is relayed along Route and decapsulated at Dst.
type TunnelPath struct {
	Src string
	Dst string
	ID  uint64
	// SrcEgressPort is the first-hop egress port at Src.
	SrcEgressPort uint32
	// DstHostPort is the host-facing egress port at Dst, zero when Dst
	// has no attached host.
	DstHostPort uint32
	// Route is the canonical device chain from Src to Dst inclusive.
	Route []string
}
