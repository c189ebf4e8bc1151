package topology

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
)

// ConfigurationError reports a malformed topology description or an
// inconsistent rule derivation input. It is always raised before any
// device is contacted.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return e.Msg
}

func errorf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// Device is a programmable forwarding device under the controller's control.
type Device struct {
	Name     string
	Address  string
	DeviceID uint64
}

// Host is an end host attached to a device port.
type Host struct {
	Name   string
	Addr   netip.Addr
	MAC    net.HardwareAddr
	Device string
	Port   uint32
}

// Link is an unordered device pair. A.Name is always lexicographically
// smaller than B.Name.
type Link struct {
	A     *Device
	B     *Device
	PortA uint32
	PortB uint32
}

// Name returns the canonical name of the link, e.g. "s1s2".
func (l *Link) Name() string {
	return l.A.Name + l.B.Name
}

// Neighbor is a directly linked device together with the local port
// facing it.
type Neighbor struct {
	Device     *Device
	LocalPort  uint32
	RemotePort uint32
}

// Topology is the validated, immutable model of the network.
type Topology struct {
	devices   map[string]*Device
	hosts     map[string]*Host
	hostAt    map[string]*Host
	links     []*Link
	neighbors map[string][]Neighbor
}

// New builds and validates a Topology from its configuration. Any
// inconsistency is reported as a ConfigurationError before any device
// is touched.
func New(cfg *Config) (*Topology, error) {
	t := &Topology{
		devices:   map[string]*Device{},
		hosts:     map[string]*Host{},
		hostAt:    map[string]*Host{},
		neighbors: map[string][]Neighbor{},
	}

	usedIDs := map[uint64]string{}
	usedPorts := map[string]map[uint32]string{}

	claimPort := func(device string, port uint32, owner string) error {
		if port == 0 {
			return errorf("device %q: port 0 is reserved (%s)", device, owner)
		}
		ports, ok := usedPorts[device]
		if !ok {
			ports = map[uint32]string{}
			usedPorts[device] = ports
		}
		if prev, ok := ports[port]; ok {
			return errorf("device %q: port %d assigned to both %s and %s", device, port, prev, owner)
		}
		ports[port] = owner
		return nil
	}

	for _, dc := range cfg.Devices {
		if dc.Name == "" {
			return nil, errorf("device with empty name")
		}
		if _, ok := t.devices[dc.Name]; ok {
			return nil, errorf("duplicate device %q", dc.Name)
		}
		if prev, ok := usedIDs[dc.DeviceID]; ok {
			return nil, errorf("device id %d used by both %q and %q", dc.DeviceID, prev, dc.Name)
		}
		usedIDs[dc.DeviceID] = dc.Name

		t.devices[dc.Name] = &Device{
			Name:     dc.Name,
			Address:  dc.Address,
			DeviceID: dc.DeviceID,
		}
	}

	for _, hc := range cfg.Hosts {
		if _, ok := t.hosts[hc.Name]; ok {
			return nil, errorf("duplicate host %q", hc.Name)
		}
		if _, ok := t.devices[hc.Device]; !ok {
			return nil, errorf("host %q attached to undefined device %q", hc.Name, hc.Device)
		}
		if prev, ok := t.hostAt[hc.Device]; ok {
			return nil, errorf("device %q has more than one host (%q, %q): tunnel egress rewrites a single host address",
				hc.Device, prev.Name, hc.Name)
		}

		addr, err := netip.ParseAddr(hc.IP)
		if err != nil || !addr.Is4() {
			return nil, errorf("host %q: invalid IPv4 address %q", hc.Name, hc.IP)
		}
		mac, err := net.ParseMAC(hc.MAC)
		if err != nil || len(mac) != 6 {
			return nil, errorf("host %q: invalid MAC address %q", hc.Name, hc.MAC)
		}
		if err := claimPort(hc.Device, hc.Port, "host "+hc.Name); err != nil {
			return nil, err
		}

		host := &Host{
			Name:   hc.Name,
			Addr:   addr,
			MAC:    mac,
			Device: hc.Device,
			Port:   hc.Port,
		}
		t.hosts[hc.Name] = host
		t.hostAt[hc.Device] = host
	}

	seenLinks := map[string]struct{}{}
	for _, lc := range cfg.Links {
		a, ok := t.devices[lc.A]
		if !ok {
			return nil, errorf("link %s-%s references undefined device %q", lc.A, lc.B, lc.A)
		}
		b, ok := t.devices[lc.B]
		if !ok {
			return nil, errorf("link %s-%s references undefined device %q", lc.A, lc.B, lc.B)
		}
		if a == b {
			return nil, errorf("device %q linked to itself", lc.A)
		}

		portA, portB := lc.PortA, lc.PortB
		if a.Name > b.Name {
			a, b = b, a
			portA, portB = portB, portA
		}
		key := a.Name + "/" + b.Name
		if _, ok := seenLinks[key]; ok {
			return nil, errorf("duplicate link %s-%s", a.Name, b.Name)
		}
		seenLinks[key] = struct{}{}

		if err := claimPort(a.Name, portA, "link to "+b.Name); err != nil {
			return nil, err
		}
		if err := claimPort(b.Name, portB, "link to "+a.Name); err != nil {
			return nil, err
		}

		t.links = append(t.links, &Link{A: a, B: b, PortA: portA, PortB: portB})
		t.neighbors[a.Name] = append(t.neighbors[a.Name], Neighbor{Device: b, LocalPort: portA, RemotePort: portB})
		t.neighbors[b.Name] = append(t.neighbors[b.Name], Neighbor{Device: a, LocalPort: portB, RemotePort: portA})
	}

	slices.SortFunc(t.links, func(x, y *Link) int {
		if c := strings.Compare(x.A.Name, y.A.Name); c != 0 {
			return c
		}
		return strings.Compare(x.B.Name, y.B.Name)
	})
	for _, ns := range t.neighbors {
		slices.SortFunc(ns, func(x, y Neighbor) int {
			return strings.Compare(x.Device.Name, y.Device.Name)
		})
	}

	return t, nil
}

// Devices returns all devices sorted by name.
func (t *Topology) Devices() []*Device {
	out := make([]*Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(x, y *Device) int {
		return strings.Compare(x.Name, y.Name)
	})
	return out
}

// Hosts returns all hosts sorted by name.
func (t *Topology) Hosts() []*Host {
	out := make([]*Host, 0, len(t.hosts))
	for _, h := range t.hosts {
		out = append(out, h)
	}
	slices.SortFunc(out, func(x, y *Host) int {
		return strings.Compare(x.Name, y.Name)
	})
	return out
}

// Links returns all links sorted by the canonical device pair.
func (t *Topology) Links() []*Link {
	return t.links
}

// Device looks up a device by name.
func (t *Topology) Device(name string) (*Device, bool) {
	d, ok := t.devices[name]
	return d, ok
}

// HostAt returns the host attached to the named device, if any.
func (t *Topology) HostAt(device string) (*Host, bool) {
	h, ok := t.hostAt[device]
	return h, ok
}

// Neighbors returns the directly linked neighbors of the named device,
// sorted by neighbor name.
func (t *Topology) Neighbors(device string) []Neighbor {
	return t.neighbors[device]
}
