package topology

// Config is the YAML description of the static network topology.
type Config struct {
	// Devices are the programmable forwarding devices under control.
	Devices []DeviceConfig `yaml:"devices"`
	// Hosts are the end hosts attached to devices.
	Hosts []HostConfig `yaml:"hosts"`
	// Links are the bidirectional device-to-device links.
	Links []LinkConfig `yaml:"links"`
}

type DeviceConfig struct {
	Name string `yaml:"name"`
	// Address is the control-plane gRPC endpoint of the device.
	Address string `yaml:"address"`
	// DeviceID is the numeric device identifier used on the control channel.
	DeviceID uint64 `yaml:"device_id"`
}

type HostConfig struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	MAC  string `yaml:"mac"`
	// Device is the name of the device the host is attached to.
	Device string `yaml:"device"`
	// Port is the device port the host is attached to.
	Port uint32 `yaml:"port"`
}

type LinkConfig struct {
	A string `yaml:"a"`
	B string `yaml:"b"`
	// PortA is the port on device A facing device B.
	PortA uint32 `yaml:"port_a"`
	// PortB is the port on device B facing device A.
	PortB uint32 `yaml:"port_b"`
}

// DefaultConfig returns the reference three-device full-mesh topology.
func DefaultConfig() *Config {
	return &Config{
		Devices: []DeviceConfig{
			{Name: "s1", Address: "127.0.0.1:50051", DeviceID: 0},
			{Name: "s2", Address: "127.0.0.1:50052", DeviceID: 1},
			{Name: "s3", Address: "127.0.0.1:50053", DeviceID: 2},
		},
		Hosts: []HostConfig{
			{Name: "h1", IP: "10.0.1.1", MAC: "08:00:00:00:01:11", Device: "s1", Port: 1},
			{Name: "h2", IP: "10.0.2.2", MAC: "08:00:00:00:02:22", Device: "s2", Port: 1},
			{Name: "h3", IP: "10.0.3.3", MAC: "08:00:00:00:03:33", Device: "s3", Port: 1},
		},
		Links: []LinkConfig{
			{A: "s1", B: "s2", PortA: 2, PortB: 2},
			{A: "s1", B: "s3", PortA: 3, PortB: 2},
			{A: "s2", B: "s3", PortA: 3, PortB: 3},
		},
	}
}
