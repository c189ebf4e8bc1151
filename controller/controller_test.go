package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omnisLee/software-define-network-experiment/internal/device"
	"github.com/omnisLee/software-define-network-experiment/internal/topology"
)

func testLog(t *testing.T) *zap.SugaredLogger {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return logger.Sugar()
}

func testConfig(t *testing.T) *Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.LogDir = t.TempDir()
	cfg.Poll.Interval = "20ms"
	cfg.Poll.ReadTimeout = "100ms"
	return cfg
}

// fakeConnector hands out device.Fake handles and remembers them.
type fakeConnector struct {
	mu    sync.Mutex
	fakes map[string]*device.Fake
	fail  map[string]error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		fakes: map[string]*device.Fake{},
		fail:  map[string]error{},
	}
}

func (c *fakeConnector) connect(_ context.Context, dev *topology.Device) (device.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail[dev.Name]; err != nil {
		return nil, err
	}
	f := device.NewFake(dev.Name)
	c.fakes[dev.Name] = f
	return f, nil
}

func TestControllerEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	connector := newFakeConnector()

	c, err := New(cfg, []byte("image"), connector.connect, WithLog(testLog(t)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	// Let provisioning finish and a few poll cycles happen.
	time.Sleep(150 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// Every device got the image exactly once and its full rule share:
	// one local delivery, and per peer one ingress, transit and egress.
	require.Len(t, connector.fakes, 3)
	for name, fake := range connector.fakes {
		require.Equal(t, 1, fake.Pushes(), "device %s", name)
		require.Len(t, fake.Rules(), 7, "device %s", name)
		require.True(t, fake.Closed(), "device %s handle not released", name)
	}

	// Per-link observation logs were created and written to.
	for _, name := range []string{"S1S2.txt", "S1S3.txt", "S2S3.txt"} {
		data, err := os.ReadFile(filepath.Join(cfg.LogDir, name))
		require.NoError(t, err)
		require.NotEmpty(t, data, "log %s", name)
	}

	// A packet from h1 to h3 enters the tunnel at s1 with id 200 and is
	// delivered by s3 with h3's link-layer address out the host port.
	topo, err := topology.New(cfg.Topology)
	require.NoError(t, err)
	h1, _ := topo.HostAt("s1")
	h3, _ := topo.HostAt("s3")

	frame, err := device.BuildFrame(h1, h3)
	require.NoError(t, err)

	delivery, err := device.Simulate(topo, connector.fakes, h1, frame)
	require.NoError(t, err)
	require.Equal(t, "s3", delivery.Device)
	require.Equal(t, uint64(200), delivery.TunnelID)
	require.Equal(t, h3.MAC.String(), delivery.MAC.String())
	require.Equal(t, uint32(1), delivery.Port)
	require.Equal(t, []string{"s1", "s3"}, delivery.Traversed)

	// And locally attached hosts are delivered directly, untunneled.
	frame, err = device.BuildFrame(h3, h3)
	require.NoError(t, err)
	delivery, err = device.Simulate(topo, connector.fakes, h3, frame)
	require.NoError(t, err)
	require.Equal(t, "s3", delivery.Device)
	require.Zero(t, delivery.TunnelID)
	require.Equal(t, []string{"s3"}, delivery.Traversed)
}

func TestConfigurationErrorBeforeDeviceContact(t *testing.T) {
	cfg := testConfig(t)
	cfg.Topology.Hosts[0].Port = 2 // collides with the s1-s2 link port

	connector := newFakeConnector()
	_, err := New(cfg, []byte("image"), connector.connect, WithLog(testLog(t)))
	require.Error(t, err)

	var cfgErr *topology.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Empty(t, connector.fakes, "devices were contacted despite a configuration error")
}

func TestConnectFailureReleasesOpenHandles(t *testing.T) {
	cfg := testConfig(t)
	connector := newFakeConnector()
	connector.fail["s3"] = errors.New("connection refused")

	c, err := New(cfg, []byte("image"), connector.connect, WithLog(testLog(t)))
	require.NoError(t, err)

	err = c.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "s3")

	for name, fake := range connector.fakes {
		require.True(t, fake.Closed(), "handle %s leaked", name)
	}
}

func TestProvisioningFailureHaltsStartup(t *testing.T) {
	cfg := testConfig(t)
	connector := newFakeConnector()

	c, err := New(cfg, []byte("image"), connector.connect, WithLog(testLog(t)))
	require.NoError(t, err)

	// Fail one device's image push as soon as it is connected.
	origConnect := connector.connect
	failing := func(ctx context.Context, dev *topology.Device) (device.Handle, error) {
		h, err := origConnect(ctx, dev)
		if err == nil && dev.Name == "s2" {
			connector.fakes["s2"].FailPush(fmt.Errorf("image rejected"))
		}
		return h, err
	}
	c.connect = failing

	err = c.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "provisioning")
	require.Contains(t, err.Error(), "s2")

	// Other devices were still provisioned, and every handle released.
	require.Len(t, connector.fakes["s1"].Rules(), 7)
	require.Len(t, connector.fakes["s3"].Rules(), 7)
	for name, fake := range connector.fakes {
		require.True(t, fake.Closed(), "handle %s leaked", name)
	}
}
