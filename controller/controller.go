// Package controller owns the lifecycle of the tunnel controller:
// derive forwarding state from the topology, provision every device,
// then poll tunnel counters until stopped.
package controller

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/omnisLee/software-define-network-experiment/internal/device"
	"github.com/omnisLee/software-define-network-experiment/internal/obslog"
	"github.com/omnisLee/software-define-network-experiment/internal/provision"
	"github.com/omnisLee/software-define-network-experiment/internal/rules"
	"github.com/omnisLee/software-define-network-experiment/internal/telemetry"
	"github.com/omnisLee/software-define-network-experiment/internal/topology"
)

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option configures the Controller.
type Option func(*options)

// WithLog sets the logger for the controller.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Controller provisions the topology once and then polls it forever.
type Controller struct {
	cfg     *Config
	topo    *topology.Topology
	ruleSet *rules.RuleSet
	image   []byte
	connect device.Connector
	log     *zap.SugaredLogger
}

// New validates the topology and derives the complete forwarding state.
// Any configuration problem fails here, before any device is contacted.
func New(cfg *Config, image []byte, connect device.Connector, opts ...Option) (*Controller, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	topo, err := topology.New(cfg.Topology)
	if err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}

	ruleSet, err := rules.Derive(topo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive forwarding rules: %w", err)
	}

	o.Log.Infow("derived forwarding state",
		zap.Int("devices", len(topo.Devices())),
		zap.Int("rules", len(ruleSet.Rules)),
		zap.Int("tunnel_paths", len(ruleSet.Paths)),
	)

	return &Controller{
		cfg:     cfg,
		topo:    topo,
		ruleSet: ruleSet,
		image:   image,
		connect: connect,
		log:     o.Log,
	}, nil
}

// RuleSet exposes the derived forwarding state.
func (c *Controller) RuleSet() *rules.RuleSet {
	return c.ruleSet
}

// Run provisions every device and polls counters until the context is
// canceled or a fatal transport failure occurs. Every open device
// handle is released on every exit path.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info("starting controller")
	defer c.log.Info("stopped controller")

	// Log destinations are truncated once, before any device contact.
	linkNames := slices.Sorted(maps.Keys(rules.PathsByLink(c.ruleSet.Paths)))
	sink, err := obslog.New(c.cfg.LogDir, linkNames, obslog.WithLog(c.log))
	if err != nil {
		return err
	}
	defer sink.Close()

	handles, err := c.connectAll(ctx)
	if err != nil {
		return err
	}
	defer func() {
		for _, h := range handles {
			if err := h.Close(); err != nil {
				c.log.Warnw("failed to close device handle",
					zap.String("device", h.Name()), zap.Error(err))
			}
		}
	}()

	provisioner := provision.New(c.image, provision.WithLog(c.log))
	if err := provisioner.Provision(ctx, handles, c.ruleSet); err != nil {
		return fmt.Errorf("provisioning failed: %w", err)
	}
	c.log.Info("provisioned all devices")

	c.dumpRules(ctx, handles)

	byName := make(map[string]device.Handle, len(handles))
	for _, h := range handles {
		byName[h.Name()] = h
	}

	poller, err := telemetry.New(c.cfg.Poll, byName, c.ruleSet.Paths, sink, telemetry.WithLog(c.log))
	if err != nil {
		return err
	}

	return poller.Run(ctx)
}

// connectAll opens a control session to every device. On any failure
// the already-open sessions are released before reporting the error.
func (c *Controller) connectAll(ctx context.Context) ([]device.Handle, error) {
	devices := c.topo.Devices()
	handles := make([]device.Handle, 0, len(devices))

	for _, dev := range devices {
		h, err := c.connect(ctx, dev)
		if err != nil {
			for _, open := range handles {
				open.Close()
			}
			return nil, fmt.Errorf("failed to connect to device %s: %w", dev.Name, err)
		}
		handles = append(handles, h)
	}

	return handles, nil
}

// dumpRules logs the entries each device reports back after
// provisioning. Purely informational: a failed dump is only a warning.
func (c *Controller) dumpRules(ctx context.Context, handles []device.Handle) {
	for _, h := range handles {
		entries, err := h.ReadRules(ctx)
		if err != nil {
			c.log.Warnw("failed to read back installed rules",
				zap.String("device", h.Name()), zap.Error(err))
			continue
		}
		for _, entry := range entries {
			c.log.Debugw("installed entry", zap.String("entry", entry))
		}
	}
}
