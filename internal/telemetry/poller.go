// Package telemetry periodically reads tunnel counters from every
// device and turns them into per-link observations.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/gobwas/glob"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omnisLee/software-define-network-experiment/internal/device"
	"github.com/omnisLee/software-define-network-experiment/internal/obslog"
	"github.com/omnisLee/software-define-network-experiment/internal/rules"
)

// Config is the polling configuration.
type Config struct {
	// Interval is the wall-clock period between cycles.
	Interval string `yaml:"interval"`
	// ReadTimeout bounds every single counter read.
	ReadTimeout string `yaml:"read_timeout"`
	// Links selects which links are polled, as glob patterns over the
	// canonical link name (e.g. "s1s2").
	Links []string `yaml:"links"`
}

// DefaultConfig returns the default polling configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:    "2s",
		ReadTimeout: "1s",
		Links:       []string{"*"},
	}
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option configures a Poller.
type Option func(*options)

// WithLog sets the logger for the poller.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// task is one counter read feeding one half of an observation.
type task struct {
	counter string
	index   uint64
	// slot receives the read value; sent selects the half.
	slot int
	sent bool
}

// Poller reads the paired ingress/egress counters of every directed
// tunnel path on a fixed interval and appends the resulting
// observations to the sink. Cycles never overlap: a slow cycle delays
// the next one.
type Poller struct {
	interval    time.Duration
	readTimeout time.Duration
	handles     map[string]device.Handle
	paths       []rules.TunnelPath
	sink        *obslog.Logger
	log         *zap.SugaredLogger

	// byDevice serializes reads per device: one goroutine per device,
	// sequential reads within it.
	byDevice map[string][]task
}

// New creates a Poller over the given directed tunnel paths, keeping
// only those whose link matches one of the configured glob patterns.
func New(cfg *Config, handles map[string]device.Handle, paths []rules.TunnelPath, sink *obslog.Logger, opts ...Option) (*Poller, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	interval, err := time.ParseDuration(cfg.Interval)
	if err != nil || interval <= 0 {
		return nil, fmt.Errorf("invalid poll interval %q", cfg.Interval)
	}
	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil || readTimeout <= 0 {
		return nil, fmt.Errorf("invalid read timeout %q", cfg.ReadTimeout)
	}

	globs := make([]glob.Glob, 0, len(cfg.Links))
	for _, pattern := range cfg.Links {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid link pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	p := &Poller{
		interval:    interval,
		readTimeout: readTimeout,
		handles:     handles,
		sink:        sink,
		log:         o.Log,
		byDevice:    map[string][]task{},
	}

	for _, path := range paths {
		if !matchAny(globs, LinkName(path)) {
			continue
		}
		slot := len(p.paths)
		p.paths = append(p.paths, path)
		p.byDevice[path.Src] = append(p.byDevice[path.Src], task{
			counter: rules.CounterTunnelIngress,
			index:   path.ID,
			slot:    slot,
			sent:    true,
		})
		p.byDevice[path.Dst] = append(p.byDevice[path.Dst], task{
			counter: rules.CounterTunnelEgress,
			index:   path.ID,
			slot:    slot,
		})
	}

	if len(p.paths) == 0 {
		p.log.Warnw("no tunnel paths selected for polling", zap.Strings("patterns", cfg.Links))
	}

	return p, nil
}

// Run polls until the context is canceled or a fatal transport failure
// is reported by a device.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Infow("starting counter polling",
		zap.Duration("interval", p.interval),
		zap.Int("paths", len(p.paths)),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("stopped counter polling")
			return nil
		case <-ticker.C:
		}

		if err := p.cycle(ctx); err != nil {
			return err
		}
	}
}

// cycle runs one complete poll: fan out reads across devices, wait for
// all of them, then emit one observation per directed path. A failed
// read degrades to a zero snapshot; only a fatal transport failure
// aborts the cycle.
func (p *Poller) cycle(ctx context.Context) error {
	now := time.Now()
	observations := make([]obslog.Observation, len(p.paths))
	for i, path := range p.paths {
		observations[i] = obslog.Observation{
			Src:      path.Src,
			Dst:      path.Dst,
			TunnelID: path.ID,
			Time:     now,
		}
	}

	parent := ctx
	wg, ctx := errgroup.WithContext(ctx)
	for name, tasks := range p.byDevice {
		handle, ok := p.handles[name]
		if !ok {
			return fmt.Errorf("no handle for device %q", name)
		}
		wg.Go(func() error {
			for _, t := range tasks {
				value, err := p.read(ctx, handle, t)
				if err != nil {
					if errors.Is(err, device.ErrTransportFatal) {
						return err
					}
					p.log.Warnw("counter read failed, recording zero",
						zap.String("device", name),
						zap.String("counter", t.counter),
						zap.Uint64("index", t.index),
						zap.Error(err),
					)
					value = device.CounterValue{}
				}
				obs := &observations[t.slot]
				if t.sent {
					obs.SentPackets = value.Packets
					obs.SentBytes = value.Bytes
				} else {
					obs.ReceivedPackets = value.Packets
					obs.ReceivedBytes = value.Bytes
				}
			}
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return err
	}
	// Do not record a cycle of bogus zeros when the poll was cut short
	// by shutdown.
	if parent.Err() != nil {
		return nil
	}

	for i, obs := range observations {
		path := p.paths[i]
		p.log.Infof("%s %s %d: %d packets (%s)",
			obs.Src, rules.CounterTunnelIngress, obs.TunnelID,
			obs.SentPackets, datasize.ByteSize(obs.SentBytes).HumanReadable(),
		)
		p.log.Infof("%s %s %d: %d packets (%s)",
			obs.Dst, rules.CounterTunnelEgress, obs.TunnelID,
			obs.ReceivedPackets, datasize.ByteSize(obs.ReceivedBytes).HumanReadable(),
		)
		if err := p.sink.Append(LinkName(path), obs); err != nil {
			return err
		}
	}

	return nil
}

func (p *Poller) read(ctx context.Context, h device.Handle, t task) (device.CounterValue, error) {
	ctx, cancel := context.WithTimeout(ctx, p.readTimeout)
	defer cancel()

	return h.ReadCounter(ctx, t.counter, t.index)
}

// LinkName returns the canonical unordered link name of a directed
// tunnel path, e.g. "s1s2" for both s1->s2 and s2->s1.
func LinkName(path rules.TunnelPath) string {
	a, b := path.Src, path.Dst
	if a > b {
		a, b = b, a
	}
	return a + b
}

func matchAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
