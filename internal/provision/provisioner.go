// Package provision drives pipeline installation and rule writes
// across the devices of the topology.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/omnisLee/software-define-network-experiment/internal/device"
	"github.com/omnisLee/software-define-network-experiment/internal/rules"
)

// ProvisioningError reports a failed image push or rule write with
// enough context to diagnose which device and which entry failed.
type ProvisioningError struct {
	Device string
	Op     string
	Match  string
	Err    error
}

func (e *ProvisioningError) Error() string {
	if e.Match == "" {
		return fmt.Sprintf("provisioning %s: %s: %v", e.Device, e.Op, e.Err)
	}
	return fmt.Sprintf("provisioning %s: %s %s: %v", e.Device, e.Op, e.Match, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option configures a Provisioner.
type Option func(*options)

// WithLog sets the logger for the provisioner.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Provisioner installs the pipeline image and the derived rule set.
type Provisioner struct {
	image []byte
	log   *zap.SugaredLogger
}

// New creates a Provisioner for the given pipeline image.
func New(image []byte, opts ...Option) *Provisioner {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Provisioner{
		image: image,
		log:   o.Log,
	}
}

// Provision pushes the pipeline image to every device and then writes
// its rules, concurrently across devices but strictly image-then-rules
// within each device. A failure aborts provisioning of that device only;
// the remaining devices are still provisioned in full, and all failures
// are reported together.
func (p *Provisioner) Provision(ctx context.Context, handles []device.Handle, rs *rules.RuleSet) error {
	byDevice := rs.ByDevice()

	var wg sync.WaitGroup
	errs := make([]error, len(handles))

	for i, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.provisionDevice(ctx, h, byDevice[h.Name()])
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (p *Provisioner) provisionDevice(ctx context.Context, h device.Handle, deviceRules []rules.Rule) error {
	log := p.log.With(zap.String("device", h.Name()))

	log.Infow("installing pipeline image")
	if err := h.PushPipeline(ctx, p.image); err != nil {
		return &ProvisioningError{Device: h.Name(), Op: "push-pipeline", Err: err}
	}
	log.Infow("installed pipeline image")

	for _, rule := range deviceRules {
		if err := h.WriteRule(ctx, rule); err != nil {
			if errors.Is(err, device.ErrRuleExists) {
				log.Infow("rule already installed",
					zap.String("kind", string(rule.Kind)),
					zap.String("match", rule.Match.Key()),
				)
				continue
			}
			return &ProvisioningError{
				Device: h.Name(),
				Op:     string(rule.Kind),
				Match:  rule.Match.Key(),
				Err:    err,
			}
		}
		log.Infow("installed rule",
			zap.String("kind", string(rule.Kind)),
			zap.String("match", rule.Match.Key()),
			zap.String("action", rule.Action),
		)
	}

	log.Infow("provisioned device", zap.Int("rules", len(deviceRules)))
	return nil
}
