// Package device defines the narrow contract the controller consumes
// from the device RPC transport, plus an in-memory implementation used
// by tests.
package device

import (
	"context"
	"errors"

	"github.com/omnisLee/software-define-network-experiment/internal/rules"
	"github.com/omnisLee/software-define-network-experiment/internal/topology"
)

// ErrTransportFatal marks a non-recoverable condition on the control
// channel. Callers check it with errors.Is; it always triggers a full
// controller shutdown.
var ErrTransportFatal = errors.New("fatal transport failure")

// ErrRuleExists is returned by WriteRule when an identical entry is
// already installed. Re-provisioning treats it as success.
var ErrRuleExists = errors.New("rule already exists")

// CounterValue is a point-in-time read of one counter index.
type CounterValue struct {
	Packets uint64
	Bytes   uint64
}

// Handle is an open control session to one forwarding device. A Handle
// is driven by at most one in-flight call at a time.
type Handle interface {
	Name() string

	// PushPipeline installs the forwarding pipeline image. It must
	// complete before any WriteRule call on the same device.
	PushPipeline(ctx context.Context, image []byte) error

	// WriteRule installs one forwarding rule.
	WriteRule(ctx context.Context, rule rules.Rule) error

	// ReadCounter reads the counter register with the given name at the
	// given index.
	ReadCounter(ctx context.Context, counter string, index uint64) (CounterValue, error)

	// ReadRules dumps the currently installed entries for inspection.
	ReadRules(ctx context.Context) ([]string, error)

	Close() error
}

// Connector establishes a control session to one device.
type Connector func(ctx context.Context, dev *topology.Device) (Handle, error)
