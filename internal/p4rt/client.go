package p4rt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/omnisLee/software-define-network-experiment/internal/device"
	"github.com/omnisLee/software-define-network-experiment/internal/rules"
	"github.com/omnisLee/software-define-network-experiment/internal/topology"
)

type options struct {
	Log *zap.SugaredLogger
	// ConnectMaxTries bounds the arbitration retry loop.
	ConnectMaxTries uint
}

func newOptions() *options {
	return &options{
		Log:             zap.NewNop().Sugar(),
		ConnectMaxTries: 10,
	}
}

// Option configures a Client.
type Option func(*options)

// WithLog sets the logger for the client.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithConnectMaxTries bounds how often the initial arbitration is retried.
func WithConnectMaxTries(n uint) Option {
	return func(o *options) {
		o.ConnectMaxTries = n
	}
}

// Client is a device.Handle speaking P4Runtime over gRPC.
type Client struct {
	name       string
	deviceID   uint64
	electionID *p4v1.Uint128
	conn       *grpc.ClientConn
	p4         p4v1.P4RuntimeClient
	schema     *Schema
	log        *zap.SugaredLogger

	mu       sync.Mutex
	fatalErr error
}

// NewConnector returns a device.Connector that dials devices over
// P4Runtime using the given pipeline schema.
func NewConnector(schema *Schema, log *zap.SugaredLogger) device.Connector {
	return func(ctx context.Context, dev *topology.Device) (device.Handle, error) {
		return Connect(ctx, dev, schema, WithLog(log))
	}
}

// Connect dials the device control endpoint and acquires mastership of
// the control channel. The arbitration is retried with exponential
// backoff since devices commonly come up slightly after the controller.
func Connect(ctx context.Context, dev *topology.Device, schema *Schema, opts ...Option) (*Client, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	conn, err := grpc.NewClient(
		dev.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", dev.Name, err)
	}

	c := &Client{
		name:       dev.Name,
		deviceID:   dev.DeviceID,
		electionID: &p4v1.Uint128{High: 0, Low: 1},
		conn:       conn,
		p4:         p4v1.NewP4RuntimeClient(conn),
		schema:     schema,
		log:        o.Log.With(zap.String("device", dev.Name)),
	}

	arbitrationBackoff := &backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Second,
	}

	stream, err := backoff.Retry(ctx, func() (p4v1.P4Runtime_StreamChannelClient, error) {
		return c.arbitrate(ctx)
	}, backoff.WithBackOff(arbitrationBackoff), backoff.WithMaxTries(o.ConnectMaxTries))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to acquire mastership of %s: %w", dev.Name, err)
	}

	c.log.Infow("established control session", zap.String("address", dev.Address))

	// The stream stays open for the lifetime of the session; its
	// termination means the channel is gone for good.
	go c.watchStream(stream)

	return c, nil
}

func (c *Client) arbitrate(ctx context.Context) (p4v1.P4Runtime_StreamChannelClient, error) {
	stream, err := c.p4.StreamChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream channel: %w", err)
	}

	err = stream.Send(&p4v1.StreamMessageRequest{
		Update: &p4v1.StreamMessageRequest_Arbitration{
			Arbitration: &p4v1.MasterArbitrationUpdate{
				DeviceId:   c.deviceID,
				ElectionId: c.electionID,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send arbitration update: %w", err)
	}

	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("failed to receive arbitration response: %w", err)
	}
	if code := resp.GetArbitration().GetStatus().GetCode(); code != int32(codes.OK) {
		return nil, fmt.Errorf("arbitration rejected with code %d", code)
	}

	return stream, nil
}

func (c *Client) watchStream(stream p4v1.P4Runtime_StreamChannelClient) {
	for {
		if _, err := stream.Recv(); err != nil {
			c.mu.Lock()
			c.fatalErr = fmt.Errorf("device %s: stream channel terminated: %v: %w", c.name, err, device.ErrTransportFatal)
			c.mu.Unlock()

			c.log.Warnw("stream channel terminated", zap.Error(err))
			return
		}
	}
}

func (c *Client) fatal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

func (c *Client) Name() string {
	return c.name
}

// PushPipeline installs the pipeline via SetForwardingPipelineConfig
// with VERIFY_AND_COMMIT, carrying both the p4info metadata and the
// device-specific image.
func (c *Client) PushPipeline(ctx context.Context, image []byte) error {
	if err := c.fatal(); err != nil {
		return err
	}

	_, err := c.p4.SetForwardingPipelineConfig(ctx, &p4v1.SetForwardingPipelineConfigRequest{
		DeviceId:   c.deviceID,
		ElectionId: c.electionID,
		Action:     p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		Config: &p4v1.ForwardingPipelineConfig{
			P4Info:         c.schema.P4Info(),
			P4DeviceConfig: image,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to set pipeline config on %s: %w", c.name, err)
	}
	return nil
}

// WriteRule installs one table entry. A duplicate insert is reported as
// device.ErrRuleExists so re-provisioning can treat it as success.
func (c *Client) WriteRule(ctx context.Context, rule rules.Rule) error {
	if err := c.fatal(); err != nil {
		return err
	}

	entry, err := c.buildTableEntry(rule)
	if err != nil {
		return err
	}

	_, err = c.p4.Write(ctx, &p4v1.WriteRequest{
		DeviceId:   c.deviceID,
		ElectionId: c.electionID,
		Updates: []*p4v1.Update{{
			Type: p4v1.Update_INSERT,
			Entity: &p4v1.Entity{
				Entity: &p4v1.Entity_TableEntry{TableEntry: entry},
			},
		}},
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("device %s: %s: %w", c.name, rule.Match.Key(), device.ErrRuleExists)
		}
		return fmt.Errorf("failed to write %s on %s: %w", rule.Match.Key(), c.name, err)
	}
	return nil
}

func (c *Client) buildTableEntry(rule rules.Rule) (*p4v1.TableEntry, error) {
	tableID, err := c.schema.TableID(rule.Table)
	if err != nil {
		return nil, err
	}
	fieldID, fieldWidth, err := c.schema.MatchFieldID(rule.Table, rule.Match.Field)
	if err != nil {
		return nil, err
	}
	actionID, err := c.schema.ActionID(rule.Action)
	if err != nil {
		return nil, err
	}

	var match *p4v1.FieldMatch
	switch rule.Match.Kind {
	case rules.MatchLPM:
		match = &p4v1.FieldMatch{
			FieldId: fieldID,
			FieldMatchType: &p4v1.FieldMatch_Lpm{
				Lpm: &p4v1.FieldMatch_LPM{
					Value:     rule.Match.Prefix.Addr().AsSlice(),
					PrefixLen: int32(rule.Match.Prefix.Bits()),
				},
			},
		}
	case rules.MatchExact:
		match = &p4v1.FieldMatch{
			FieldId: fieldID,
			FieldMatchType: &p4v1.FieldMatch_Exact_{
				Exact: &p4v1.FieldMatch_Exact{
					Value: encodeUint(rule.Match.Value, fieldWidth),
				},
			},
		}
	default:
		return nil, fmt.Errorf("unsupported match kind %d", rule.Match.Kind)
	}

	params := make([]*p4v1.Action_Param, 0, len(rule.Params))
	for _, p := range rule.Params {
		paramID, paramWidth, err := c.schema.ActionParamID(rule.Action, p.Name)
		if err != nil {
			return nil, err
		}
		value := []byte(p.MAC)
		if p.MAC == nil {
			value = encodeUint(p.Value, paramWidth)
		}
		params = append(params, &p4v1.Action_Param{
			ParamId: paramID,
			Value:   value,
		})
	}

	return &p4v1.TableEntry{
		TableId: tableID,
		Match:   []*p4v1.FieldMatch{match},
		Action: &p4v1.TableAction{
			Type: &p4v1.TableAction_Action{
				Action: &p4v1.Action{
					ActionId: actionID,
					Params:   params,
				},
			},
		},
	}, nil
}

// ReadCounter reads one counter index.
func (c *Client) ReadCounter(ctx context.Context, counter string, index uint64) (device.CounterValue, error) {
	if err := c.fatal(); err != nil {
		return device.CounterValue{}, err
	}

	counterID, err := c.schema.CounterID(counter)
	if err != nil {
		return device.CounterValue{}, err
	}

	rc, err := c.p4.Read(ctx, &p4v1.ReadRequest{
		DeviceId: c.deviceID,
		Entities: []*p4v1.Entity{{
			Entity: &p4v1.Entity_CounterEntry{
				CounterEntry: &p4v1.CounterEntry{
					CounterId: counterID,
					Index:     &p4v1.Index{Index: int64(index)},
				},
			},
		}},
	})
	if err != nil {
		return device.CounterValue{}, fmt.Errorf("failed to read %s[%d] from %s: %w", counter, index, c.name, err)
	}

	resp, err := rc.Recv()
	if err != nil {
		return device.CounterValue{}, fmt.Errorf("failed to read %s[%d] from %s: %w", counter, index, c.name, err)
	}
	for _, entity := range resp.GetEntities() {
		entry := entity.GetCounterEntry()
		if entry == nil {
			continue
		}
		return device.CounterValue{
			Packets: uint64(entry.GetData().GetPacketCount()),
			Bytes:   uint64(entry.GetData().GetByteCount()),
		}, nil
	}

	return device.CounterValue{}, fmt.Errorf("counter %s[%d] absent on %s", counter, index, c.name)
}

// ReadRules dumps all installed table entries as human-readable lines.
func (c *Client) ReadRules(ctx context.Context) ([]string, error) {
	if err := c.fatal(); err != nil {
		return nil, err
	}

	rc, err := c.p4.Read(ctx, &p4v1.ReadRequest{
		DeviceId: c.deviceID,
		Entities: []*p4v1.Entity{{
			Entity: &p4v1.Entity_TableEntry{TableEntry: &p4v1.TableEntry{}},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read table entries from %s: %w", c.name, err)
	}

	var out []string
	for {
		resp, err := rc.Recv()
		if err != nil {
			break
		}
		for _, entity := range resp.GetEntities() {
			entry := entity.GetTableEntry()
			if entry == nil {
				continue
			}
			action := entry.GetAction().GetAction()
			out = append(out, fmt.Sprintf("%s: %s -> %s",
				c.name,
				c.schema.TableName(entry.GetTableId()),
				c.schema.ActionName(action.GetActionId()),
			))
		}
	}

	return out, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
