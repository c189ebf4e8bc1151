package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omnisLee/software-define-network-experiment/internal/rules"
)

func testRule(device string, id uint64) rules.Rule {
	return rules.Rule{
		Device: device,
		Kind:   rules.KindTunnelTransit,
		Table:  rules.TableTunnelExact,
		Match:  rules.Match{Field: rules.FieldTunnelID, Kind: rules.MatchExact, Value: id},
		Action: rules.ActionTunnelForward,
		Params: []rules.Param{{Name: rules.ParamPort, Value: 2}},
	}
}

func TestFakeRejectsRulesBeforePipeline(t *testing.T) {
	ctx := context.Background()
	f := NewFake("s1")

	err := f.WriteRule(ctx, testRule("s1", 100))
	require.Error(t, err)
	require.Contains(t, err.Error(), "no pipeline")

	require.NoError(t, f.PushPipeline(ctx, []byte("image")))
	require.NoError(t, f.WriteRule(ctx, testRule("s1", 100)))
}

func TestFakeRejectsDuplicateRules(t *testing.T) {
	ctx := context.Background()
	f := NewFake("s1")
	require.NoError(t, f.PushPipeline(ctx, []byte("image")))

	require.NoError(t, f.WriteRule(ctx, testRule("s1", 100)))

	err := f.WriteRule(ctx, testRule("s1", 100))
	require.True(t, errors.Is(err, ErrRuleExists))

	// A different match in the same table is fine.
	require.NoError(t, f.WriteRule(ctx, testRule("s1", 101)))
	require.Len(t, f.Rules(), 2)
}

func TestFakeCounters(t *testing.T) {
	ctx := context.Background()
	f := NewFake("s1")

	f.SetCounter(rules.CounterTunnelIngress, 100, CounterValue{Packets: 7, Bytes: 700})

	v, err := f.ReadCounter(ctx, rules.CounterTunnelIngress, 100)
	require.NoError(t, err)
	require.Equal(t, CounterValue{Packets: 7, Bytes: 700}, v)

	// An unset index reads as zero, like a device counter register.
	v, err = f.ReadCounter(ctx, rules.CounterTunnelEgress, 100)
	require.NoError(t, err)
	require.Equal(t, CounterValue{}, v)

	injected := errors.New("boom")
	f.FailRead(rules.CounterTunnelIngress, 100, injected)
	_, err = f.ReadCounter(ctx, rules.CounterTunnelIngress, 100)
	require.ErrorIs(t, err, injected)
}
