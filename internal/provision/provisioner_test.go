package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omnisLee/software-define-network-experiment/internal/device"
	"github.com/omnisLee/software-define-network-experiment/internal/rules"
	"github.com/omnisLee/software-define-network-experiment/internal/topology"
)

func deriveReference(t *testing.T) *rules.RuleSet {
	t.Helper()

	topo, err := topology.New(topology.DefaultConfig())
	require.NoError(t, err)
	rs, err := rules.Derive(topo)
	require.NoError(t, err)
	return rs
}

func referenceFakes() ([]device.Handle, map[string]*device.Fake) {
	fakes := map[string]*device.Fake{
		"s1": device.NewFake("s1"),
		"s2": device.NewFake("s2"),
		"s3": device.NewFake("s3"),
	}
	handles := []device.Handle{fakes["s1"], fakes["s2"], fakes["s3"]}
	return handles, fakes
}

func TestProvisionInstallsEverything(t *testing.T) {
	rs := deriveReference(t)
	handles, fakes := referenceFakes()

	p := New([]byte("image"))
	require.NoError(t, p.Provision(context.Background(), handles, rs))

	byDevice := rs.ByDevice()
	for name, fake := range fakes {
		require.Equal(t, 1, fake.Pushes(), "device %s", name)
		// The fake rejects writes before the image push, so a full
		// install also proves the ordering requirement.
		require.Equal(t, byDevice[name], fake.Rules(), "device %s", name)
	}
}

func TestProvisionIsIdempotent(t *testing.T) {
	rs := deriveReference(t)
	handles, fakes := referenceFakes()

	p := New([]byte("image"))
	require.NoError(t, p.Provision(context.Background(), handles, rs))

	// Re-running accepts duplicate writes without touching the rule set.
	require.NoError(t, p.Provision(context.Background(), handles, rs))
	for name, fake := range fakes {
		require.Equal(t, rs.ByDevice()[name], fake.Rules(), "device %s", name)
	}
}

func TestProvisionIsolatesDeviceFailures(t *testing.T) {
	rs := deriveReference(t)
	handles, fakes := referenceFakes()

	boom := errors.New("image rejected")
	fakes["s2"].FailPush(boom)

	err := New([]byte("image")).Provision(context.Background(), handles, rs)
	require.Error(t, err)

	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, "s2", provErr.Device)
	require.Equal(t, "push-pipeline", provErr.Op)
	require.ErrorIs(t, err, boom)

	// The failing device must not abort the rest of the batch.
	byDevice := rs.ByDevice()
	require.Equal(t, byDevice["s1"], fakes["s1"].Rules())
	require.Equal(t, byDevice["s3"], fakes["s3"].Rules())
	require.Empty(t, fakes["s2"].Rules())
}

func TestProvisionReportsRuleContext(t *testing.T) {
	rs := deriveReference(t)
	handles, fakes := referenceFakes()

	boom := errors.New("table full")
	fakes["s3"].FailWrite("hdr.myTunnel.dst_id=201", boom)

	err := New([]byte("image")).Provision(context.Background(), handles, rs)
	require.Error(t, err)

	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, "s3", provErr.Device)
	require.Equal(t, "hdr.myTunnel.dst_id=201", provErr.Match)
	require.Contains(t, err.Error(), "s3")
}
