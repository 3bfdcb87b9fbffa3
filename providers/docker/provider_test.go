package docker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPorts(t *testing.T) {
	bindings, exposed, err := ports(map[string]int{"8080": 80, "5353/udp": 53})
	require.NoError(t, err)

	assert.Equal(t, []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "8080"}}, bindings["80/tcp"])
	assert.Equal(t, "5353", bindings["53/udp"][0].HostPort)
	assert.Contains(t, exposed, nat.Port("80/tcp"))
	assert.Len(t, exposed, 2)
}

func TestBinds(t *testing.T) {
	abs, err := filepath.Abs("./data")
	require.NoError(t, err)
	assert.Equal(t, []string{abs + ":/data", "named:/var/lib"}, binds([]string{"./data:/data", "named:/var/lib"}))
}

func TestEnvListIsSorted(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, envList(map[string]string{"B": "2", "A": "1"}))
}

func TestPlatform(t *testing.T) {
	assert.Nil(t, platform(""))
	p := platform("linux/arm64/v8")
	assert.Equal(t, "linux", p.OS)
	assert.Equal(t, "arm64", p.Architecture)
	assert.Equal(t, "v8", p.Variant)
}

func TestContainerConfigs(t *testing.T) {
	cfg, host, net, err := containerConfigs(ContainerConfig{
		Name:     "search",
		Image:    "opensearchproject/opensearch:2",
		Ports:    map[string]int{"9200": 9200},
		Networks: []string{"od4e", "monitoring"},
		Aliases:  []string{"search.od4e"},
		Restart:  "unless-stopped",
		Healthcheck: &HealthcheckConfig{
			Test:     []string{"CMD", "curl", "-f", "http://localhost:9200"},
			Interval: "30s",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "true", cfg.Labels[ManagedLabel])
	assert.Equal(t, 30*time.Second, cfg.Healthcheck.Interval)
	assert.Equal(t, "od4e", string(host.NetworkMode))
	assert.Equal(t, "unless-stopped", string(host.RestartPolicy.Name))
	assert.Equal(t, []string{"search.od4e"}, net.EndpointsConfig["od4e"].Aliases)
	assert.Equal(t, []string{"monitoring"}, additionalNetworks(ContainerConfig{Networks: []string{"od4e", "monitoring"}}))
}

func TestImageReference(t *testing.T) {
	cfg, err := decodeSpec[ImageConfig](map[string]any{
		"family":     "search",
		"containers": []any{map[string]any{"name": "search", "image": "opensearch:2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "opensearch:2", cfg.reference())

	cfg.Image = "custom:1"
	assert.Equal(t, "custom:1", cfg.reference())
}

func TestClassify(t *testing.T) {
	assert.True(t, provider.IsTransient(classify(provider.OpCreate, ir.KindService, errdefs.Unavailable(errors.New("daemon restarting")))))
	assert.False(t, provider.IsTransient(classify(provider.OpCreate, ir.KindService, errdefs.Conflict(errors.New("name in use")))))
	assert.True(t, provider.IsTransient(classify(provider.OpCreate, ir.KindNetwork, context.DeadlineExceeded)))
	assert.Nil(t, classify(provider.OpDelete, ir.KindNetwork, nil))
}

func TestUnsupportedKind(t *testing.T) {
	p := New()
	_, err := p.Create(context.Background(), ir.KindSecurityGroup, nil)
	require.Error(t, err)
	assert.Equal(t, provider.ClassPermanent, provider.ClassOf(err))
}

// TestNetworkAndVolumeLifecycle talks to a real daemon.
func TestNetworkAndVolumeLifecycle(t *testing.T) {
	p := New()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		t.Skipf("Skipping Docker test (daemon unavailable): %v", err)
	}

	netID, err := p.Create(ctx, ir.KindNetwork, map[string]any{"name": "stackr-test-net"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Delete(context.Background(), ir.KindNetwork, netID) })

	volID, err := p.Create(ctx, ir.KindVolume, map[string]any{"name": "stackr-test-vol"})
	require.NoError(t, err)
	assert.Equal(t, "stackr-test-vol", volID)

	err = p.Update(ctx, ir.KindVolume, volID, map[string]any{"name": "stackr-test-vol", "driver": "other"})
	assert.Equal(t, provider.ClassPermanent, provider.ClassOf(err))

	require.NoError(t, p.Delete(ctx, ir.KindVolume, volID))
	require.NoError(t, p.Delete(ctx, ir.KindVolume, volID), "deleting twice succeeds")
	require.NoError(t, p.Delete(ctx, ir.KindNetwork, netID))
}
