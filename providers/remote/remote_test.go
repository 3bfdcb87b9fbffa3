package remote

import (
	"context"
	"net"
	"testing"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/pkg/provider"
	"github.com/stackr-io/stackr/providers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func newTestClient(t *testing.T, impl provider.Provider) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = Serve(ctx, lis, impl) }()

	c, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		cancel()
	})
	return c
}

func TestRemote_Lifecycle(t *testing.T) {
	mem := memory.New()
	c := newTestClient(t, mem)
	ctx := context.Background()

	id, err := c.Create(ctx, ir.KindSecurityGroup, map[string]any{
		"name":    "search",
		"ports":   []int{9200, 9300},
		"ingress": map[string]any{"from": "ref-resolved-id"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mem-securitygroup-1", id)

	res, ok := mem.Get(id)
	require.True(t, ok)
	assert.Equal(t, []any{float64(9200), float64(9300)}, res.Spec["ports"])

	require.NoError(t, c.Update(ctx, ir.KindSecurityGroup, id, map[string]any{"name": "search", "ports": []int{9200}}))
	require.NoError(t, c.Delete(ctx, ir.KindSecurityGroup, id))
	assert.Empty(t, mem.IDs())
	assert.Equal(t, []string{
		"create SecurityGroup search",
		"update SecurityGroup search",
		"delete SecurityGroup " + id,
	}, mem.Calls())
}

func TestRemote_PreservesErrorClass(t *testing.T) {
	mem := memory.New()
	mem.Inject(memory.Fault{Op: provider.OpCreate, Kind: ir.KindVolume, Class: provider.ClassTransient, Times: 1})
	mem.Inject(memory.Fault{Op: provider.OpCreate, Kind: ir.KindService, Class: provider.ClassPermanent})
	c := newTestClient(t, mem)
	ctx := context.Background()

	_, err := c.Create(ctx, ir.KindVolume, map[string]any{"name": "efs"})
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))

	_, err = c.Create(ctx, ir.KindVolume, map[string]any{"name": "efs"})
	require.NoError(t, err)

	_, err = c.Create(ctx, ir.KindService, map[string]any{"name": "search"})
	require.Error(t, err)
	assert.Equal(t, provider.ClassPermanent, provider.ClassOf(err))

	err = c.Update(ctx, ir.KindService, "missing", nil)
	assert.Equal(t, provider.ClassPermanent, provider.ClassOf(err))
}

func TestRemote_UnreachableIsTransient(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	lis.Close()
	c, err := Dial("passthrough:///closed",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer c.Close()

	err = c.Delete(context.Background(), ir.KindNetwork, "vpc-1")
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
}

func TestParseRequest(t *testing.T) {
	req, err := newRequest(ir.KindNetwork, "vpc-1", map[string]any{"cidr": "10.0.0.0/16"})
	require.NoError(t, err)

	kind, id, spec, err := parseRequest(req)
	require.NoError(t, err)
	assert.Equal(t, ir.KindNetwork, kind)
	assert.Equal(t, "vpc-1", id)
	assert.Equal(t, "10.0.0.0/16", spec["cidr"])

	empty, err := newRequest("", "", nil)
	require.NoError(t, err)
	_, _, _, err = parseRequest(empty)
	require.Error(t, err)
}
