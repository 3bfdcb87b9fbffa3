package provider

import (
	"context"
	"testing"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/providers/aws"
	"github.com/stackr-io/stackr/providers/memory"
	"github.com/stackr-io/stackr/providers/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LoadsBuiltinsOnce(t *testing.T) {
	r := NewRegistry(Options{AWSRegion: "eu-west-1"})

	first, err := r.Get("memory")
	require.NoError(t, err)
	second, err := r.Get("memory")
	require.NoError(t, err)
	assert.Same(t, first, second)

	p, err := r.Get("aws")
	require.NoError(t, err)
	awsProv, ok := p.(*aws.Provider)
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", awsProv.Region())

	assert.Equal(t, []string{"aws", "memory"}, r.Loaded())
}

func TestRegistry_Unknown(t *testing.T) {
	r := NewRegistry(Options{})
	_, err := r.Get("gcp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider: gcp")
	require.Error(t, r.LoadProvider("gcp"))
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(Options{})
	mem := memory.New()
	r.Register("aws", mem)

	p, err := r.Get("aws")
	require.NoError(t, err)
	_, err = p.Create(context.Background(), ir.KindNetwork, map[string]any{"name": "vpc"})
	require.NoError(t, err)
	assert.Len(t, mem.IDs(), 1)
}

func TestRegistry_Remote(t *testing.T) {
	r := NewRegistry(Options{Remotes: map[string]string{"cloud": "127.0.0.1:7411"}})

	p, err := r.Get("grpc://127.0.0.1:7411")
	require.NoError(t, err)
	assert.IsType(t, &remote.Client{}, p)

	p, err = r.Get("cloud")
	require.NoError(t, err)
	assert.IsType(t, &remote.Client{}, p)

	require.NoError(t, r.Close())
	assert.Empty(t, r.Loaded())
}
