package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_Lifecycle(t *testing.T) {
	p := New()
	ctx := context.Background()

	id, err := p.Create(ctx, ir.KindNetwork, map[string]any{"name": "vpc", "cidr": "10.0.0.0/16"})
	require.NoError(t, err)
	assert.Equal(t, "mem-network-1", id)

	res, ok := p.Get(id)
	require.True(t, ok)
	assert.Equal(t, ir.KindNetwork, res.Kind)
	assert.Equal(t, "10.0.0.0/16", res.Spec["cidr"])

	require.NoError(t, p.Update(ctx, ir.KindNetwork, id, map[string]any{"name": "vpc", "cidr": "10.1.0.0/16"}))
	res, _ = p.Get(id)
	assert.Equal(t, "10.1.0.0/16", res.Spec["cidr"])

	require.NoError(t, p.Delete(ctx, ir.KindNetwork, id))
	assert.Empty(t, p.IDs())

	// Deleting again is not an error.
	require.NoError(t, p.Delete(ctx, ir.KindNetwork, id))

	assert.Equal(t, []string{
		"create Network vpc",
		"update Network vpc",
		"delete Network mem-network-1",
		"delete Network mem-network-1",
	}, p.Calls())
}

func TestProvider_UpdateUnknown(t *testing.T) {
	p := New()
	err := p.Update(context.Background(), ir.KindVolume, "missing", nil)
	require.Error(t, err)
	assert.Equal(t, provider.ClassPermanent, provider.ClassOf(err))
}

func TestProvider_UpdateKindMismatch(t *testing.T) {
	p := New()
	p.Seed("vol-1", ir.KindVolume, map[string]any{"name": "data"})
	err := p.Update(context.Background(), ir.KindNetwork, "vol-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a Volume")
}

func TestProvider_FaultTimes(t *testing.T) {
	p := New()
	ctx := context.Background()
	p.Inject(Fault{Op: provider.OpCreate, Kind: ir.KindService, Class: provider.ClassTransient, Times: 2})

	_, err := p.Create(ctx, ir.KindService, map[string]any{"name": "search"})
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))

	_, err = p.Create(ctx, ir.KindService, map[string]any{"name": "search"})
	require.Error(t, err)

	id, err := p.Create(ctx, ir.KindService, map[string]any{"name": "search"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 2, p.Failures(nil))
}

func TestProvider_FaultMatchesName(t *testing.T) {
	p := New()
	ctx := context.Background()
	boom := errors.New("quota exceeded")
	p.Inject(Fault{Name: "dashboard", Class: provider.ClassPermanent, Err: boom})

	_, err := p.Create(ctx, ir.KindService, map[string]any{"name": "search"})
	require.NoError(t, err)

	_, err = p.Create(ctx, ir.KindService, map[string]any{"name": "dashboard"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, provider.ClassPermanent, provider.ClassOf(err))

	// Times zero keeps failing.
	_, err = p.Create(ctx, ir.KindService, map[string]any{"name": "dashboard"})
	require.ErrorIs(t, err, boom)
}

func TestProvider_DelayHonorsContext(t *testing.T) {
	p := New()
	p.Inject(Fault{Op: provider.OpCreate, Delay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Create(ctx, ir.KindVolume, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, p.IDs())
}

func TestProvider_MaxInFlight(t *testing.T) {
	p := New()
	p.Inject(Fault{Op: provider.OpCreate, Delay: 50 * time.Millisecond})

	done := make(chan struct{})
	for range 3 {
		go func() {
			_, _ = p.Create(context.Background(), ir.KindVolume, nil)
			done <- struct{}{}
		}()
	}
	for range 3 {
		<-done
	}
	assert.Equal(t, 3, p.MaxInFlight())
	assert.Len(t, p.IDs(), 3)
}
