// Package docker maps resource kinds onto a local Docker Engine: networks,
// volumes, images for task definitions and containers for services and load
// balancers.
package docker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/pkg/provider"
)

// ManagedLabel marks every object this adapter creates.
const ManagedLabel = "io.stackr.managed"

type Provider struct {
	mu     sync.Mutex
	client *client.Client
}

var _ provider.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{}
}

func (p *Provider) ensureClient() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return provider.Permanentf("failed to create Docker client: %w", err)
	}
	p.client = cli
	return nil
}

// Ping checks that the daemon is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	if err := p.ensureClient(); err != nil {
		return err
	}
	_, err := p.client.Ping(ctx)
	return err
}

func (p *Provider) Create(ctx context.Context, kind ir.Kind, spec map[string]any) (string, error) {
	if err := p.ensureClient(); err != nil {
		return "", err
	}

	var (
		id  string
		err error
	)
	switch kind {
	case ir.KindNetwork:
		id, err = p.createNetwork(ctx, spec)
	case ir.KindVolume:
		id, err = p.createVolume(ctx, spec)
	case ir.KindTaskDefinition:
		id, err = p.ensureImage(ctx, spec)
	case ir.KindService, ir.KindLoadBalancer:
		id, err = p.runContainer(ctx, spec)
	default:
		return "", unsupported(kind)
	}
	if err != nil {
		return "", classify(provider.OpCreate, kind, err)
	}
	return id, nil
}

func (p *Provider) Update(ctx context.Context, kind ir.Kind, externalID string, spec map[string]any) error {
	if err := p.ensureClient(); err != nil {
		return err
	}

	var err error
	switch kind {
	case ir.KindNetwork, ir.KindVolume:
		err = provider.Permanentf("docker %s %q cannot be changed in place; taint it to replace", kind, externalID)
	case ir.KindTaskDefinition:
		_, err = p.ensureImage(ctx, spec)
	case ir.KindService, ir.KindLoadBalancer:
		err = p.replaceContainer(ctx, externalID, spec)
	default:
		return unsupported(kind)
	}
	return classify(provider.OpUpdate, kind, err)
}

// Delete removes the object. Objects already gone are not an error.
func (p *Provider) Delete(ctx context.Context, kind ir.Kind, externalID string) error {
	if err := p.ensureClient(); err != nil {
		return err
	}

	var err error
	switch kind {
	case ir.KindNetwork:
		err = p.client.NetworkRemove(ctx, externalID)
	case ir.KindVolume:
		err = p.client.VolumeRemove(ctx, externalID, true)
	case ir.KindTaskDefinition:
		err = p.removeImage(ctx, externalID)
	case ir.KindService, ir.KindLoadBalancer:
		err = p.removeContainer(ctx, externalID)
	default:
		return unsupported(kind)
	}
	if client.IsErrNotFound(err) {
		return nil
	}
	return classify(provider.OpDelete, kind, err)
}

func unsupported(kind ir.Kind) error {
	return provider.Permanentf("docker: unsupported resource kind %q", kind)
}

func classify(op provider.Op, kind ir.Kind, err error) error {
	if err == nil {
		return nil
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return err
	}
	wrapped := fmt.Errorf("docker %s %s: %w", op, kind, err)
	switch {
	case errdefs.IsUnavailable(err), errdefs.IsDeadline(err), errdefs.IsSystem(err),
		errors.Is(err, context.DeadlineExceeded), client.IsErrConnectionFailed(err):
		return provider.Transient(wrapped)
	case errdefs.IsConflict(err), errdefs.IsInvalidParameter(err), errdefs.IsNotFound(err), errdefs.IsForbidden(err):
		return provider.Permanent(wrapped)
	}
	return provider.Classify(wrapped)
}
