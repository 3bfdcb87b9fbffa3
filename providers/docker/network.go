package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/stackr-io/stackr/pkg/provider"
)

type NetworkConfig struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver"`
	Internal bool              `json:"internal"`
	Labels   map[string]string `json:"labels"`
}

type VolumeConfig struct {
	Name   string            `json:"name"`
	Driver string            `json:"driver"`
	Labels map[string]string `json:"labels"`
}

// createNetwork returns the network id.
func (p *Provider) createNetwork(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[NetworkConfig](spec)
	if err != nil {
		return "", err
	}
	if desired.Name == "" {
		return "", provider.Permanentf("spec.name is required")
	}

	resp, err := p.client.NetworkCreate(ctx, desired.Name, network.CreateOptions{
		Driver:   desired.Driver,
		Internal: desired.Internal,
		Labels:   managed(desired.Labels),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create network: %w", err)
	}
	return resp.ID, nil
}

// createVolume returns the volume name, which Docker uses as its id.
func (p *Provider) createVolume(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[VolumeConfig](spec)
	if err != nil {
		return "", err
	}

	vol, err := p.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   desired.Name,
		Driver: desired.Driver,
		Labels: managed(desired.Labels),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create volume: %w", err)
	}
	return vol.Name, nil
}

func managed(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[ManagedLabel] = "true"
	return out
}
