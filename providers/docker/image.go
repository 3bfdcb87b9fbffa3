package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/stackr-io/stackr/internal/logging"
	"github.com/stackr-io/stackr/pkg/provider"
)

// ImageConfig describes the image behind a task definition. Either image or
// the first container's image names it; buildContext builds it locally.
type ImageConfig struct {
	Image        string `json:"image"`
	BuildContext string `json:"buildContext"`
	Dockerfile   string `json:"dockerfile"`
	Containers   []struct {
		Image string `json:"image"`
	} `json:"containers"`
}

func (c ImageConfig) reference() string {
	if c.Image != "" {
		return c.Image
	}
	if len(c.Containers) > 0 {
		return c.Containers[0].Image
	}
	return ""
}

// ensureImage builds or pulls the image and returns its reference.
func (p *Provider) ensureImage(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[ImageConfig](spec)
	if err != nil {
		return "", err
	}
	ref := desired.reference()
	if ref == "" {
		return "", provider.Permanentf("spec.image is required")
	}

	if desired.BuildContext != "" {
		if err := p.buildImage(ctx, ref, desired); err != nil {
			return "", err
		}
		return ref, nil
	}
	if err := p.pullImage(ctx, ref); err != nil {
		return "", err
	}
	return ref, nil
}

func (p *Provider) buildImage(ctx context.Context, ref string, desired ImageConfig) error {
	tar, err := archive.TarWithOptions(desired.BuildContext, &archive.TarOptions{})
	if err != nil {
		return provider.Permanentf("failed to create build context tar: %w", err)
	}
	defer tar.Close()

	resp, err := p.client.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:       []string{ref},
		Dockerfile: desired.Dockerfile,
		Remove:     true,
		Labels:     map[string]string{ManagedLabel: "true"},
	})
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()
	return drain(resp.Body, "build", ref)
}

func (p *Provider) pullImage(ctx context.Context, ref string) error {
	reader, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	return drain(reader, "pull", ref)
}

// ensureLocalImage pulls ref only when the daemon does not have it.
func (p *Provider) ensureLocalImage(ctx context.Context, ref string) error {
	if _, _, err := p.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return p.pullImage(ctx, ref)
}

func (p *Provider) removeImage(ctx context.Context, ref string) error {
	_, err := p.client.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove image: %w", err)
	}
	return nil
}

// drain consumes a progress stream and returns the first error it reports.
func drain(r io.Reader, action, ref string) error {
	err := jsonmessage.DisplayJSONMessagesStream(r, io.Discard, 0, false, func(msg jsonmessage.JSONMessage) {
		logging.Debug("docker progress", "action", action, "image", ref, "status", msg.Status)
	})
	if err != nil {
		return fmt.Errorf("image %s %s: %w", action, ref, err)
	}
	return nil
}
