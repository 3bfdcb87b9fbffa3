package docker

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stackr-io/stackr/pkg/provider"
)

// ContainerConfig runs a service or load balancer as a single container. The
// container name is its external id.
type ContainerConfig struct {
	Name        string             `json:"name"`
	Image       string             `json:"image"`
	Platform    string             `json:"platform"`
	Command     []string           `json:"command"`
	Ports       map[string]int     `json:"ports"`
	Env         map[string]string  `json:"env"`
	Networks    []string           `json:"networks"`
	Aliases     []string           `json:"aliases"`
	Volumes     []string           `json:"volumes"`
	Labels      map[string]string  `json:"labels"`
	WorkingDir  string             `json:"workingDir"`
	User        string             `json:"user"`
	Restart     string             `json:"restart"`
	Healthcheck *HealthcheckConfig `json:"healthcheck"`
	Logging     *LoggingConfig     `json:"logging"`
}

type HealthcheckConfig struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval"`
	Timeout     string   `json:"timeout"`
	StartPeriod string   `json:"startPeriod"`
	Retries     int      `json:"retries"`
}

type LoggingConfig struct {
	Driver  string            `json:"driver"`
	Options map[string]string `json:"options"`
}

const stopTimeoutSeconds = 10

func (p *Provider) runContainer(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[ContainerConfig](spec)
	if err != nil {
		return "", err
	}
	if desired.Name == "" || desired.Image == "" {
		return "", provider.Permanentf("spec.name and spec.image are required")
	}
	if err := p.ensureLocalImage(ctx, desired.Image); err != nil {
		return "", err
	}

	config, hostConfig, netConfig, err := containerConfigs(desired)
	if err != nil {
		return "", err
	}
	if _, err := p.client.ContainerCreate(ctx, config, hostConfig, netConfig, platform(desired.Platform), desired.Name); err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	cleanup := func() { _ = p.removeContainer(context.WithoutCancel(ctx), desired.Name) }
	for _, extra := range additionalNetworks(desired) {
		if err := p.client.NetworkConnect(ctx, extra, desired.Name, &network.EndpointSettings{Aliases: desired.Aliases}); err != nil {
			cleanup()
			return "", fmt.Errorf("failed to connect to network %s: %w", extra, err)
		}
	}
	if err := p.client.ContainerStart(ctx, desired.Name, container.StartOptions{}); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return desired.Name, nil
}

// replaceContainer recreates the container under the same name, which keeps
// the external id stable.
func (p *Provider) replaceContainer(ctx context.Context, name string, spec map[string]any) error {
	desired := make(map[string]any, len(spec)+1)
	for k, v := range spec {
		desired[k] = v
	}
	desired["name"] = name

	if err := p.removeContainer(ctx, name); err != nil && !client.IsErrNotFound(err) {
		return err
	}
	_, err := p.runContainer(ctx, desired)
	return err
}

func (p *Provider) removeContainer(ctx context.Context, name string) error {
	timeout := stopTimeoutSeconds
	_ = p.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err := p.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func containerConfigs(desired ContainerConfig) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	portBindings, exposed, err := ports(desired.Ports)
	if err != nil {
		return nil, nil, nil, err
	}

	config := &container.Config{
		Image:        desired.Image,
		Cmd:          desired.Command,
		Env:          envList(desired.Env),
		Labels:       managed(desired.Labels),
		WorkingDir:   desired.WorkingDir,
		User:         desired.User,
		ExposedPorts: exposed,
	}
	if hc := desired.Healthcheck; hc != nil {
		test := hc.Test
		if len(test) == 0 {
			test = []string{"NONE"}
		}
		interval, _ := time.ParseDuration(hc.Interval)
		timeout, _ := time.ParseDuration(hc.Timeout)
		startPeriod, _ := time.ParseDuration(hc.StartPeriod)
		config.Healthcheck = &container.HealthConfig{
			Test:        test,
			Interval:    interval,
			Timeout:     timeout,
			StartPeriod: startPeriod,
			Retries:     hc.Retries,
		}
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        binds(desired.Volumes),
	}
	if desired.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(desired.Restart)}
	}
	if desired.Logging != nil {
		hostConfig.LogConfig = container.LogConfig{Type: desired.Logging.Driver, Config: desired.Logging.Options}
	}

	netConfig := &network.NetworkingConfig{}
	if len(desired.Networks) > 0 {
		primary := desired.Networks[0]
		hostConfig.NetworkMode = container.NetworkMode(primary)
		netConfig.EndpointsConfig = map[string]*network.EndpointSettings{
			primary: {Aliases: desired.Aliases},
		}
	}
	return config, hostConfig, netConfig, nil
}

func additionalNetworks(desired ContainerConfig) []string {
	if len(desired.Networks) < 2 {
		return nil
	}
	return desired.Networks[1:]
}

// ports maps "hostPort" keys to container ports, tcp unless the key carries
// a protocol suffix such as "5353/udp".
func ports(spec map[string]int) (nat.PortMap, nat.PortSet, error) {
	bindings := nat.PortMap{}
	exposed := nat.PortSet{}
	for host, containerPort := range spec {
		hostPort, proto, ok := strings.Cut(host, "/")
		if !ok {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, fmt.Sprint(containerPort))
		if err != nil {
			return nil, nil, provider.Permanentf("invalid port mapping %s:%d: %w", host, containerPort, err)
		}
		bindings[port] = append(bindings[port], nat.PortBinding{HostIP: "0.0.0.0", HostPort: hostPort})
		exposed[port] = struct{}{}
	}
	return bindings, exposed, nil
}

// binds turns relative host paths into absolute ones.
func binds(volumes []string) []string {
	var out []string
	for _, v := range volumes {
		src, rest, ok := strings.Cut(v, ":")
		if ok && (strings.HasPrefix(src, "./") || strings.HasPrefix(src, "../")) {
			if abs, err := filepath.Abs(src); err == nil {
				v = abs + ":" + rest
			}
		}
		out = append(out, v)
	}
	return out
}

func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// platform parses "os/arch[/variant]"; empty means the daemon default.
func platform(s string) *v1.Platform {
	if s == "" {
		return nil
	}
	parts := strings.SplitN(s, "/", 3)
	plat := &v1.Platform{OS: parts[0]}
	if len(parts) > 1 {
		plat.Architecture = parts[1]
	}
	if len(parts) > 2 {
		plat.Variant = parts[2]
	}
	return plat
}
