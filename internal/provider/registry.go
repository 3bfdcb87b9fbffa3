package provider

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/stackr-io/stackr/internal/logging"
	"github.com/stackr-io/stackr/pkg/provider"
	"github.com/stackr-io/stackr/providers/aws"
	"github.com/stackr-io/stackr/providers/docker"
	"github.com/stackr-io/stackr/providers/memory"
	"github.com/stackr-io/stackr/providers/remote"
)

// RemotePrefix marks a provider name as the address of an out-of-process
// provider, e.g. "grpc://127.0.0.1:7411".
const RemotePrefix = "grpc://"

// Options configures the built-in providers.
type Options struct {
	// AWSRegion overrides AWS_REGION for the aws provider.
	AWSRegion string
	// Remotes maps a provider name to a gRPC target.
	Remotes map[string]string
}

// Registry manages the lifecycle of providers. Providers are created on
// first use and shared by every node that names them.
type Registry struct {
	mu        sync.RWMutex
	opts      Options
	providers map[string]provider.Provider
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:      opts,
		providers: make(map[string]provider.Provider),
	}
}

// Builtins lists the provider names the registry can load by itself.
func Builtins() []string {
	return []string{"aws", "docker", "memory"}
}

// Register installs p under name, replacing any provider already loaded.
func (r *Registry) Register(name string, p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// LoadProvider initializes and registers a provider.
func (r *Registry) LoadProvider(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.loadLocked(name)
	return err
}

func (r *Registry) loadLocked(name string) (provider.Provider, error) {
	if p, exists := r.providers[name]; exists {
		return p, nil
	}

	var p provider.Provider
	switch {
	case name == "memory":
		p = memory.New()
	case name == "aws":
		p = aws.New(r.opts.AWSRegion)
	case name == "docker":
		p = docker.New()
	case strings.HasPrefix(name, RemotePrefix):
		c, err := remote.Dial(strings.TrimPrefix(name, RemotePrefix))
		if err != nil {
			return nil, err
		}
		p = c
	case r.opts.Remotes[name] != "":
		c, err := remote.Dial(r.opts.Remotes[name])
		if err != nil {
			return nil, err
		}
		p = c
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}

	logging.Debug("loaded provider", "name", name)
	r.providers[name] = p
	return p, nil
}

// Get returns the named provider, loading it on first use.
func (r *Registry) Get(name string) (provider.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(name)
}

// Loaded returns the names of the providers loaded so far.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases providers that hold connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, p := range r.providers {
		c, ok := p.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close provider %s: %w", name, err)
		}
	}
	r.providers = make(map[string]provider.Provider)
	return firstErr
}
