package ir

import "github.com/stackr-io/stackr/pkg/provider"

// Kind is the resource kind shared with provider adapters.
type Kind = provider.Kind

const (
	KindNetwork        = provider.KindNetwork
	KindSecurityGroup  = provider.KindSecurityGroup
	KindVolume         = provider.KindVolume
	KindTaskDefinition = provider.KindTaskDefinition
	KindService        = provider.KindService
	KindLoadBalancer   = provider.KindLoadBalancer
	KindDNSRecord      = provider.KindDNSRecord
	KindCluster        = provider.KindCluster
	KindLogGroup       = provider.KindLogGroup
	KindRole           = provider.KindRole
)

// Kinds lists every kind the engine understands.
var Kinds = provider.Kinds

// ParseKind resolves a kind name case-insensitively.
func ParseKind(s string) (Kind, error) { return provider.ParseKind(s) }

// ResourceNode is a single managed resource in the topology.
type ResourceNode struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Provider  string         `json:"provider,omitempty"`
	DependsOn []string       `json:"dependsOn,omitempty"`
	Spec      map[string]any `json:"spec,omitempty"`
	Lifecycle *Lifecycle     `json:"lifecycle,omitempty"`

	// Count and ForEach are expanded into separate nodes before planning.
	Count   int            `json:"-"`
	ForEach map[string]any `json:"-"`
}

type Lifecycle struct {
	PreventDestroy bool     `json:"preventDestroy,omitempty" yaml:"preventDestroy" pkl:"preventDestroy"`
	IgnoreChanges  []string `json:"ignoreChanges,omitempty" yaml:"ignoreChanges" pkl:"ignoreChanges"`
}

// IgnoresChange reports whether changes to the given spec key are ignored.
func (n *ResourceNode) IgnoresChange(key string) bool {
	if n == nil || n.Lifecycle == nil {
		return false
	}
	for _, k := range n.Lifecycle.IgnoreChanges {
		if k == key {
			return true
		}
	}
	return false
}

// PreventsDestroy reports whether the node may not be deleted or replaced.
func (n *ResourceNode) PreventsDestroy() bool {
	return n != nil && n.Lifecycle != nil && n.Lifecycle.PreventDestroy
}
