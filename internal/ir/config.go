package ir

// Topology is the declarative document a user writes. It is decoded from
// YAML, JSON, HCL or PKL and resolved into ResourceNodes by the eval package.
type Topology struct {
	DefaultProvider string                   `json:"defaultProvider" yaml:"defaultProvider" pkl:"defaultProvider"`
	Variables       map[string]any           `json:"variables" yaml:"variables" pkl:"variables"`
	Resources       map[string]*ResourceDecl `json:"resources" yaml:"resources" pkl:"resources" validate:"required,min=1,dive,keys,required,excludesall=[],endkeys,required"`
	Outputs         map[string]string        `json:"outputs" yaml:"outputs" pkl:"outputs" validate:"dive,keys,required,endkeys,required"`
}

// ResourceDecl is one entry of Topology.Resources, keyed by node id.
type ResourceDecl struct {
	Kind      string         `json:"kind" yaml:"kind" pkl:"kind" validate:"required,kind"`
	Provider  string         `json:"provider" yaml:"provider" pkl:"provider"`
	DependsOn []string       `json:"dependsOn" yaml:"dependsOn" pkl:"dependsOn" validate:"dive,required"`
	Spec      map[string]any `json:"spec" yaml:"spec" pkl:"spec"`
	Lifecycle *Lifecycle     `json:"lifecycle" yaml:"lifecycle" pkl:"lifecycle"`
	When      string         `json:"when" yaml:"when" pkl:"when"`
	Count     int            `json:"count" yaml:"count" pkl:"count" validate:"gte=0"`
	ForEach   map[string]any `json:"forEach" yaml:"forEach" pkl:"forEach" validate:"excluded_with=Count"`
}
