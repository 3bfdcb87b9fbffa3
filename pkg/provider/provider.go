// Package provider defines the boundary between the engine and the systems
// that actually own resources.
package provider

import "context"

// Provider creates, updates and deletes resources of the supported kinds.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Create provisions a resource and returns the identifier the provider
	// assigned to it.
	Create(ctx context.Context, kind Kind, spec map[string]any) (string, error)
	// Update converges an existing resource to spec.
	Update(ctx context.Context, kind Kind, externalID string, spec map[string]any) error
	// Delete removes a resource. Deleting something already gone succeeds.
	Delete(ctx context.Context, kind Kind, externalID string) error
}

// Op names a provider operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)
