package provider

import (
	"fmt"
	"strings"
)

// Kind identifies the type of a managed resource.
type Kind string

const (
	KindNetwork        Kind = "Network"
	KindSecurityGroup  Kind = "SecurityGroup"
	KindVolume         Kind = "Volume"
	KindTaskDefinition Kind = "TaskDefinition"
	KindService        Kind = "Service"
	KindLoadBalancer   Kind = "LoadBalancer"
	KindDNSRecord      Kind = "DnsRecord"
	KindCluster        Kind = "Cluster"
	KindLogGroup       Kind = "LogGroup"
	KindRole           Kind = "Role"
)

// Kinds lists every kind the engine understands.
var Kinds = []Kind{
	KindNetwork,
	KindSecurityGroup,
	KindVolume,
	KindTaskDefinition,
	KindService,
	KindLoadBalancer,
	KindDNSRecord,
	KindCluster,
	KindLogGroup,
	KindRole,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind resolves a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	for _, known := range Kinds {
		if strings.EqualFold(string(known), s) {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}
