package aws

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/stackr-io/stackr/pkg/provider"
)

// decodeSpec converts a resolved spec map into the typed config for a kind.
func decodeSpec[T any](spec map[string]any) (T, error) {
	var cfg T
	data, err := json.Marshal(spec)
	if err != nil {
		return cfg, provider.Permanentf("failed to encode spec: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, provider.Permanentf("invalid spec: %w", err)
	}
	return cfg, nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return provider.Permanentf("spec.%s is required", field)
	}
	return nil
}

// sortedKeys gives tag maps a stable order for request bodies.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// nameFromARN returns the part of an ARN after its last slash.
func nameFromARN(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

// serviceRef splits an ECS service ARN into cluster and service names.
// Both arn:...:service/<cluster>/<name> and the legacy
// arn:...:service/<name> forms are accepted.
func serviceRef(arn string) (cluster, service string, err error) {
	_, resource, ok := strings.Cut(arn, ":service/")
	if !ok {
		return "", "", provider.Permanentf("not an ECS service ARN: %q", arn)
	}
	parts := strings.Split(resource, "/")
	switch len(parts) {
	case 1:
		return "", parts[0], nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", provider.Permanentf("not an ECS service ARN: %q", arn)
	}
}

// recordID packs the identity of a Route53 record set.
func recordID(zoneID, name, typ string) string {
	return fmt.Sprintf("%s|%s|%s", zoneID, name, typ)
}

func parseRecordID(id string) (zoneID, name, typ string, err error) {
	parts := strings.Split(id, "|")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", provider.Permanentf("invalid record id %q, expected zone|name|type", id)
	}
	return parts[0], parts[1], parts[2], nil
}
