package docker

import (
	"encoding/json"

	"github.com/stackr-io/stackr/pkg/provider"
)

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
