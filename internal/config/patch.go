package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Patch applies a partial settings document on top of base and returns the
// next config version. The patch body is YAML (JSON bodies parse as YAML),
// only the provided fields change, and the result is re-validated so a bad
// patch can never replace a good config.
func Patch(base Root, patch []byte) (Root, error) {
	raw, err := yaml.Marshal(base)
	if err != nil {
		return Root{}, fmt.Errorf("copy config: %w", err)
	}
	var next Root
	if err := yaml.Unmarshal(raw, &next); err != nil {
		return Root{}, fmt.Errorf("copy config: %w", err)
	}
	if err := yaml.Unmarshal(patch, &next); err != nil {
		return Root{}, fmt.Errorf("invalid settings patch: %w", err)
	}
	applyDefaults(&next)
	next.APIKey = base.APIKey
	next.APISecret = base.APISecret
	next.Version = base.Version + 1
	if err := next.Validate(); err != nil {
		return Root{}, fmt.Errorf("settings patch rejected: %w", err)
	}
	return next, nil
}
