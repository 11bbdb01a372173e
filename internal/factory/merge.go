package factory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/conductorhq/conductor/pkg/models"
)

// MergeConfig layers per-instance overrides on top of the template's
// defaults and validates the result against the template's JSON schema.
// Nested maps merge key by key; any other value in overrides replaces the
// default wholesale.
func MergeConfig(t *models.AgentTemplate, overrides map[string]any) (map[string]any, error) {
	merged := deepMerge(t.Defaults, overrides)

	if len(t.ConfigSchema) > 0 {
		schema := gojsonschema.NewBytesLoader(t.ConfigSchema)
		doc := gojsonschema.NewGoLoader(merged)
		result, err := gojsonschema.Validate(schema, doc)
		if err != nil {
			return nil, fmt.Errorf("validate config for %s: %w", t.Ref(), err)
		}
		if !result.Valid() {
			issues := make([]string, 0, len(result.Errors()))
			for _, desc := range result.Errors() {
				issues = append(issues, desc.String())
			}
			return nil, &models.ConfigurationError{TemplateRef: t.Ref(), Issues: issues}
		}
	}
	return merged, nil
}

func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Fingerprint hashes a merged configuration. json.Marshal emits map keys
// in sorted order, so equal configurations always hash equal.
func Fingerprint(config map[string]any) (string, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("fingerprint config: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
