package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SaveFile writes plans to path as YAML
func SaveFile(path string, plans []*Plan) error {
	data, err := yaml.Marshal(plans)
	if err != nil {
		return fmt.Errorf("failed to marshal plans: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	return nil
}

// LoadFile reads plans written by SaveFile. Plans may be edited by hand
// between the two.
func LoadFile(path string) ([]*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	var plans []*Plan
	if err := yaml.Unmarshal(data, &plans); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	for i, p := range plans {
		if p == nil || p.Table == "" {
			return nil, fmt.Errorf("plan %d has no table", i)
		}
	}
	return plans, nil
}
