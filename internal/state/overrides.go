package state

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"replybot/internal/decision"
)

// overridesFile is the on-disk seed format:
//
//	guilds:
//	  "123456789":
//	    cooldownMs: 30000
//	    ambientThreshold: 1.5
type overridesFile struct {
	Guilds map[string]decision.Overrides `yaml:"guilds"`
}

// LoadOverridesFile parses a YAML overrides file. Every guild entry is
// validated against the decision defaults.
func LoadOverridesFile(path string) (map[string]decision.Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read overrides file %s: %w", path, err)
	}

	var f overridesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse overrides file %s: %w", path, err)
	}

	for id, ov := range f.Guilds {
		if err := decision.DefaultConfig().Merge(ov).Validate(); err != nil {
			return nil, fmt.Errorf("guild %s: %w", id, err)
		}
	}
	return f.Guilds, nil
}

// ImportOverrides writes every guild's overrides to the store and returns
// the imported guild ids in order.
func (s *Store) ImportOverrides(ctx context.Context, guilds map[string]decision.Overrides) ([]string, error) {
	ids := make([]string, 0, len(guilds))
	for id := range guilds {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := s.SetGuildDecisionOverrides(ctx, id, guilds[id]); err != nil {
			return nil, fmt.Errorf("import guild %s: %w", id, err)
		}
	}
	s.logger.Info("guild overrides imported", "count", len(ids))
	return ids, nil
}
