package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// tree is the JSON-shaped view of a Config that dot paths address.
type tree = map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

func splitPath(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid path %q", path)
		}
	}
	return parts, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g.
// "router.defaultProvider", "channels.telegram.allowFrom.0").
func GetByPath(cfg *Config, path string) (any, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}

	var cur any = t
	for i, key := range parts {
		switch node := cur.(type) {
		case tree:
			next, ok := node[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", strings.Join(parts[:i+1], "."))
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("invalid index %q at %s", key, strings.Join(parts[:i], "."))
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("%s is a value, not a section", strings.Join(parts[:i], "."))
		}
	}
	return cur, nil
}

// SetByPath sets a config value by dot-notation path. String values are
// decoded as YAML scalars or flow sequences, so "true", "30000", "0.5" and
// "[a, b]" get their natural types. Unknown keys are rejected.
func SetByPath(cfg *Config, path string, value any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	t, err := toTree(cfg)
	if err != nil {
		return err
	}

	parent := t
	for i, key := range parts[:len(parts)-1] {
		child, ok := parent[key]
		if !ok || child == nil {
			child = tree{}
			parent[key] = child
		}
		next, ok := child.(tree)
		if !ok {
			return fmt.Errorf("%s is a value, not a section", strings.Join(parts[:i+1], "."))
		}
		parent = next
	}
	parent[parts[len(parts)-1]] = parseValue(value)

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var updated Config
	if err := dec.Decode(&updated); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = updated
	return nil
}

// parseValue decodes string input the way a YAML config file would.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	var decoded any
	if err := yaml.Unmarshal([]byte(s), &decoded); err != nil || decoded == nil {
		return s
	}
	switch decoded.(type) {
	case bool, int, float64, []any:
		return decoded
	}
	return s
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, prov := range cfg.Providers {
		if prov.APIKey != "" {
			prov.APIKey = maskString(prov.APIKey)
		}
		prov.Capabilities = append([]string(nil), prov.Capabilities...)
		out.Providers[name] = prov
	}
	if out.Channels.Telegram.Token != "" {
		out.Channels.Telegram.Token = maskString(out.Channels.Telegram.Token)
	}
	if out.Channels.Discord.Token != "" {
		out.Channels.Discord.Token = maskString(out.Channels.Discord.Token)
	}
	out.Channels.Telegram.AllowFrom = append([]string(nil), cfg.Channels.Telegram.AllowFrom...)
	return &out
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its current value. Lists are
// leaves.
func ListPaths(cfg *Config) map[string]any {
	t, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, node tree)
	walk = func(prefix string, node tree) {
		for k, v := range node {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if sub, ok := v.(tree); ok {
				walk(p, sub)
				continue
			}
			out[p] = v
		}
	}
	walk("", t)
	return out
}
