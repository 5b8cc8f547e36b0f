package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// SourceAlias rewrites a source prefix in rendered alerts.
type SourceAlias struct {
	Prefix      string `yaml:"prefix"`
	Replacement string `yaml:"replacement"`
}

// AliasTable is an ordered list of source aliases. Order matters: the first
// alias whose prefix matches wins.
type AliasTable []SourceAlias

// UnmarshalYAML accepts either a mapping of prefix to replacement, whose key
// order is preserved, or a sequence of {prefix, replacement} entries.
func (t *AliasTable) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		out := make(AliasTable, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			var prefix, replacement string
			if err := value.Content[i].Decode(&prefix); err != nil {
				return fmt.Errorf("source alias key: %w", err)
			}
			if err := value.Content[i+1].Decode(&replacement); err != nil {
				return fmt.Errorf("source alias %q: %w", prefix, err)
			}
			out = append(out, SourceAlias{Prefix: prefix, Replacement: replacement})
		}
		*t = out
		return nil
	case yaml.SequenceNode:
		var list []SourceAlias
		if err := value.Decode(&list); err != nil {
			return fmt.Errorf("source aliases: %w", err)
		}
		*t = list
		return nil
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*t = nil
			return nil
		}
	}
	return fmt.Errorf("source_aliases must be a mapping or a list, got line %d", value.Line)
}
