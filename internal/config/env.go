package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// resolveEnv replaces every mapping of the form
//
//	{from_env: $NAME, default: value}
//
// with a scalar holding the variable's value, or the default when the
// variable is unset. The default key is optional; without it an unset
// variable is an error.
func resolveEnv(n *yaml.Node, lookup func(string) (string, bool)) error {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			if err := resolveEnv(c, lookup); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		if ref, ok := envRef(n); ok {
			return ref.apply(n, lookup)
		}
		for i := 1; i < len(n.Content); i += 2 {
			if err := resolveEnv(n.Content[i], lookup); err != nil {
				return err
			}
		}
	}
	return nil
}

type envReference struct {
	name string
	def  *yaml.Node
	line int
}

// envRef recognises a from_env mapping.
func envRef(n *yaml.Node) (envReference, bool) {
	ref := envReference{line: n.Line}
	found := false
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]
		switch key {
		case "from_env":
			ref.name = strings.TrimPrefix(val.Value, "$")
			found = true
		case "default":
			ref.def = val
		default:
			return envReference{}, false
		}
	}
	return ref, found
}

func (r envReference) apply(n *yaml.Node, lookup func(string) (string, bool)) error {
	if r.name == "" {
		return fmt.Errorf("line %d: from_env needs a variable name", r.line)
	}
	if v, ok := lookup(r.name); ok {
		*n = yaml.Node{Kind: yaml.ScalarNode, Value: v, Line: n.Line, Column: n.Column}
		return nil
	}
	if r.def == nil {
		return fmt.Errorf("line %d: environment variable %s is not set and has no default", r.line, r.name)
	}
	*n = *r.def
	return nil
}
