package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// ParamType is the declared type of a parameter value.
type ParamType string

// Supported parameter types.
const (
	ParamString  ParamType = "STRING"
	ParamInteger ParamType = "INTEGER"
	ParamFloat   ParamType = "FLOAT"
	ParamBoolean ParamType = "BOOLEAN"
)

// Parameter maps a dotted name to a typed string value. Dotted names nest
// into a tree at execution time.
type Parameter struct {
	Name  string    `json:"name"`
	Value string    `json:"value"`
	Type  ParamType `json:"type"`
}

// Coerce converts the string value to its declared Go type.
func (p Parameter) Coerce() (any, error) {
	switch p.Type {
	case ParamString, "":
		return p.Value, nil
	case ParamInteger:
		n, err := strconv.ParseInt(p.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %q is not an integer", p.Name, p.Value)
		}
		return int(n), nil
	case ParamFloat:
		f, err := strconv.ParseFloat(p.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %q is not a float", p.Name, p.Value)
		}
		return f, nil
	case ParamBoolean:
		switch strings.ToLower(p.Value) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("parameter %q: %q is not a boolean", p.Name, p.Value)
	}
	return nil, fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
}

// ResolveParameters flattens dotted parameter names into a nested tree and
// additionally binds each leaf under a "params:<name>" key, so nodes that
// request either form see the same value.
func ResolveParameters(params []Parameter) (map[string]any, error) {
	tree := make(map[string]any)
	for _, p := range params {
		val, err := p.Coerce()
		if err != nil {
			return nil, err
		}
		if err := insertDotted(tree, p.Name, val); err != nil {
			return nil, err
		}
		tree["params:"+p.Name] = val
	}
	return tree, nil
}

func insertDotted(tree map[string]any, name string, val any) error {
	parts := strings.Split(name, ".")
	node := tree
	for i, part := range parts {
		if i == len(parts)-1 {
			node[part] = val
			return nil
		}
		child, exists := node[part]
		if !exists {
			next := make(map[string]any)
			node[part] = next
			node = next
			continue
		}
		next, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("parameter %q: %q is both a value and a namespace", name, strings.Join(parts[:i+1], "."))
		}
		node = next
	}
	return nil
}
