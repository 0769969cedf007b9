package engine

import (
	"fmt"
	"strings"
	"time"
)

// RegisterExamples installs the built-in demonstration templates. The server
// and worker binaries call this at startup; tests use the same graphs.
func RegisterExamples(e *Engine) error {
	ex00, err := exampleTextGraph()
	if err != nil {
		return err
	}
	e.Register("example00", ex00)

	ex01, err := exampleParamGraph()
	if err != nil {
		return err
	}
	e.Register("example01", ex01)
	return nil
}

// exampleTextGraph builds a three stage text transform:
// text_in -> uppercased -> reversed -> timestamped.
func exampleTextGraph() (*Graph, error) {
	return NewGraph(
		Node{
			Name:    "uppercase_node",
			Tags:    []string{"text"},
			Inputs:  []string{"text_in"},
			Outputs: []string{"uppercased"},
			Func: func(inputs map[string]any) (map[string]any, error) {
				s, err := asString(inputs["text_in"])
				if err != nil {
					return nil, err
				}
				return map[string]any{"uppercased": strings.ToUpper(s)}, nil
			},
		},
		Node{
			Name:    "reverse_node",
			Tags:    []string{"text"},
			Inputs:  []string{"uppercased"},
			Outputs: []string{"reversed"},
			Func: func(inputs map[string]any) (map[string]any, error) {
				s, err := asString(inputs["uppercased"])
				if err != nil {
					return nil, err
				}
				runes := []rune(s)
				for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
					runes[i], runes[j] = runes[j], runes[i]
				}
				return map[string]any{"reversed": string(runes)}, nil
			},
		},
		Node{
			Name:    "timestamp_node",
			Tags:    []string{"text", "audit"},
			Inputs:  []string{"reversed"},
			Outputs: []string{"timestamped"},
			Func: func(inputs map[string]any) (map[string]any, error) {
				s, err := asString(inputs["reversed"])
				if err != nil {
					return nil, err
				}
				stamped := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), s)
				return map[string]any{"timestamped": stamped}, nil
			},
		},
	)
}

// exampleParamGraph repeats its input a configurable number of times, then
// joins the copies. Exercises parameter bindings and namespaces.
func exampleParamGraph() (*Graph, error) {
	return NewGraph(
		Node{
			Name:      "repeat_node",
			Namespace: "transform",
			Tags:      []string{"text"},
			Inputs:    []string{"text_in", "params:example.count"},
			Outputs:   []string{"repeated"},
			Func: func(inputs map[string]any) (map[string]any, error) {
				s, err := asString(inputs["text_in"])
				if err != nil {
					return nil, err
				}
				count, err := asInt(inputs["params:example.count"])
				if err != nil {
					return nil, err
				}
				copies := make([]any, 0, count)
				for i := 0; i < count; i++ {
					copies = append(copies, s)
				}
				return map[string]any{"repeated": copies}, nil
			},
		},
		Node{
			Name:      "join_node",
			Namespace: "transform",
			Tags:      []string{"text"},
			Inputs:    []string{"repeated"},
			Outputs:   []string{"joined"},
			Func: func(inputs map[string]any) (map[string]any, error) {
				list, ok := inputs["repeated"].([]any)
				if !ok {
					return nil, fmt.Errorf("repeated: expected list, got %T", inputs["repeated"])
				}
				parts := make([]string, 0, len(list))
				for _, item := range list {
					s, err := asString(item)
					if err != nil {
						return nil, err
					}
					parts = append(parts, s)
				}
				return map[string]any{"joined": strings.Join(parts, "\n")}, nil
			},
		},
	)
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
