package engine

import (
	"fmt"

	"github.com/pipeworks-io/pipeworks/pipeline"
)

// ApplySlices narrows the graph by each slice in turn. Multiple slices
// compose as intersection; an empty slice list returns the graph unchanged.
func ApplySlices(g *Graph, slices []pipeline.Slice) (*Graph, error) {
	selected := g.nameSet()
	for _, sl := range slices {
		part, err := sliceSet(g, sl)
		if err != nil {
			return nil, err
		}
		for name := range selected {
			if !part[name] {
				delete(selected, name)
			}
		}
	}
	return g.Subgraph(selected)
}

func sliceSet(g *Graph, sl pipeline.Slice) (map[string]bool, error) {
	switch sl.Kind {
	case pipeline.SliceTags:
		out := make(map[string]bool)
		for _, n := range g.nodes {
			for _, tag := range sl.Args {
				if n.HasTag(tag) {
					out[n.Name] = true
					break
				}
			}
		}
		return out, nil

	case pipeline.SliceNodeNames:
		if err := g.checkKnown(sl.Args); err != nil {
			return nil, err
		}
		return toSet(sl.Args), nil

	case pipeline.SliceFromNodes:
		if err := g.checkKnown(sl.Args); err != nil {
			return nil, err
		}
		return g.descendants(toSet(sl.Args)), nil

	case pipeline.SliceToNodes:
		if err := g.checkKnown(sl.Args); err != nil {
			return nil, err
		}
		return g.ancestors(toSet(sl.Args)), nil

	case pipeline.SliceFromInputs:
		seeds := make(map[string]bool)
		for _, ds := range sl.Args {
			for _, consumer := range g.consumers[ds] {
				seeds[consumer] = true
			}
		}
		return g.descendants(seeds), nil

	case pipeline.SliceToOutputs:
		seeds := make(map[string]bool)
		for _, ds := range sl.Args {
			if producer, ok := g.producers[ds]; ok {
				seeds[producer] = true
			}
		}
		return g.ancestors(seeds), nil

	case pipeline.SliceNodeNamespace:
		out := make(map[string]bool)
		for _, n := range g.nodes {
			for _, ns := range sl.Args {
				if n.Namespace == ns {
					out[n.Name] = true
					break
				}
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("graph: unknown slice kind %q", sl.Kind)
}
