package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/pipeworks-io/pipeworks/errors"
)

// predicate decides whether a decoded pipeline document matches a filter.
type predicate func(doc map[string]any) bool

// parseFilter compiles the query document into a predicate. Supported
// clauses: {field: value} exact match, {field: {"$regex": pattern}},
// {"$or": [clause, ...]}, plus the virtual paths "status.state" (latest
// status) and "tags.key"/"tags.value" (any tag). Clauses at the same level
// compose as AND.
func parseFilter(raw []byte) (predicate, error) {
	if len(raw) == 0 {
		return func(map[string]any) bool { return true }, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperrors.BadRequest(fmt.Sprintf("malformed filter: %v", err))
	}
	return compileClause(doc)
}

func compileClause(doc map[string]any) (predicate, error) {
	preds := make([]predicate, 0, len(doc))
	for key, val := range doc {
		switch {
		case key == "$or":
			branches, ok := val.([]any)
			if !ok {
				return nil, apperrors.BadRequest("$or expects a list of clauses")
			}
			alts := make([]predicate, 0, len(branches))
			for _, b := range branches {
				clause, ok := b.(map[string]any)
				if !ok {
					return nil, apperrors.BadRequest("$or branch is not an object")
				}
				p, err := compileClause(clause)
				if err != nil {
					return nil, err
				}
				alts = append(alts, p)
			}
			preds = append(preds, func(doc map[string]any) bool {
				for _, alt := range alts {
					if alt(doc) {
						return true
					}
				}
				return false
			})
		case strings.HasPrefix(key, "$"):
			return nil, apperrors.BadRequest(fmt.Sprintf("unsupported operator %q", key))
		default:
			p, err := compileField(key, val)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
	}
	return func(doc map[string]any) bool {
		for _, p := range preds {
			if !p(doc) {
				return false
			}
		}
		return true
	}, nil
}

func compileField(field string, val any) (predicate, error) {
	if op, ok := val.(map[string]any); ok {
		pattern, ok := op["$regex"]
		if !ok || len(op) != 1 {
			return nil, apperrors.BadRequest(fmt.Sprintf("field %q: only $regex operators are supported", field))
		}
		ps, ok := pattern.(string)
		if !ok {
			return nil, apperrors.BadRequest(fmt.Sprintf("field %q: $regex expects a string", field))
		}
		re, err := regexp.Compile(ps)
		if err != nil {
			return nil, apperrors.BadRequest(fmt.Sprintf("field %q: bad regex: %v", field, err))
		}
		return func(doc map[string]any) bool {
			return matchField(doc, field, func(v any) bool {
				s, ok := v.(string)
				return ok && re.MatchString(s)
			})
		}, nil
	}
	return func(doc map[string]any) bool {
		return matchField(doc, field, func(v any) bool { return looseEqual(v, val) })
	}, nil
}

// matchField resolves a field path against the document and applies the
// value test. The virtual paths are resolved against the latest status entry
// or across all tags; everything else walks nested objects by dot.
func matchField(doc map[string]any, field string, test func(any) bool) bool {
	switch {
	case strings.HasPrefix(field, "status."):
		return matchLatestStatus(doc, strings.TrimPrefix(field, "status."), test)
	case field == "tags.key" || field == "tags.value":
		return matchAnyTag(doc, strings.TrimPrefix(field, "tags."), test)
	default:
		v, ok := lookup(doc, field)
		return ok && test(v)
	}
}

func matchLatestStatus(doc map[string]any, sub string, test func(any) bool) bool {
	history, ok := doc["status"].([]any)
	if !ok || len(history) == 0 {
		return false
	}
	latest, ok := history[len(history)-1].(map[string]any)
	if !ok {
		return false
	}
	v, ok := lookup(latest, sub)
	return ok && test(v)
}

func matchAnyTag(doc map[string]any, sub string, test func(any) bool) bool {
	tags, ok := doc["tags"].([]any)
	if !ok {
		return false
	}
	for _, t := range tags {
		tag, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := tag[sub]; ok && test(v) {
			return true
		}
	}
	return false
}

func lookup(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares a decoded JSON value with a filter value, tolerating
// the float64 representation JSON numbers decode into.
func looseEqual(a, b any) bool {
	if af, ok := a.(float64); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// SortField orders List results. Dir is +1 ascending, -1 descending.
type SortField struct {
	Field string `json:"field"`
	Dir   int    `json:"dir"`
}

// sortColumns maps sortable fields onto indexed columns. Anything else is a
// BadRequest, matching the List failure contract.
var sortColumns = map[string]string{
	"id":           "id",
	"name":         "name",
	"parent":       "parent",
	"created_at":   "created_at",
	"status.state": "state",
	"task_id":      "task_id",
}

func compileSort(sort []SortField) (string, error) {
	if len(sort) == 0 {
		return "id ASC", nil
	}
	clauses := make([]string, 0, len(sort)+1)
	for _, sf := range sort {
		col, ok := sortColumns[sf.Field]
		if !ok {
			return "", apperrors.BadRequest(fmt.Sprintf("unsortable field %q", sf.Field))
		}
		switch sf.Dir {
		case 1:
			clauses = append(clauses, col+" ASC")
		case -1:
			clauses = append(clauses, col+" DESC")
		default:
			return "", apperrors.BadRequest(fmt.Sprintf("sort direction for %q must be +1 or -1", sf.Field))
		}
	}
	clauses = append(clauses, "id ASC")
	return strings.Join(clauses, ", "), nil
}

// docOf decodes a record's JSON document for filter evaluation.
func docOf(r *record) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(r.Document, &doc); err != nil {
		return nil, fmt.Errorf("store: record %s: decode document: %w", r.ID, err)
	}
	return doc, nil
}
