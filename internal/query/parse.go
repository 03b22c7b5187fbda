package query

import (
	"sort"
	"strings"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/schema"
)

// ParseFilter compiles the filters document of a query. The document is
// either a comparison object keyed by attribute names (several keys form an
// implicit AND) or a clause object {AND: [...]} / {OR: [...]}.
func ParseFilter(s *schema.Schema, c *schema.ClassModel, raw any, history bool, depth int) (Filter, error) {
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, kberr.Newf(kberr.Validation, "filters must be an object, got %T", raw)
	}
	if len(doc) == 0 {
		return nil, kberr.Newf(kberr.Validation, "filters cannot be empty")
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var filters []Filter
	for _, key := range keys {
		value := doc[key]
		switch strings.ToUpper(key) {
		case string(ClauseAnd), string(ClauseOr):
			if len(doc) != 1 {
				return nil, kberr.Newf(kberr.Validation,
					"a clause object must hold the single key %q", key)
			}
			return parseClause(s, c, ClauseOperator(strings.ToUpper(key)), value, history, depth)
		default:
			cmp, err := parseComparison(s, c, key, value, history, depth)
			if err != nil {
				return nil, err
			}
			filters = append(filters, cmp)
		}
	}
	if len(filters) == 1 {
		return filters[0], nil
	}
	return &Clause{Operator: ClauseAnd, Filters: filters}, nil
}

func parseClause(s *schema.Schema, c *schema.ClassModel, op ClauseOperator, raw any, history bool, depth int) (Filter, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, kberr.Newf(kberr.Validation, "%s expects a list of conditions, got %T", op, raw)
	}
	if len(items) == 0 {
		return nil, kberr.Newf(kberr.Validation, "%s cannot be empty", op)
	}
	clause := &Clause{Operator: op}
	for _, item := range items {
		sub, err := ParseFilter(s, c, item, history, depth)
		if err != nil {
			return nil, err
		}
		clause.Filters = append(clause.Filters, sub)
	}
	return clause, nil
}

// parseComparison compiles one attribute condition. The value is a scalar, a
// list, a nested query document (subquery value), or an extended comparison
// {value, operator?, negate?}.
func parseComparison(s *schema.Schema, c *schema.ClassModel, attr string, raw any, history bool, depth int) (Filter, error) {
	trav, err := ParseTraversal(s, c, attr)
	if err != nil {
		return nil, err
	}

	var op Operator
	negate := false
	value := raw

	if doc, ok := raw.(map[string]any); ok {
		if _, isQuery := doc["target"]; isQuery {
			// A subquery used as a comparison value stays active-only
			// unless it asks for history itself; the outer query's
			// history flag does not carry over.
			sub, err := parseSubquery(s, doc, false, depth+1)
			if err != nil {
				return nil, err
			}
			return NewComparison(trav, op, sub, negate)
		}
		inner, hasValue := doc["value"]
		if !hasValue {
			return nil, kberr.Newf(kberr.Validation,
				"comparison object for %q must hold a value or a query target", attr)
		}
		if rawOp, ok := doc["operator"]; ok {
			name, ok := rawOp.(string)
			if !ok {
				return nil, kberr.Newf(kberr.Validation, "operator must be a string, got %T", rawOp)
			}
			op, err = ParseOperator(name)
			if err != nil {
				return nil, err
			}
		}
		if rawNeg, ok := doc["negate"]; ok {
			b, err := schema.CastBoolean(rawNeg)
			if err != nil {
				return nil, err
			}
			negate = b == true
		}
		if nested, ok := inner.(map[string]any); ok {
			if _, isQuery := nested["target"]; isQuery {
				sub, err := parseSubquery(s, nested, false, depth+1)
				if err != nil {
					return nil, err
				}
				return NewComparison(trav, op, sub, negate)
			}
			return nil, kberr.Newf(kberr.Validation,
				"comparison value for %q cannot be a plain object", attr)
		}
		value = inner
	}

	return NewComparison(trav, op, value, negate)
}
