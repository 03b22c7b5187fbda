package query

import (
	"fmt"
	"strings"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
	"github.com/graphkb/graphkb/internal/schema"
)

// Target is the FROM source of a subquery: a class, a record-identifier
// list, or a nested subquery.
type Target struct {
	Class string
	RIDs  []model.RID
	Sub   *Subquery
}

// render emits the FROM expression.
func (t Target) render(p *Params) (string, error) {
	switch {
	case t.Class != "":
		return t.Class, nil
	case t.Sub != nil:
		inner, err := t.Sub.Render(p)
		if err != nil {
			return "", err
		}
		return "(" + inner + ")", nil
	case len(t.RIDs) > 0:
		ids := make([]string, len(t.RIDs))
		for i, rid := range t.RIDs {
			ids[i] = rid.String()
		}
		return "[" + strings.Join(ids, ", ") + "]", nil
	}
	return "", kberr.Newf(kberr.Validation, "query target cannot be empty")
}

// Subquery is SELECT * FROM <target> [WHERE <filters>], wrapped in the
// active-only view unless History is set.
type Subquery struct {
	Target  Target
	History bool
	Filters Filter
}

// inner renders the statement without the active-only wrapper, for embedding
// inside TRAVERSE/MATCH sources.
func (q *Subquery) inner(p *Params) (string, error) {
	from, err := q.Target.render(p)
	if err != nil {
		return "", err
	}
	sql := "SELECT * FROM " + from
	if q.Filters != nil {
		where, err := q.Filters.Render(p)
		if err != nil {
			return "", err
		}
		sql += " WHERE " + where
	}
	return sql, nil
}

// Render emits the full statement, filtering soft-deleted records unless the
// query asks for history.
func (q *Subquery) Render(p *Params) (string, error) {
	inner, err := q.inner(p)
	if err != nil {
		return "", err
	}
	if q.History {
		return inner, nil
	}
	return activeOnly(inner), nil
}

// activeOnly wraps a statement in the soft-delete filter.
func activeOnly(inner string) string {
	return fmt.Sprintf("SELECT * FROM (%s) WHERE deletedAt IS NULL", inner)
}

// targetClass resolves the class the subquery's filters validate against.
// Record-id lists and nested subqueries validate against the base vertex
// class.
func targetClass(s *schema.Schema, t Target) (*schema.ClassModel, error) {
	if t.Class != "" {
		return s.Get(t.Class)
	}
	if t.Sub != nil {
		return targetClass(s, t.Sub.Target)
	}
	return s.Get("V")
}

// ParseTarget compiles the target field of a query document: a class name,
// a list of record identifiers, or a nested query document.
func ParseTarget(s *schema.Schema, raw any, history bool, depth int) (Target, error) {
	if depth > MaxTravelDepth {
		return Target{}, kberr.Newf(kberr.Validation,
			"query nesting exceeds the maximum depth of %d", MaxTravelDepth)
	}
	switch v := raw.(type) {
	case string:
		c, err := s.Get(v)
		if err != nil {
			return Target{}, err
		}
		if c.IsEmbedded {
			return Target{}, kberr.Newf(kberr.Validation,
				"embedded class %q cannot be queried directly", c.Name)
		}
		return Target{Class: c.Name}, nil
	case []any:
		if len(v) == 0 {
			return Target{}, kberr.Newf(kberr.Validation, "record ID list target cannot be empty")
		}
		rids := make([]model.RID, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return Target{}, kberr.Newf(kberr.Validation,
					"record ID list entries must be strings, got %T", item)
			}
			rid, err := model.ParseRID(str)
			if err != nil {
				return Target{}, err
			}
			rids[i] = rid
		}
		return Target{RIDs: rids}, nil
	case map[string]any:
		sub, err := parseSubquery(s, v, history, depth+1)
		if err != nil {
			return Target{}, err
		}
		return Target{Sub: sub}, nil
	}
	return Target{}, kberr.Newf(kberr.Validation, "cannot parse query target from %T", raw)
}

// parseSubquery compiles a nested query document into a plain subquery.
func parseSubquery(s *schema.Schema, doc map[string]any, history bool, depth int) (*Subquery, error) {
	if h, ok := doc["history"]; ok {
		b, err := schema.CastBoolean(h)
		if err != nil {
			return nil, err
		}
		history = b == true
	}
	target, err := ParseTarget(s, doc["target"], history, depth)
	if err != nil {
		return nil, err
	}
	sub := &Subquery{Target: target, History: history}
	if rawFilters, ok := doc["filters"]; ok && rawFilters != nil {
		c, err := targetClass(s, target)
		if err != nil {
			return nil, err
		}
		filters, err := ParseFilter(s, c, rawFilters, history, depth)
		if err != nil {
			return nil, err
		}
		sub.Filters = filters
	}
	return sub, nil
}
