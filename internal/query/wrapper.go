package query

import (
	"fmt"
	"strings"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/schema"
)

// body is anything that can serve as the FROM source of the wrapper: a plain
// subquery, a fixed traversal, or a keyword search.
type body interface {
	// Render emits the statement including the active-only wrapper unless
	// history was requested.
	Render(p *Params) (string, error)
}

// orderTerm is one ORDER BY entry.
type orderTerm struct {
	attr      string
	direction string
}

// Query is the compiled top-level query: a body plus projection, ordering,
// and paging.
type Query struct {
	class *schema.ClassModel
	body  body

	History          bool
	Count            bool
	Skip             int
	Limit            *int
	Neighbors        int
	ReturnProperties []string
	orderBy          []orderTerm
}

// Class returns the class the query validates against.
func (q *Query) Class() *schema.ClassModel { return q.class }

// allowed top-level fields of a query document.
var queryFields = map[string]bool{
	"target": true, "filters": true, "queryType": true, "history": true,
	"returnProperties": true, "neighbors": true, "orderBy": true,
	"orderByDirection": true, "skip": true, "limit": true, "count": true,
	"edges": true, "depth": true, "keyword": true,
}

// Parse compiles a query document against the schema.
func Parse(s *schema.Schema, doc map[string]any) (*Query, error) {
	for key := range doc {
		if !queryFields[key] {
			return nil, kberr.Newf(kberr.Validation, "invalid query parameter %q", key).
				WithPayload(map[string]any{"parameter": key})
		}
	}

	q := &Query{}
	if raw, ok := doc["history"]; ok {
		b, err := schema.CastBoolean(raw)
		if err != nil {
			return nil, err
		}
		q.History = b == true
	}

	kind, _ := doc["queryType"].(string)
	if kind == "keyword" {
		search, err := parseKeywordSearch(doc, q.History)
		if err != nil {
			return nil, err
		}
		q.body = search
		q.class, _ = s.Get("Statement")
	} else {
		target, err := ParseTarget(s, doc["target"], q.History, 0)
		if err != nil {
			return nil, err
		}
		class, err := targetClass(s, target)
		if err != nil {
			return nil, err
		}
		q.class = class

		base := &Subquery{Target: target, History: q.History}
		if rawFilters, ok := doc["filters"]; ok && rawFilters != nil {
			filters, err := ParseFilter(s, class, rawFilters, q.History, 0)
			if err != nil {
				return nil, err
			}
			base.Filters = filters
		}

		if kind == "" {
			q.body = base
		} else {
			edges, err := stringList(doc["edges"])
			if err != nil {
				return nil, err
			}
			var depth *int
			if raw, ok := doc["depth"]; ok {
				cast, err := schema.CastInteger(raw)
				if err != nil {
					return nil, err
				}
				d := int(cast.(int64))
				depth = &d
			}
			fixed, err := NewFixedSubquery(s, kind, base, edges, depth)
			if err != nil {
				return nil, err
			}
			q.body = fixed
		}
	}

	if err := q.parseWrapping(s, doc); err != nil {
		return nil, err
	}
	return q, nil
}

// parseWrapping validates projection, ordering, and paging options.
func (q *Query) parseWrapping(s *schema.Schema, doc map[string]any) error {
	if raw, ok := doc["count"]; ok {
		b, err := schema.CastBoolean(raw)
		if err != nil {
			return err
		}
		q.Count = b == true
	}
	if raw, ok := doc["skip"]; ok && raw != nil {
		cast, err := schema.CastInteger(raw)
		if err != nil {
			return err
		}
		skip := int(cast.(int64))
		if skip < 0 {
			return kberr.Newf(kberr.Validation, "skip must not be negative, got %d", skip)
		}
		q.Skip = skip
	}
	if raw, ok := doc["limit"]; ok && raw != nil {
		cast, err := schema.CastRangeInt(1, MaxLimit)(raw)
		if err != nil {
			return err
		}
		limit := int(cast.(int64))
		q.Limit = &limit
	}
	if raw, ok := doc["neighbors"]; ok && raw != nil {
		cast, err := schema.CastRangeInt(0, MaxNeighbors)(raw)
		if err != nil {
			return err
		}
		q.Neighbors = int(cast.(int64))
	}
	if raw, ok := doc["returnProperties"]; ok && raw != nil {
		props, err := stringList(raw)
		if err != nil {
			return err
		}
		for _, prop := range props {
			trav, err := ParseTraversal(s, q.class, prop)
			if err != nil {
				return err
			}
			q.ReturnProperties = append(q.ReturnProperties, trav.Render())
		}
	}
	if q.Neighbors > 0 && len(q.ReturnProperties) > 0 {
		return kberr.Newf(kberr.Validation, "cannot combine returnProperties with neighbors")
	}

	direction := "ASC"
	if raw, ok := doc["orderByDirection"]; ok && raw != nil {
		d, _ := raw.(string)
		direction = strings.ToUpper(d)
		if direction != "ASC" && direction != "DESC" {
			return kberr.Newf(kberr.Validation, "orderByDirection must be ASC or DESC, got %q", d)
		}
	}
	if raw, ok := doc["orderBy"]; ok && raw != nil {
		attrs, err := stringList(raw)
		if err != nil {
			return err
		}
		for _, attr := range attrs {
			trav, err := ParseTraversal(s, q.class, attr)
			if err != nil {
				return err
			}
			q.orderBy = append(q.orderBy, orderTerm{attr: trav.Render(), direction: direction})
		}
	}
	return nil
}

// Render compiles the query into statement text and bound parameters.
func (q *Query) Render() (Statement, error) {
	p := NewParams()
	inner, err := q.body.Render(p)
	if err != nil {
		return Statement{}, err
	}

	sql := inner
	if q.Count {
		sql = fmt.Sprintf("SELECT count(*) AS count FROM (%s)", inner)
		return Statement{SQL: sql, Params: p.Values()}, nil
	}

	switch {
	case len(q.ReturnProperties) > 0:
		sql = fmt.Sprintf("SELECT %s FROM (%s)", strings.Join(q.ReturnProperties, ", "), inner)
	case q.Neighbors > 0:
		sql = fmt.Sprintf("SELECT %s FROM (%s)", nestedProjection(q.Neighbors, !q.History), inner)
	}

	if len(q.orderBy) > 0 {
		if !strings.HasPrefix(sql, "SELECT") {
			sql = fmt.Sprintf("SELECT * FROM (%s)", sql)
		}
		terms := make([]string, len(q.orderBy))
		for i, t := range q.orderBy {
			terms[i] = t.attr + " " + t.direction
		}
		sql += " ORDER BY " + strings.Join(terms, ", ")
	}
	if q.Skip > 0 || q.Limit != nil {
		if !strings.HasPrefix(sql, "SELECT") {
			sql = fmt.Sprintf("SELECT * FROM (%s)", sql)
		}
	}
	if q.Skip > 0 {
		sql += fmt.Sprintf(" SKIP %d", q.Skip)
	}
	if q.Limit != nil {
		sql += fmt.Sprintf(" LIMIT %d", *q.Limit)
	}
	return Statement{SQL: sql, Params: p.Values()}, nil
}

// nestedProjection expands linked records to the given depth, always carrying
// @rid and @class and dropping history unless it was requested.
func nestedProjection(depth int, excludeHistory bool) string {
	attrs := "*, @rid, @class"
	if excludeHistory {
		attrs += ", !history"
	}
	proj := "*"
	for i := 0; i < depth; i++ {
		proj = fmt.Sprintf("%s, *:{%s}", attrs, proj)
	}
	return proj
}

func stringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, kberr.Newf(kberr.Validation, "expected a list of strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return v, nil
	}
	return nil, kberr.Newf(kberr.Validation, "expected a string list, got %T", raw)
}
