package handlers

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	usercontext "github.com/graphkb/graphkb/internal/context"
	"github.com/graphkb/graphkb/internal/schema"
)

// reservedParams are interpreted as wrapper options rather than property
// filters.
var reservedParams = map[string]bool{
	"limit": true, "skip": true, "neighbors": true, "count": true,
	"orderBy": true, "orderByDirection": true, "returnProperties": true,
	"history": true, "activeOnly": true,
}

// searchDoc builds a query document from flat URL parameters. Property
// parameters support the operator sugar from the search grammar: a leading
// '~' means text search, a leading '!' negates, '|' joins OR alternatives,
// and ';' separates list members.
func searchDoc(c *schema.ClassModel, values url.Values) (map[string]any, error) {
	doc := map[string]any{"target": c.Name}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var filters []any
	for _, key := range keys {
		value := values.Get(key)
		if !reservedParams[key] {
			filters = append(filters, paramFilter(key, value))
			continue
		}
		switch key {
		case "activeOnly":
			b, err := schema.CastBoolean(value)
			if err != nil {
				return nil, err
			}
			if b == false {
				doc["history"] = true
			}
		case "orderBy", "returnProperties":
			doc[key] = splitCSV(value)
		case "count", "history":
			b, err := schema.CastBoolean(value)
			if err != nil {
				return nil, err
			}
			doc[key] = b == true
		default:
			// limit, skip, neighbors, orderByDirection: the query parser
			// casts and validates these.
			doc[key] = value
		}
	}

	switch len(filters) {
	case 0:
	case 1:
		doc["filters"] = filters[0]
	default:
		doc["filters"] = map[string]any{"AND": filters}
	}
	return doc, nil
}

// paramFilter compiles one property parameter into a filter node.
func paramFilter(attr, value string) map[string]any {
	alternatives := strings.Split(value, "|")
	nodes := make([]any, 0, len(alternatives))
	for _, alt := range alternatives {
		nodes = append(nodes, map[string]any{attr: paramComparison(alt)})
	}
	if len(nodes) == 1 {
		return nodes[0].(map[string]any)
	}
	return map[string]any{"OR": nodes}
}

// paramComparison translates one alternative's sugar into a comparison value.
func paramComparison(value string) any {
	negate := false
	if strings.HasPrefix(value, "!") {
		negate = true
		value = value[1:]
	}
	if strings.HasPrefix(value, "~") {
		return map[string]any{
			"value":    value[1:],
			"operator": "CONTAINSTEXT",
			"negate":   negate,
		}
	}
	var parsed any = value
	if strings.Contains(value, ";") {
		members := strings.Split(value, ";")
		list := make([]any, len(members))
		for i, m := range members {
			list[i] = m
		}
		parsed = list
	} else if value == "null" {
		parsed = nil
	}
	if negate {
		return map[string]any{"value": parsed, "negate": true}
	}
	return parsed
}

// ListRecords handles GET /api/<route> with flat filter parameters.
func (h *Handler) ListRecords(c *schema.ClassModel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := usercontext.UserFrom(r.Context())
		doc, err := searchDoc(c, r.URL.Query())
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		records, err := h.repo.Query(r.Context(), user, doc)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		writeRecords(w, records)
	}
}
