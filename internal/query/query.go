// Package query compiles structured JSON query trees into parameterised
// statements in the graph store's SQL dialect. Statement text is assembled
// only from the typed AST and schema-supplied identifiers; every
// user-supplied scalar is carried as a bound parameter.
package query

import (
	"fmt"
	"sort"
	"strings"
)

// Bounds enforced on every compiled query.
const (
	// MaxLimit caps page sizes.
	MaxLimit = 1000
	// MaxTravelDepth caps TRAVERSE depth for tree queries.
	MaxTravelDepth = 50
	// MaxNeighbors caps both neighborhood depth and nested projections.
	MaxNeighbors = 3
	// MinWordSize is the shortest keyword accepted by keyword search.
	MinWordSize = 4
)

// DefaultTreeEdges is the edge set used by ancestors/descendants queries when
// none is given.
var DefaultTreeEdges = []string{"SubClassOf"}

// similarityEdges is the fixed disambiguation edge set of similarTo.
var similarityEdges = []string{
	"AliasOf", "CrossReferenceOf", "DeprecatedBy", "ElementOf",
	"GeneralizationOf", "Infers",
}

// Statement is a compiled query: SQL text plus its bound parameters.
type Statement struct {
	SQL    string
	Params map[string]any
}

// DisplaySQL substitutes parameters into the text for logging. The result is
// never sent to the store.
func (s Statement) DisplaySQL() string {
	text := s.SQL
	// Longest names first so :p10 is not clobbered by :p1.
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, name := range names {
		value := s.Params[name]
		var repr string
		switch v := value.(type) {
		case string:
			repr = fmt.Sprintf("'%s'", strings.ReplaceAll(v, "'", "\\'"))
		default:
			repr = fmt.Sprint(v)
		}
		text = strings.ReplaceAll(text, ":"+name, repr)
	}
	return text
}

// Params accumulates bound parameters with a monotone counter threaded
// through the whole render recursion.
type Params struct {
	counter int
	values  map[string]any
}

// NewParams returns an empty parameter set.
func NewParams() *Params {
	return &Params{values: make(map[string]any)}
}

// Add binds a value and returns its placeholder, ':p<N>'.
func (p *Params) Add(value any) string {
	name := fmt.Sprintf("p%d", p.counter)
	p.counter++
	p.values[name] = value
	return ":" + name
}

// Values returns the accumulated parameter map.
func (p *Params) Values() map[string]any { return p.values }

// quoteNames renders schema-validated identifiers as a quoted list:
// 'AliasOf','SubClassOf'. Inputs are class names resolved against the
// registry, never raw user text.
func quoteNames(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return strings.Join(quoted, ", ")
}
