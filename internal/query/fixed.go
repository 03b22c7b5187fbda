package query

import (
	"fmt"
	"strings"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/schema"
)

// Fixed query kinds.
const (
	KindAncestors    = "ancestors"
	KindDescendants  = "descendants"
	KindNeighborhood = "neighborhood"
	KindSimilarTo    = "similarTo"
)

// FixedSubquery realises one of the fixed graph algorithms over a base
// subquery: ancestor/descendant tree traversal, bounded neighborhood
// expansion, or the similarity closure.
type FixedSubquery struct {
	Kind string
	Base *Subquery
	// Edges is the traversed edge set. Defaults to SubClassOf for tree
	// queries and every edge class for neighborhoods; similarTo uses its
	// fixed disambiguation set.
	Edges []string
	// Depth bounds the traversal: MAXDEPTH for trees, the repeat bound for
	// neighborhoods.
	Depth   int
	History bool
}

// NewFixedSubquery validates the kind, edges, and depth bounds.
func NewFixedSubquery(s *schema.Schema, kind string, base *Subquery, edges []string, depth *int) (*FixedSubquery, error) {
	fq := &FixedSubquery{Kind: kind, Base: base, History: base.History}
	// The base renders inside the fixed statement; wrapping happens at the
	// fixed query's own top level.
	fq.Base.History = true

	resolved := make([]string, 0, len(edges))
	for _, e := range edges {
		name, err := resolveEdgeClass(s, e)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, name)
	}

	switch kind {
	case KindAncestors, KindDescendants:
		if len(resolved) == 0 {
			resolved = append(resolved, DefaultTreeEdges...)
		}
		fq.Depth = MaxTravelDepth
		if depth != nil {
			if *depth < 1 || *depth > MaxTravelDepth {
				return nil, kberr.Newf(kberr.Validation,
					"tree query depth must be in [1, %d], got %d", MaxTravelDepth, *depth)
			}
			fq.Depth = *depth
		}
	case KindNeighborhood:
		fq.Depth = MaxNeighbors
		if depth != nil {
			if *depth < 0 || *depth > MaxNeighbors {
				return nil, kberr.Newf(kberr.Validation,
					"neighborhood depth must be in [0, %d], got %d", MaxNeighbors, *depth)
			}
			fq.Depth = *depth
		}
	case KindSimilarTo:
		if len(resolved) > 0 {
			return nil, kberr.Newf(kberr.Validation,
				"similarTo uses a fixed edge set and does not accept edges")
		}
		if depth != nil {
			return nil, kberr.Newf(kberr.Validation, "similarTo does not accept a depth")
		}
	default:
		return nil, kberr.Newf(kberr.Validation, "invalid query type %q", kind).
			WithPayload(map[string]any{"queryType": kind})
	}
	fq.Edges = resolved
	return fq, nil
}

// inner renders the fixed statement without the active-only wrapper. The
// neighborhood form embeds the base filters in its MATCH pattern instead of
// a FROM source, so the base renders in exactly one of the two branches:
// a second render would bind the filter parameters twice and leave the first
// set orphaned in the statement.
func (q *FixedSubquery) inner(p *Params) (string, error) {
	if q.Kind == KindNeighborhood {
		return q.renderNeighborhood(p)
	}
	base, err := q.Base.inner(p)
	if err != nil {
		return "", err
	}
	switch q.Kind {
	case KindAncestors:
		return fmt.Sprintf("TRAVERSE in(%s) FROM (%s) MAXDEPTH %d",
			quoteNames(q.Edges), base, q.Depth), nil
	case KindDescendants:
		return fmt.Sprintf("TRAVERSE out(%s) FROM (%s) MAXDEPTH %d",
			quoteNames(q.Edges), base, q.Depth), nil
	case KindSimilarTo:
		return q.renderSimilarTo(base), nil
	}
	return "", kberr.Newf(kberr.Validation, "invalid query type %q", q.Kind)
}

// Render emits the statement, filtering soft-deleted records unless history
// was requested.
func (q *FixedSubquery) Render(p *Params) (string, error) {
	inner, err := q.inner(p)
	if err != nil {
		return "", err
	}
	if q.History {
		return inner, nil
	}
	return activeOnly(inner), nil
}

// renderNeighborhood emits a pattern match expanding both directions from
// the matching vertices up to the depth bound, returning every distinct
// reachable element.
func (q *FixedSubquery) renderNeighborhood(p *Params) (string, error) {
	if q.Base.Target.Class == "" {
		return "", kberr.Newf(kberr.Validation, "neighborhood queries require a class target")
	}
	seed := fmt.Sprintf("{class: %s", q.Base.Target.Class)
	if q.Base.Filters != nil {
		where, err := q.Base.Filters.Render(p)
		if err != nil {
			return "", err
		}
		seed += fmt.Sprintf(", WHERE: (%s)", where)
	}
	seed += "}"
	return fmt.Sprintf(
		"SELECT expand($pathElements) FROM (MATCH %s.both(%s){WHILE: ($depth < %d)} RETURN DISTINCT $pathElements)",
		seed, quoteNames(q.Edges), q.Depth), nil
}

// renderSimilarTo emits the similarity closure: a disambiguation traversal
// over the fixed alias/cross-reference/deprecation edge set, the union of
// the SubClassOf ancestor and descendant closures of that base, then a
// second disambiguation pass. The store deduplicates by record identifier
// through the final expand.
func (q *FixedSubquery) renderSimilarTo(base string) string {
	disambiguate := func(from string) string {
		return fmt.Sprintf("TRAVERSE both(%s) FROM (%s) MAXDEPTH %d",
			quoteNames(similarityEdges), from, MaxTravelDepth)
	}
	lets := []string{
		fmt.Sprintf("$base = (%s)", disambiguate(base)),
		"$ancestors = (TRAVERSE in('SubClassOf') FROM (SELECT expand($base)))",
		"$descendants = (TRAVERSE out('SubClassOf') FROM (SELECT expand($base)))",
		"$union = (SELECT expand(UNIONALL($ancestors, $descendants)))",
		fmt.Sprintf("$result = (%s)", disambiguate("SELECT expand($union)")),
	}
	return fmt.Sprintf("SELECT expand($result) LET %s", strings.Join(lets, ", "))
}
