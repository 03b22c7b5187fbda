package query

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	return schema.Builtin()
}

func mustRender(t *testing.T, s *schema.Schema, doc map[string]any) Statement {
	t.Helper()
	q, err := Parse(s, doc)
	if err != nil {
		t.Fatalf("failed to parse query: %v", err)
	}
	stmt, err := q.Render()
	if err != nil {
		t.Fatalf("failed to render query: %v", err)
	}
	return stmt
}

// --- basic SELECT compilation ---

func TestRenderFlatFilter(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":  "Disease",
		"filters": map[string]any{"name": "thing"},
	})

	expected := "SELECT * FROM (SELECT * FROM Disease WHERE name = :p0) WHERE deletedAt IS NULL"
	if stmt.SQL != expected {
		t.Errorf("unexpected SQL:\n got: %s\nwant: %s", stmt.SQL, expected)
	}
	if stmt.Params["p0"] != "thing" {
		t.Errorf("expected p0=thing, got %v", stmt.Params["p0"])
	}
	if len(stmt.Params) != 1 {
		t.Errorf("expected a single bound parameter, got %d", len(stmt.Params))
	}
}

func TestRenderNestedClauseWithHistory(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":  "Disease",
		"history": true,
		"filters": map[string]any{
			"AND": []any{
				map[string]any{"name": "thing"},
				map[string]any{"OR": []any{
					map[string]any{"sourceId": "1234"},
					map[string]any{"sourceId": "5678"},
				}},
			},
		},
	})

	expected := "SELECT * FROM Disease WHERE name = :p0 AND (sourceId = :p1 OR sourceId = :p2)"
	if stmt.SQL != expected {
		t.Errorf("unexpected SQL:\n got: %s\nwant: %s", stmt.SQL, expected)
	}
	if stmt.Params["p1"] != "1234" || stmt.Params["p2"] != "5678" {
		t.Errorf("unexpected params: %v", stmt.Params)
	}
}

func TestRenderImplicitANDSortsKeys(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":  "Disease",
		"history": true,
		"filters": map[string]any{"sourceId": "1234", "name": "thing"},
	})

	// Multiple keys on one object form an implicit AND in sorted key order.
	expected := "SELECT * FROM Disease WHERE name = :p0 AND sourceId = :p1"
	if stmt.SQL != expected {
		t.Errorf("unexpected SQL:\n got: %s\nwant: %s", stmt.SQL, expected)
	}
}

func TestRenderNoFilters(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{"target": "Disease"})
	expected := "SELECT * FROM (SELECT * FROM Disease) WHERE deletedAt IS NULL"
	if stmt.SQL != expected {
		t.Errorf("unexpected SQL: %s", stmt.SQL)
	}
}

func TestRenderRIDListTarget(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":  []any{"#14:3", "#14:4"},
		"history": true,
	})
	expected := "SELECT * FROM [#14:3, #14:4]"
	if stmt.SQL != expected {
		t.Errorf("unexpected SQL: %s", stmt.SQL)
	}
}

func TestRenderSubqueryValue(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":  "Statement",
		"history": true,
		"filters": map[string]any{
			"source": map[string]any{
				"target":  "Source",
				"filters": map[string]any{"name": "oncokb"},
			},
		},
	})
	expected := "SELECT * FROM Statement WHERE source IN " +
		"(SELECT * FROM (SELECT * FROM Source WHERE name = :p0) WHERE deletedAt IS NULL)"
	if stmt.SQL != expected {
		t.Errorf("unexpected SQL:\n got: %s\nwant: %s", stmt.SQL, expected)
	}
	if stmt.Params["p0"] != "oncokb" {
		t.Errorf("unexpected params: %v", stmt.Params)
	}
}

func TestRenderEdgeEndpointFilter(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":  "AliasOf",
		"history": true,
		"filters": map[string]any{"out": "#3:4"},
	})
	// On an edge class out and in are the endpoint link properties.
	expected := "SELECT * FROM AliasOf WHERE out = :p0"
	if stmt.SQL != expected {
		t.Errorf("unexpected SQL:\n got: %s\nwant: %s", stmt.SQL, expected)
	}
	if fmt.Sprintf("%v", stmt.Params["p0"]) != "#3:4" {
		t.Errorf("unexpected params: %v", stmt.Params)
	}

	// On a vertex class the bare name still expands adjacency.
	stmt = mustRender(t, s, map[string]any{
		"target":  "Disease",
		"history": true,
		"filters": map[string]any{"out": "#3:4"},
	})
	if !strings.Contains(stmt.SQL, "out() CONTAINS :p0") {
		t.Errorf("expected an adjacency expansion, got %s", stmt.SQL)
	}
}

func TestRenderListValueBindsElements(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":  "Disease",
		"history": true,
		"filters": map[string]any{"name": []any{"cancer", "carcinoma"}},
	})
	expected := "SELECT * FROM Disease WHERE name IN [:p0, :p1]"
	if stmt.SQL != expected {
		t.Errorf("unexpected SQL: %s", stmt.SQL)
	}
}

func TestRenderNullComparison(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":  "Disease",
		"history": true,
		"filters": map[string]any{"sourceId": nil},
	})
	if stmt.SQL != "SELECT * FROM Disease WHERE sourceId IS NULL" {
		t.Errorf("unexpected SQL: %s", stmt.SQL)
	}

	stmt = mustRender(t, s, map[string]any{
		"target":  "Disease",
		"history": true,
		"filters": map[string]any{
			"sourceId": map[string]any{"value": nil, "negate": true},
		},
	})
	if stmt.SQL != "SELECT * FROM Disease WHERE sourceId IS NOT NULL" {
		t.Errorf("unexpected SQL: %s", stmt.SQL)
	}
}

// --- fixed queries ---

func TestRenderAncestors(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":    "Disease",
		"queryType": "ancestors",
		"edges":     []any{"AliasOf"},
		"filters":   map[string]any{"name": "cancer"},
	})
	expected := "SELECT * FROM (TRAVERSE in('AliasOf') FROM (SELECT * FROM Disease WHERE name = :p0) MAXDEPTH 50) WHERE deletedAt IS NULL"
	if stmt.SQL != expected {
		t.Errorf("unexpected SQL:\n got: %s\nwant: %s", stmt.SQL, expected)
	}
}

func TestRenderDescendantsDefaultEdges(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":    "Disease",
		"queryType": "descendants",
		"depth":     3,
		"filters":   map[string]any{"name": "cancer"},
	})
	expected := "SELECT * FROM (TRAVERSE out('SubClassOf') FROM (SELECT * FROM Disease WHERE name = :p0) MAXDEPTH 3) WHERE deletedAt IS NULL"
	if stmt.SQL != expected {
		t.Errorf("unexpected SQL:\n got: %s\nwant: %s", stmt.SQL, expected)
	}
}

func TestRenderNeighborhood(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":    "Disease",
		"queryType": "neighborhood",
		"edges":     []any{"AliasOf"},
		"depth":     2,
		"filters":   map[string]any{"name": "cancer"},
	})
	if !strings.Contains(stmt.SQL, "MATCH {class: Disease, WHERE: (name = :p0)}.both('AliasOf'){WHILE: ($depth < 2)}") {
		t.Errorf("unexpected SQL: %s", stmt.SQL)
	}
	// The base filter binds exactly once; the store rejects statements
	// carrying parameters the SQL never references.
	if len(stmt.Params) != 1 || stmt.Params["p0"] != "cancer" {
		t.Errorf("expected the single bound parameter p0, got %v", stmt.Params)
	}
	if !strings.Contains(stmt.SQL, "RETURN DISTINCT $pathElements") {
		t.Errorf("unexpected SQL: %s", stmt.SQL)
	}
	if !strings.HasSuffix(stmt.SQL, "WHERE deletedAt IS NULL") {
		t.Errorf("expected the active-only wrapper: %s", stmt.SQL)
	}
}

func TestRenderSimilarTo(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":    []any{"#33:0"},
		"queryType": "similarTo",
	})
	for _, fragment := range []string{
		"TRAVERSE both('AliasOf', 'CrossReferenceOf', 'DeprecatedBy', 'ElementOf', 'GeneralizationOf', 'Infers') FROM (SELECT * FROM [#33:0]) MAXDEPTH 50",
		"$ancestors = (TRAVERSE in('SubClassOf') FROM (SELECT expand($base)))",
		"$descendants = (TRAVERSE out('SubClassOf') FROM (SELECT expand($base)))",
		"UNIONALL($ancestors, $descendants)",
		"SELECT expand($result)",
	} {
		if !strings.Contains(stmt.SQL, fragment) {
			t.Errorf("SQL is missing %q:\n%s", fragment, stmt.SQL)
		}
	}
}

func TestFixedQueryValidation(t *testing.T) {
	s := testSchema(t)
	cases := []struct {
		name string
		doc  map[string]any
	}{
		{"unknown kind", map[string]any{"target": "Disease", "queryType": "spider"}},
		{"tree depth too deep", map[string]any{"target": "Disease", "queryType": "ancestors", "depth": 51}},
		{"tree depth zero", map[string]any{"target": "Disease", "queryType": "ancestors", "depth": 0}},
		{"neighborhood too wide", map[string]any{"target": "Disease", "queryType": "neighborhood", "depth": 4}},
		{"similarTo rejects depth", map[string]any{"target": []any{"#3:1"}, "queryType": "similarTo", "depth": 1}},
		{"similarTo rejects edges", map[string]any{"target": []any{"#3:1"}, "queryType": "similarTo", "edges": []any{"AliasOf"}}},
		{"non-edge class", map[string]any{"target": "Disease", "queryType": "ancestors", "edges": []any{"Disease"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(s, tc.doc); !errors.Is(err, kberr.Validation) {
				t.Errorf("expected a validation error, got %v", err)
			}
		})
	}
}

// --- keyword search ---

func TestRenderKeywordSearch(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"queryType": "keyword",
		"keyword":   "KRAS cancer",
	})
	// Keywords are lowercased and sorted.
	if !strings.Contains(stmt.SQL, "(name CONTAINSTEXT :p0 OR sourceId = :p1) AND (name CONTAINSTEXT :p2 OR sourceId = :p3)") {
		t.Errorf("unexpected ontology match: %s", stmt.SQL)
	}
	if stmt.Params["p0"] != "cancer" || stmt.Params["p2"] != "kras" {
		t.Errorf("unexpected params: %v", stmt.Params)
	}
	for _, fragment := range []string{
		"SELECT expand($statements)",
		"$variants = (SELECT * FROM Variant WHERE type IN (SELECT expand($ont)) OR reference1 IN (SELECT expand($ont)) OR reference2 IN (SELECT expand($ont)))",
		"$implicable = (SELECT expand(UNIONALL($ont, $variants)))",
		"impliedBy CONTAINSANY (SELECT expand($implicable))",
		"appliesTo IN (SELECT expand($implicable))",
		"relevance IN (SELECT expand($ont))",
	} {
		if !strings.Contains(stmt.SQL, fragment) {
			t.Errorf("SQL is missing %q:\n%s", fragment, stmt.SQL)
		}
	}
	// Evidence links never participate in the match.
	if strings.Contains(stmt.SQL, "supportedBy") {
		t.Errorf("supportedBy must not participate in keyword matching: %s", stmt.SQL)
	}
	if !strings.HasSuffix(stmt.SQL, "WHERE deletedAt IS NULL") {
		t.Errorf("expected the active-only wrapper: %s", stmt.SQL)
	}
}

func TestKeywordSearchValidation(t *testing.T) {
	s := testSchema(t)
	cases := []struct {
		name string
		doc  map[string]any
	}{
		{"short keyword", map[string]any{"queryType": "keyword", "keyword": "ras"}},
		{"empty keyword", map[string]any{"queryType": "keyword", "keyword": "   "}},
		{"missing keyword", map[string]any{"queryType": "keyword"}},
		{"wrong target", map[string]any{"queryType": "keyword", "keyword": "cancer", "target": "Disease"}},
		{"filters rejected", map[string]any{"queryType": "keyword", "keyword": "cancer", "filters": map[string]any{"name": "x"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(s, tc.doc); !errors.Is(err, kberr.Validation) {
				t.Errorf("expected a validation error, got %v", err)
			}
		})
	}
}

func TestKeywordSearchDeduplicates(t *testing.T) {
	search, err := NewKeywordSearch([]string{"Cancer", "cancer", "CANCER"}, false)
	if err != nil {
		t.Fatalf("failed to build search: %v", err)
	}
	if len(search.Keywords) != 1 || search.Keywords[0] != "cancer" {
		t.Errorf("expected a single lowercase keyword, got %v", search.Keywords)
	}
}

func TestKeywordQueryTargetsStatement(t *testing.T) {
	s := testSchema(t)
	q, err := Parse(s, map[string]any{"queryType": "keyword", "keyword": "cancer"})
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if q.Class() == nil || q.Class().Name != "Statement" {
		t.Errorf("keyword queries validate against Statement, got %v", q.Class())
	}
}

// --- paging, ordering and projection ---

func TestRenderSkipAndLimit(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target": "Disease",
		"skip":   100,
		"limit":  25,
	})
	if !strings.HasSuffix(stmt.SQL, " SKIP 100 LIMIT 25") {
		t.Errorf("unexpected SQL: %s", stmt.SQL)
	}
}

func TestRenderOrderBy(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":           "Disease",
		"orderBy":          "name,sourceId",
		"orderByDirection": "DESC",
	})
	if !strings.HasSuffix(stmt.SQL, " ORDER BY name DESC, sourceId DESC") {
		t.Errorf("unexpected SQL: %s", stmt.SQL)
	}
}

func TestRenderCountIgnoresPaging(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target": "Disease",
		"count":  true,
		"skip":   10,
		"limit":  5,
	})
	expected := "SELECT count(*) AS count FROM (SELECT * FROM (SELECT * FROM Disease) WHERE deletedAt IS NULL)"
	if stmt.SQL != expected {
		t.Errorf("unexpected SQL: %s", stmt.SQL)
	}
}

func TestRenderNeighborsProjection(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":    "Disease",
		"neighbors": 2,
	})
	expected := "SELECT *, @rid, @class, !history, *:{*, @rid, @class, !history, *:{*}} " +
		"FROM (SELECT * FROM (SELECT * FROM Disease) WHERE deletedAt IS NULL)"
	if stmt.SQL != expected {
		t.Errorf("unexpected SQL:\n got: %s\nwant: %s", stmt.SQL, expected)
	}
}

func TestRenderNeighborsKeepsHistoryWhenRequested(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":    "Disease",
		"history":   true,
		"neighbors": 1,
	})
	if strings.Contains(stmt.SQL, "!history") {
		t.Errorf("history projections must keep the history link: %s", stmt.SQL)
	}
}

func TestRenderReturnProperties(t *testing.T) {
	s := testSchema(t)
	stmt := mustRender(t, s, map[string]any{
		"target":           "Disease",
		"returnProperties": "name,sourceId",
	})
	if !strings.HasPrefix(stmt.SQL, "SELECT name, sourceId FROM (") {
		t.Errorf("unexpected SQL: %s", stmt.SQL)
	}
}

func TestWrappingValidation(t *testing.T) {
	s := testSchema(t)
	cases := []struct {
		name string
		doc  map[string]any
	}{
		{"unknown field", map[string]any{"target": "Disease", "bogus": 1}},
		{"negative skip", map[string]any{"target": "Disease", "skip": -1}},
		{"zero limit", map[string]any{"target": "Disease", "limit": 0}},
		{"limit too large", map[string]any{"target": "Disease", "limit": MaxLimit + 1}},
		{"too many neighbors", map[string]any{"target": "Disease", "neighbors": MaxNeighbors + 1}},
		{"bad order direction", map[string]any{"target": "Disease", "orderBy": "name", "orderByDirection": "sideways"}},
		{"unknown order property", map[string]any{"target": "Disease", "orderBy": "bogus"}},
		{"neighbors with returnProperties", map[string]any{"target": "Disease", "neighbors": 1, "returnProperties": "name"}},
		{"embedded target", map[string]any{"target": "GenomicPosition"}},
		{"unknown class", map[string]any{"target": "NotAClass"}},
		{"bad rid", map[string]any{"target": []any{"14:x"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(s, tc.doc); !errors.Is(err, kberr.Validation) {
				t.Errorf("expected a validation error, got %v", err)
			}
		})
	}
}

// --- params and display ---

func TestParamsNumbering(t *testing.T) {
	p := NewParams()
	if got := p.Add("a"); got != ":p0" {
		t.Errorf("expected :p0, got %s", got)
	}
	if got := p.Add(2); got != ":p1" {
		t.Errorf("expected :p1, got %s", got)
	}
	values := p.Values()
	if values["p0"] != "a" || values["p1"] != 2 {
		t.Errorf("unexpected values: %v", values)
	}
}

func TestDisplaySQLSubstitutesLongestFirst(t *testing.T) {
	stmt := Statement{
		SQL:    "SELECT * FROM Disease WHERE name = :p10 AND sourceId = :p1",
		Params: map[string]any{"p1": "narrow", "p10": "wide"},
	}
	display := stmt.DisplaySQL()
	if !strings.Contains(display, "name = 'wide'") {
		t.Errorf(":p10 was clobbered by :p1: %s", display)
	}
	if !strings.Contains(display, "sourceId = 'narrow'") {
		t.Errorf("expected :p1 substitution: %s", display)
	}
}

func TestDisplaySQLEscapesQuotes(t *testing.T) {
	stmt := Statement{
		SQL:    "SELECT * FROM Disease WHERE name = :p0",
		Params: map[string]any{"p0": "crohn's disease"},
	}
	if !strings.Contains(stmt.DisplaySQL(), `'crohn\'s disease'`) {
		t.Errorf("unexpected display: %s", stmt.DisplaySQL())
	}
}
