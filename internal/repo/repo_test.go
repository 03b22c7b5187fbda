package repo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
	"github.com/graphkb/graphkb/internal/schema"
)

// mockStore records every statement and answers through a scripted handler.
type mockStore struct {
	commands []string
	params   []map[string]any
	respond  func(sql string, params map[string]any) ([]model.Record, error)
}

func (m *mockStore) Command(_ context.Context, sql string, params map[string]any) ([]model.Record, error) {
	m.commands = append(m.commands, sql)
	m.params = append(m.params, params)
	if m.respond != nil {
		return m.respond(sql, params)
	}
	return nil, nil
}

func testRepo(store *mockStore) *Repo {
	return New(schema.Builtin(), store,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func adminUser() *model.User {
	return &model.User{
		RID:  model.RID{Cluster: 5, Position: 0},
		Name: "admin",
		Groups: []model.UserGroup{{
			RID:  model.RID{Cluster: 6, Position: 0},
			Name: "admin",
			Permissions: map[string]model.Permission{
				"V": model.PermAll, "E": model.PermAll,
			},
		}},
	}
}

func readonlyUser() *model.User {
	return &model.User{
		RID:  model.RID{Cluster: 5, Position: 1},
		Name: "reader",
		Groups: []model.UserGroup{{
			RID:  model.RID{Cluster: 6, Position: 2},
			Name: "readonly",
			Permissions: map[string]model.Permission{
				"V": model.PermRead, "E": model.PermRead,
			},
		}},
	}
}

// --- queries ---

func TestQueryChecksPermissions(t *testing.T) {
	store := &mockStore{}
	r := testRepo(store)
	nobody := &model.User{Name: "nobody"}
	_, err := r.Query(context.Background(), nobody, map[string]any{"target": "Disease"})
	if !errors.Is(err, kberr.Permission) {
		t.Errorf("expected a permission error, got %v", err)
	}
	if len(store.commands) != 0 {
		t.Error("no statement should reach the store")
	}
}

func TestQueryTrimsResults(t *testing.T) {
	store := &mockStore{respond: func(string, map[string]any) ([]model.Record, error) {
		return []model.Record{
			{"@rid": "#14:1", "@class": "User", "name": "alice", "password": "hash"},
			{"@rid": "#14:2", "@class": "Disease", "name": "hidden",
				"groupRestrictions": []any{"#6:99"}},
		}, nil
	}}
	r := testRepo(store)
	records, err := r.Query(context.Background(), adminUser(), map[string]any{"target": "V"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the restricted record to be dropped, got %d records", len(records))
	}
	if _, ok := records[0]["password"]; ok {
		t.Error("password must never leave the repository")
	}
	if records[0]["name"] != "alice" {
		t.Errorf("unexpected record: %v", records[0])
	}
}

func TestQueryPrunesDeletedNeighbours(t *testing.T) {
	store := &mockStore{respond: func(string, map[string]any) ([]model.Record, error) {
		return []model.Record{{
			"@rid": "#14:1", "@class": "Disease", "name": "cancer",
			"source": map[string]any{
				"@rid": "#20:0", "@class": "Source", "name": "old", "deletedAt": int64(5),
			},
			"out_AliasOf": []any{
				map[string]any{"@rid": "#30:1", "@class": "AliasOf", "deletedAt": int64(5)},
				map[string]any{"@rid": "#30:2", "@class": "AliasOf"},
			},
		}}, nil
	}}
	r := testRepo(store)
	records, err := r.Query(context.Background(), adminUser(),
		map[string]any{"target": "Disease", "neighbors": 1})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	record := records[0]
	if record["source"] != "#20:0" {
		t.Errorf("deleted linked record must collapse to its identifier, got %v", record["source"])
	}
	edges, _ := record["out_AliasOf"].([]any)
	if len(edges) != 1 {
		t.Fatalf("deleted list entries must be pruned, got %v", record["out_AliasOf"])
	}
}

func TestQueryKeepsDeletedNeighboursWithHistory(t *testing.T) {
	store := &mockStore{respond: func(string, map[string]any) ([]model.Record, error) {
		return []model.Record{{
			"@rid": "#14:1", "@class": "Disease",
			"source": map[string]any{"@rid": "#20:0", "@class": "Source", "deletedAt": int64(5)},
		}}, nil
	}}
	r := testRepo(store)
	records, err := r.Query(context.Background(), adminUser(),
		map[string]any{"target": "Disease", "history": true, "neighbors": 1})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if _, ok := records[0]["source"].(model.Record); !ok {
		t.Errorf("history queries keep deleted neighbours, got %T", records[0]["source"])
	}
}

func TestGetExactlyOne(t *testing.T) {
	rid := model.RID{Cluster: 14, Position: 3}
	sc := schema.Builtin()
	disease, _ := sc.Get("Disease")

	store := &mockStore{}
	r := testRepo(store)
	if _, err := r.Get(context.Background(), adminUser(), disease, rid, GetOptions{}); !errors.Is(err, kberr.NoRecordFound) {
		t.Errorf("expected no-record error, got %v", err)
	}

	store = &mockStore{respond: func(string, map[string]any) ([]model.Record, error) {
		return []model.Record{
			{"@rid": "#14:3", "@class": "Disease"},
			{"@rid": "#14:4", "@class": "Disease"},
		}, nil
	}}
	r = testRepo(store)
	if _, err := r.Get(context.Background(), adminUser(), disease, rid, GetOptions{}); !errors.Is(err, kberr.MultipleRecordsFound) {
		t.Errorf("expected multiple-records error, got %v", err)
	}

	// A record from an unrelated class does not satisfy the route class.
	store = &mockStore{respond: func(string, map[string]any) ([]model.Record, error) {
		return []model.Record{{"@rid": "#14:3", "@class": "Source"}}, nil
	}}
	r = testRepo(store)
	if _, err := r.Get(context.Background(), adminUser(), disease, rid, GetOptions{}); !errors.Is(err, kberr.NoRecordFound) {
		t.Errorf("expected no-record error for a class mismatch, got %v", err)
	}
}

func TestSelectFromListOrdersAndVerifies(t *testing.T) {
	store := &mockStore{respond: func(string, map[string]any) ([]model.Record, error) {
		return []model.Record{
			{"@rid": "#14:2", "@class": "Disease"},
			{"@rid": "#14:1", "@class": "Disease"},
		}, nil
	}}
	r := testRepo(store)
	rids := []model.RID{{Cluster: 14, Position: 1}, {Cluster: 14, Position: 2}}
	records, err := r.SelectFromList(context.Background(), adminUser(), rids, false)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if records[0].RID().String() != "#14:1" || records[1].RID().String() != "#14:2" {
		t.Errorf("records must come back in the requested order: %v", records)
	}

	store = &mockStore{respond: func(string, map[string]any) ([]model.Record, error) {
		return []model.Record{{"@rid": "#14:1", "@class": "Disease"}}, nil
	}}
	r = testRepo(store)
	if _, err := r.SelectFromList(context.Background(), adminUser(), rids, false); !errors.Is(err, kberr.NoRecordFound) {
		t.Errorf("expected no-record error for a short result, got %v", err)
	}
}

// --- create ---

func TestCreateChecksActiveConstraint(t *testing.T) {
	store := &mockStore{respond: func(sql string, _ map[string]any) ([]model.Record, error) {
		if strings.HasPrefix(sql, "SELECT * FROM Disease WHERE") {
			return []model.Record{{"@rid": "#14:9", "@class": "Disease"}}, nil
		}
		return nil, nil
	}}
	r := testRepo(store)
	sc := r.Schema()
	disease, _ := sc.Get("Disease")
	_, err := r.Create(context.Background(), adminUser(), disease, model.Record{
		"name": "cancer", "sourceId": "doid:1234", "source": "#20:0",
	})
	if !errors.Is(err, kberr.RecordExists) {
		t.Fatalf("expected a record-exists error, got %v", err)
	}
	for _, cmd := range store.commands {
		if strings.HasPrefix(cmd, "INSERT") {
			t.Error("nothing must be written after an active-index collision")
		}
	}
	check := store.commands[0]
	if !strings.Contains(check, "sourceIdVersion IS NULL") || !strings.Contains(check, "deletedAt IS NULL") {
		t.Errorf("the collision check must cover the whole active index: %s", check)
	}
}

func TestCreateInsertsFormattedRecord(t *testing.T) {
	store := &mockStore{respond: func(sql string, params map[string]any) ([]model.Record, error) {
		if strings.HasPrefix(sql, "INSERT INTO Disease") {
			return []model.Record{{"@rid": "#14:10", "@class": "Disease", "name": "cancer"}}, nil
		}
		return nil, nil
	}}
	r := testRepo(store)
	disease, _ := r.Schema().Get("Disease")
	created, err := r.Create(context.Background(), adminUser(), disease, model.Record{
		"name": "Cancer", "sourceId": "DOID:1234", "source": "#20:0",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.RID().String() != "#14:10" {
		t.Errorf("unexpected created record: %v", created)
	}

	var insert string
	var insertParams map[string]any
	for i, cmd := range store.commands {
		if strings.HasPrefix(cmd, "INSERT INTO Disease SET ") {
			insert = cmd
			insertParams = store.params[i]
		}
	}
	if insert == "" {
		t.Fatal("expected an insert statement")
	}
	if !strings.HasSuffix(insert, " RETURN @this") {
		t.Errorf("inserts must return the stored record: %s", insert)
	}
	if !strings.Contains(insert, "createdBy = #5:0") {
		t.Errorf("createdBy must be the acting user: %s", insert)
	}
	if !strings.Contains(insert, "source = #20:0") {
		t.Errorf("links are rendered as identifiers: %s", insert)
	}
	// The lowercase cast applies before the write.
	var sawName bool
	for _, v := range insertParams {
		if v == "cancer" {
			sawName = true
		}
		if v == "Cancer" {
			t.Error("name must be lowercased by its cast")
		}
	}
	if !sawName {
		t.Errorf("expected the cast name among the parameters: %v", insertParams)
	}
}

func TestCreateRejectsAbstractAndEdgeClasses(t *testing.T) {
	r := testRepo(&mockStore{})
	ontology, _ := r.Schema().Get("Ontology")
	if _, err := r.Create(context.Background(), adminUser(), ontology, model.Record{}); !errors.Is(err, kberr.Validation) {
		t.Errorf("expected a validation error for an abstract class, got %v", err)
	}
	alias, _ := r.Schema().Get("AliasOf")
	if _, err := r.Create(context.Background(), adminUser(), alias, model.Record{}); !errors.Is(err, kberr.Validation) {
		t.Errorf("expected a validation error for an edge class, got %v", err)
	}
}

func TestCreateRequiresPermission(t *testing.T) {
	r := testRepo(&mockStore{})
	disease, _ := r.Schema().Get("Disease")
	_, err := r.Create(context.Background(), readonlyUser(), disease, model.Record{
		"name": "cancer", "sourceId": "doid:1234", "source": "#20:0",
	})
	if !errors.Is(err, kberr.Permission) {
		t.Errorf("expected a permission error, got %v", err)
	}
}

// --- edges ---

func TestCreateEdge(t *testing.T) {
	store := &mockStore{respond: func(sql string, _ map[string]any) ([]model.Record, error) {
		switch {
		case strings.HasPrefix(sql, "SELECT * FROM (SELECT * FROM [#14:1])"):
			return []model.Record{{"@rid": "#14:1", "@class": "Disease"}}, nil
		case strings.HasPrefix(sql, "SELECT * FROM (SELECT * FROM [#14:2])"):
			return []model.Record{{"@rid": "#14:2", "@class": "Disease"}}, nil
		case strings.HasPrefix(sql, "CREATE EDGE AliasOf FROM #14:1 TO #14:2"):
			return []model.Record{{"@rid": "#30:0", "@class": "AliasOf"}}, nil
		}
		return nil, nil
	}}
	r := testRepo(store)
	alias, _ := r.Schema().Get("AliasOf")
	edge, err := r.CreateEdge(context.Background(), adminUser(), alias, model.Record{
		"out": "#14:1", "in": "#14:2",
	})
	if err != nil {
		t.Fatalf("edge creation failed: %v", err)
	}
	if edge.RID().String() != "#30:0" {
		t.Errorf("unexpected edge: %v", edge)
	}
}

func TestCreateEdgeRejectsSelfLink(t *testing.T) {
	r := testRepo(&mockStore{})
	alias, _ := r.Schema().Get("AliasOf")
	_, err := r.CreateEdge(context.Background(), adminUser(), alias, model.Record{
		"out": "#14:1", "in": "#14:1",
	})
	if !errors.Is(err, kberr.Validation) {
		t.Errorf("expected a validation error, got %v", err)
	}
}

// --- update ---

func TestUpdateKeepsHistoryCopy(t *testing.T) {
	current := model.Record{
		"@rid": "#14:3", "@class": "Disease",
		"name": "cancer", "sourceId": "doid:1234", "source": "#20:0",
		"uuid": "u-1", "createdAt": int64(1000), "createdBy": "#5:0",
	}
	store := &mockStore{respond: func(sql string, _ map[string]any) ([]model.Record, error) {
		switch {
		case strings.HasPrefix(sql, "SELECT * FROM (SELECT * FROM [#14:3])"):
			return []model.Record{current.Clone()}, nil
		case strings.HasPrefix(sql, "SELECT * FROM Disease WHERE"):
			return nil, nil // no active-index collision
		case strings.HasPrefix(sql, "INSERT INTO Disease"):
			return []model.Record{{"@rid": "#14:99", "@class": "Disease"}}, nil
		}
		return nil, nil
	}}
	r := testRepo(store)
	rid := model.RID{Cluster: 14, Position: 3}
	if _, err := r.Update(context.Background(), adminUser(), rid, model.Record{"name": "carcinoma"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	var copyInsert, update string
	var copyParams map[string]any
	for i, cmd := range store.commands {
		switch {
		case strings.HasPrefix(cmd, "INSERT INTO Disease"):
			copyInsert = cmd
			copyParams = store.params[i]
		case strings.HasPrefix(cmd, "UPDATE #14:3 SET"):
			update = cmd
		}
	}
	if copyInsert == "" {
		t.Fatal("expected the previous version to be copied")
	}
	if !strings.Contains(copyInsert, "deletedAt = ") {
		t.Errorf("the history copy must be marked deleted: %s", copyInsert)
	}
	var copiedName bool
	for _, v := range copyParams {
		if v == "cancer" {
			copiedName = true
		}
	}
	if !copiedName {
		t.Errorf("the copy must carry the previous field values: %v", copyParams)
	}
	if update == "" {
		t.Fatal("expected the live record to be rewritten")
	}
	if !strings.Contains(update, "history = #14:99") {
		t.Errorf("the live record must link its previous version: %s", update)
	}
}

func TestUpdateRejectsEdges(t *testing.T) {
	store := &mockStore{respond: func(sql string, _ map[string]any) ([]model.Record, error) {
		return []model.Record{{"@rid": "#30:0", "@class": "AliasOf", "out": "#14:1", "in": "#14:2"}}, nil
	}}
	r := testRepo(store)
	rid := model.RID{Cluster: 30, Position: 0}
	_, err := r.Update(context.Background(), adminUser(), rid, model.Record{"comment": "x"})
	if !errors.Is(err, kberr.NotImplemented) {
		t.Errorf("expected a not-implemented error, got %v", err)
	}
}

func TestUpdateChecksActiveCollision(t *testing.T) {
	store := &mockStore{respond: func(sql string, _ map[string]any) ([]model.Record, error) {
		switch {
		case strings.HasPrefix(sql, "SELECT * FROM (SELECT * FROM [#14:3])"):
			return []model.Record{{
				"@rid": "#14:3", "@class": "Disease",
				"name": "cancer", "sourceId": "doid:1234", "source": "#20:0",
			}}, nil
		case strings.HasPrefix(sql, "SELECT * FROM Disease WHERE"):
			// Another live record already holds the target name.
			return []model.Record{{"@rid": "#14:8", "@class": "Disease"}}, nil
		}
		return nil, nil
	}}
	r := testRepo(store)
	rid := model.RID{Cluster: 14, Position: 3}
	_, err := r.Update(context.Background(), adminUser(), rid, model.Record{"name": "carcinoma"})
	if !errors.Is(err, kberr.RecordExists) {
		t.Errorf("expected a record-exists error, got %v", err)
	}
}

// --- delete ---

func TestDeleteSoftDeletesVertices(t *testing.T) {
	store := &mockStore{respond: func(sql string, _ map[string]any) ([]model.Record, error) {
		if strings.HasPrefix(sql, "SELECT * FROM (SELECT * FROM [#14:3])") {
			return []model.Record{{"@rid": "#14:3", "@class": "Disease", "name": "cancer"}}, nil
		}
		return nil, nil
	}}
	r := testRepo(store)
	rid := model.RID{Cluster: 14, Position: 3}
	deleted, err := r.Delete(context.Background(), adminUser(), rid)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !deleted.Deleted() {
		t.Error("the returned record must carry the deletion stamp")
	}
	var softDelete bool
	for _, cmd := range store.commands {
		if strings.HasPrefix(cmd, "UPDATE #14:3 SET deletedAt = ") &&
			strings.Contains(cmd, "deletedBy = #5:0") {
			softDelete = true
		}
		if strings.HasPrefix(cmd, "DELETE") {
			t.Errorf("records are never hard-deleted: %s", cmd)
		}
	}
	if !softDelete {
		t.Error("expected a soft-delete update")
	}
}

func TestDeleteEdgeVersionsEndpoints(t *testing.T) {
	inserts := 0
	store := &mockStore{respond: func(sql string, _ map[string]any) ([]model.Record, error) {
		switch {
		case strings.HasPrefix(sql, "SELECT * FROM (SELECT * FROM [#30:0])"):
			return []model.Record{{
				"@rid": "#30:0", "@class": "AliasOf", "out": "#14:1", "in": "#14:2",
			}}, nil
		case strings.HasPrefix(sql, "SELECT * FROM (SELECT * FROM [#14:1])"):
			return []model.Record{{"@rid": "#14:1", "@class": "Disease", "name": "a"}}, nil
		case strings.HasPrefix(sql, "SELECT * FROM (SELECT * FROM [#14:2])"):
			return []model.Record{{"@rid": "#14:2", "@class": "Disease", "name": "b"}}, nil
		case strings.HasPrefix(sql, "INSERT INTO Disease"):
			inserts++
			rid := model.RID{Cluster: 14, Position: int64(49 + inserts)}
			return []model.Record{{"@rid": rid.String(), "@class": "Disease"}}, nil
		}
		return nil, nil
	}}
	r := testRepo(store)
	rid := model.RID{Cluster: 30, Position: 0}
	deleted, err := r.Delete(context.Background(), adminUser(), rid)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	var copies, links, repoints int
	for _, cmd := range store.commands {
		if strings.HasPrefix(cmd, "INSERT INTO Disease") {
			copies++
		}
		if strings.HasPrefix(cmd, "UPDATE #14:1 SET history = #14:50") ||
			strings.HasPrefix(cmd, "UPDATE #14:2 SET history = #14:51") {
			links++
		}
		if strings.HasPrefix(cmd, "UPDATE #30:0 SET out = #14:50, in = #14:51") {
			repoints++
		}
	}
	if copies != 2 {
		t.Errorf("expected both endpoints to be copied, got %d", copies)
	}
	if links != 2 {
		t.Errorf("expected both endpoints to link their snapshots, got %d", links)
	}
	// The deleted edge rebinds to the snapshots so it keeps referencing the
	// state its endpoints had while the link was live.
	if repoints != 1 {
		t.Errorf("expected the deleted edge to repoint at the snapshots: %v", store.commands)
	}
	if out, ok := deleted["out"].(model.RID); !ok || out.String() != "#14:50" {
		t.Errorf("the returned edge must carry the snapshot endpoints, got %v", deleted["out"])
	}
	if in, ok := deleted["in"].(model.RID); !ok || in.String() != "#14:51" {
		t.Errorf("the returned edge must carry the snapshot endpoints, got %v", deleted["in"])
	}
}

// --- counts ---

func TestSelectCounts(t *testing.T) {
	store := &mockStore{respond: func(sql string, _ map[string]any) ([]model.Record, error) {
		if strings.Contains(sql, "GROUP BY source") {
			return []model.Record{
				{"source": "#20:0", "count": int64(5)},
				{"source": nil, "count": int64(2)},
			}, nil
		}
		return []model.Record{{"count": int64(7)}}, nil
	}}
	r := testRepo(store)
	counts, err := r.SelectCounts(context.Background(), adminUser(), CountOptions{
		Classes: []string{"Disease"}, ActiveOnly: true,
	})
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts["Disease"] != int64(7) {
		t.Errorf("unexpected counts: %v", counts)
	}
	if !strings.Contains(store.commands[0], "WHERE deletedAt IS NULL") {
		t.Errorf("activeOnly must filter deleted records: %s", store.commands[0])
	}

	grouped, err := r.SelectCounts(context.Background(), adminUser(), CountOptions{
		Classes: []string{"Statement"}, GroupBySource: true,
	})
	if err != nil {
		t.Fatalf("grouped counts failed: %v", err)
	}
	bySource, ok := grouped["Statement"].(map[string]int64)
	if !ok {
		t.Fatalf("expected a per-source breakdown, got %T", grouped["Statement"])
	}
	if bySource["#20:0"] != 5 || bySource["null"] != 2 {
		t.Errorf("unexpected breakdown: %v", bySource)
	}
}

// --- decycle ---

func TestDecycle(t *testing.T) {
	inner := map[string]any{"@rid": "#14:1", "@class": "Disease", "name": "a"}
	outer := model.Record{
		"@rid": "#14:2", "@class": "Disease", "name": "b",
		"linked": inner,
	}
	inner["back"] = map[string]any{"@rid": "#14:2", "@class": "Disease"}

	out := Decycle(outer)
	linked, ok := out["linked"].(model.Record)
	if !ok {
		t.Fatalf("expected the nested record to survive, got %T", out["linked"])
	}
	if linked["back"] != "#14:2" {
		t.Errorf("the cycle must collapse to an identifier, got %v", linked["back"])
	}
}
