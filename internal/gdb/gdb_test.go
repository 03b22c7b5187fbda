package gdb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
	"github.com/graphkb/graphkb/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockSession records every command and answers through a scripted handler.
type mockSession struct {
	commands []string
	params   []map[string]any
	respond  func(sql string, params map[string]any) ([]model.Record, error)
	closed   bool
}

func (m *mockSession) Command(_ context.Context, sql string, params map[string]any) ([]model.Record, error) {
	m.commands = append(m.commands, sql)
	m.params = append(m.params, params)
	if m.respond != nil {
		return m.respond(sql, params)
	}
	return nil, nil
}

func (m *mockSession) Close() error {
	m.closed = true
	return nil
}

func record(rid string, fields map[string]any) model.Record {
	r := model.Record{"@rid": rid}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// --- pool ---

func TestPoolReusesSessions(t *testing.T) {
	var opened int32
	pool := NewPool(2, func() (Session, error) {
		atomic.AddInt32(&opened, 1)
		return &mockSession{}, nil
	})
	ctx := context.Background()

	s1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	pool.Release(s1)
	s2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	if s1 != s2 {
		t.Error("expected the released session to be reused")
	}
	if atomic.LoadInt32(&opened) != 1 {
		t.Errorf("expected one session open, got %d", opened)
	}
	pool.Release(s2)
	pool.Close()
	if !s1.(*mockSession).closed {
		t.Error("expected Close to close idle sessions")
	}
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	pool := NewPool(1, func() (Session, error) { return &mockSession{}, nil })
	ctx := context.Background()
	s, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(short); !errors.Is(err, kberr.DatabaseConnection) {
		t.Errorf("expected a connection error at capacity, got %v", err)
	}
	pool.Release(s)
	if _, err := pool.Acquire(ctx); err != nil {
		t.Errorf("failed to acquire after release: %v", err)
	}
}

func TestPoolDiscardsFailedSessions(t *testing.T) {
	var opened int32
	pool := NewPool(1, func() (Session, error) {
		atomic.AddInt32(&opened, 1)
		return &mockSession{respond: func(string, map[string]any) ([]model.Record, error) {
			return nil, kberr.New(kberr.DatabaseConnection, "connection reset")
		}}, nil
	})
	ctx := context.Background()
	if _, err := pool.Command(ctx, "SELECT 1", nil); !errors.Is(err, kberr.DatabaseConnection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	// The slot must be free again for a replacement.
	if _, err := pool.Command(ctx, "SELECT 1", nil); !errors.Is(err, kberr.DatabaseConnection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if atomic.LoadInt32(&opened) != 2 {
		t.Errorf("expected a fresh session per failure, got %d opens", opened)
	}
}

func TestPoolRecyclesOnQueryErrors(t *testing.T) {
	var opened int32
	pool := NewPool(1, func() (Session, error) {
		atomic.AddInt32(&opened, 1)
		return &mockSession{respond: func(string, map[string]any) ([]model.Record, error) {
			return nil, kberr.New(kberr.Validation, "bad statement")
		}}, nil
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := pool.Command(ctx, "SELECT", nil); !errors.Is(err, kberr.Validation) {
			t.Fatalf("expected a validation error, got %v", err)
		}
	}
	if atomic.LoadInt32(&opened) != 1 {
		t.Errorf("validation errors must not discard the session, got %d opens", opened)
	}
}

// --- error translation ---

func TestTranslateError(t *testing.T) {
	cases := []struct {
		message string
		status  int
		kind    kberr.Kind
	}{
		{"com.orientechnologies.orient.core.storage.ORecordDuplicatedException: found duplicated key", 500, kberr.RecordExists},
		{"OCommandSQLParsingException: Error parsing query", 500, kberr.Validation},
		{"OValidationException: The field 'User.name' cannot be null", 500, kberr.Validation},
		{"OSecurityAccessException: User 'reader' does not have permission", 500, kberr.Permission},
		{"ORecordNotFoundException: The record #3:99 was not found", 404, kberr.NoRecordFound},
		{"bad credentials", 401, kberr.Authentication},
		{"something unexpected", 500, kberr.DatabaseConnection},
	}
	for _, tc := range cases {
		err := translateError(tc.status, tc.message)
		if !errors.Is(err, tc.kind) {
			t.Errorf("%q: expected %s, got %v", tc.message, tc.kind, err)
		}
	}
}

func TestTranslateErrorKeepsFirstLine(t *testing.T) {
	err := translateError(500, "ORecordDuplicatedException: dup\n\tat com.orientechnologies...")
	if strings.Contains(err.Error(), "at com.orientechnologies") {
		t.Errorf("stack trace should be trimmed: %v", err)
	}
}

// --- migration ---

func TestMigrateCreatesMissingClasses(t *testing.T) {
	sc := schema.Builtin()
	// The live database only has the bare graph roots.
	session := &mockSession{respond: func(sql string, _ map[string]any) ([]model.Record, error) {
		if strings.Contains(sql, "metadata:schema") {
			return []model.Record{
				{"name": "V", "abstract": false, "properties": []any{}},
				{"name": "E", "abstract": false, "properties": []any{}},
			}, nil
		}
		return nil, nil
	}}
	if err := Migrate(context.Background(), session, sc, testLogger()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	var sawDiseaseClass, recreatedV bool
	diseaseIndex, createdByIndex, lastClass := -1, -1, -1
	classIndex := make(map[string]int)
	for i, cmd := range session.commands {
		switch {
		case cmd == "CREATE CLASS Disease EXTENDS Ontology":
			sawDiseaseClass = true
		case strings.HasPrefix(cmd, "CREATE INDEX Disease.active ON Disease ("):
			diseaseIndex = i
			if !strings.Contains(cmd, "deletedAt) UNIQUE") {
				t.Errorf("active index must include deletedAt and be unique: %s", cmd)
			}
			if !strings.Contains(cmd, "source, sourceId, name, sourceIdVersion") {
				t.Errorf("the index must cover the inherited active properties: %s", cmd)
			}
		case strings.HasPrefix(cmd, "CREATE INDEX Ontology.active"):
			t.Errorf("abstract classes hold no records and need no index: %s", cmd)
		case strings.HasPrefix(cmd, "CREATE PROPERTY V.createdBy LINK User"):
			createdByIndex = i
		case cmd == "CREATE CLASS V" || strings.HasPrefix(cmd, "CREATE CLASS V "):
			recreatedV = true
		}
		if strings.HasPrefix(cmd, "CREATE CLASS ") {
			name := strings.Fields(cmd)[2]
			classIndex[name] = i
			lastClass = i
		}
	}
	if !sawDiseaseClass {
		t.Error("expected Disease to be created extending Ontology")
	}
	if diseaseIndex < 0 {
		t.Error("expected the Disease active-constraint index")
	}
	if createdByIndex < 0 {
		t.Error("expected missing properties to be added to the existing V class")
	}
	if recreatedV {
		t.Error("V already exists and must not be recreated")
	}
	if classIndex["Ontology"] >= classIndex["Disease"] {
		t.Error("parents must be created before their subclasses")
	}
	// The bookkeeping links on V point at subclasses of V itself, so link
	// properties can only be created once every class exists.
	if createdByIndex < lastClass {
		t.Error("link properties must be created after every class exists")
	}
	if diseaseIndex < createdByIndex {
		t.Error("indexes over link properties must come after the link properties")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	sc := schema.Builtin()
	// Report every class as already present with every property.
	session := &mockSession{respond: func(sql string, _ map[string]any) ([]model.Record, error) {
		if !strings.Contains(sql, "metadata:schema") {
			return nil, nil
		}
		var records []model.Record
		for _, c := range sc.Classes() {
			var props []any
			for _, p := range c.QueryProperties() {
				props = append(props, map[string]any{
					"name": p.Name, "type": ddlTypes[p.Type],
				})
			}
			records = append(records, model.Record{
				"name": c.Name, "abstract": c.IsAbstract, "properties": props,
			})
		}
		return records, nil
	}}
	if err := Migrate(context.Background(), session, sc, testLogger()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	for _, cmd := range session.commands[1:] {
		t.Errorf("no DDL expected against a migrated database, got: %s", cmd)
	}
}

// --- admin seeding ---

func TestSeedAdminCreatesUserAndGroups(t *testing.T) {
	sc := schema.Builtin()
	session := &mockSession{respond: func(sql string, params map[string]any) ([]model.Record, error) {
		switch {
		case strings.HasPrefix(sql, "SELECT * FROM User"):
			return nil, nil
		case strings.HasPrefix(sql, "SELECT * FROM UserGroup"):
			return nil, nil
		case strings.HasPrefix(sql, "INSERT INTO User "):
			return []model.Record{record("#5:0", params)}, nil
		case strings.HasPrefix(sql, "INSERT INTO UserGroup"):
			return []model.Record{record("#6:0", params)}, nil
		}
		return nil, nil
	}}
	if err := SeedAdmin(context.Background(), session, sc, "graphkb_admin", "secret", testLogger()); err != nil {
		t.Fatalf("seeding failed: %v", err)
	}

	var selfRef, groupAssign, groupInserts int
	for _, cmd := range session.commands {
		switch {
		case cmd == "UPDATE #5:0 SET createdBy = #5:0":
			selfRef++
		case strings.HasPrefix(cmd, "UPDATE #5:0 SET groups = "):
			groupAssign++
		case strings.HasPrefix(cmd, "INSERT INTO UserGroup"):
			groupInserts++
		}
	}
	if selfRef != 1 {
		t.Error("the first user must self-reference as its creator")
	}
	if groupInserts != 3 {
		t.Errorf("expected the admin/regular/readonly groups, got %d inserts", groupInserts)
	}
	if groupAssign != 1 {
		t.Error("expected the admin user to join the admin group")
	}

	// The stored password must be a bcrypt hash of the given secret.
	for i, cmd := range session.commands {
		if strings.HasPrefix(cmd, "INSERT INTO User ") {
			hash, _ := session.params[i]["p3"].(string)
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
				t.Errorf("stored password does not verify: %v", err)
			}
		}
	}
}

func TestSeedAdminIsIdempotent(t *testing.T) {
	sc := schema.Builtin()
	session := &mockSession{respond: func(sql string, params map[string]any) ([]model.Record, error) {
		switch {
		case strings.HasPrefix(sql, "SELECT * FROM User"):
			return []model.Record{record("#5:0", nil)}, nil
		case strings.HasPrefix(sql, "SELECT * FROM UserGroup"):
			return []model.Record{record("#6:0", nil)}, nil
		}
		return nil, nil
	}}
	if err := SeedAdmin(context.Background(), session, sc, "graphkb_admin", "secret", testLogger()); err != nil {
		t.Fatalf("seeding failed: %v", err)
	}
	for _, cmd := range session.commands {
		if strings.HasPrefix(cmd, "INSERT") || strings.HasPrefix(cmd, "UPDATE") {
			t.Errorf("no writes expected against a seeded database, got: %s", cmd)
		}
	}
}
