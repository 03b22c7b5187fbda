// Package repo implements the record operations over the graph store: query
// execution with result trimming, create/update/delete with history copies,
// class counts, and keyword search.
package repo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/graphkb/graphkb/internal/auth"
	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
	"github.com/graphkb/graphkb/internal/query"
	"github.com/graphkb/graphkb/internal/schema"
)

// Store runs statements against the graph database. Satisfied by the session
// pool.
type Store interface {
	Command(ctx context.Context, sql string, params map[string]any) ([]model.Record, error)
}

// Repo exposes the record operations.
type Repo struct {
	schema *schema.Schema
	store  Store
	log    *slog.Logger
}

// New builds a repository over the store.
func New(sc *schema.Schema, store Store, log *slog.Logger) *Repo {
	return &Repo{schema: sc, store: store, log: log}
}

// Schema returns the class registry the repository validates against.
func (r *Repo) Schema() *schema.Schema { return r.schema }

// Query compiles and runs a query document, returning the trimmed results.
func (r *Repo) Query(ctx context.Context, user *model.User, doc map[string]any) ([]model.Record, error) {
	q, err := query.Parse(r.schema, doc)
	if err != nil {
		return nil, err
	}
	if err := auth.CheckClassPermission(user, q.Class(), schema.OpGet); err != nil {
		return nil, err
	}
	stmt, err := q.Render()
	if err != nil {
		return nil, err
	}
	r.log.Debug("running query", "user", user.Name, "sql", stmt.DisplaySQL())
	records, err := r.store.Command(ctx, stmt.SQL, stmt.Params)
	if err != nil {
		return nil, err
	}
	if q.Count {
		return records, nil
	}
	return r.trim(user, records, q.History), nil
}

// GetOptions tune single-record fetches.
type GetOptions struct {
	Neighbors int
	History   bool
}

// Get fetches one record by identifier, verifying it belongs to the expected
// class subtree.
func (r *Repo) Get(ctx context.Context, user *model.User, c *schema.ClassModel, rid model.RID, opts GetOptions) (model.Record, error) {
	doc := map[string]any{"target": []any{rid.String()}}
	if opts.Neighbors > 0 {
		doc["neighbors"] = opts.Neighbors
	}
	if opts.History {
		doc["history"] = true
	}
	records, err := r.Query(ctx, user, doc)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, kberr.Newf(kberr.NoRecordFound, "no record %s", rid).
			WithPayload(map[string]any{"rid": rid.String()})
	}
	if len(records) > 1 {
		return nil, kberr.Newf(kberr.MultipleRecordsFound,
			"expected one record for %s, got %d", rid, len(records))
	}
	record := records[0]
	if class := record.Class(); class != "" {
		actual, err := r.schema.Get(class)
		if err != nil || !actual.InheritsFrom(c.Name) {
			return nil, kberr.Newf(kberr.NoRecordFound,
				"record %s is not a %s record", rid, c.Name)
		}
	}
	return record, nil
}

// SelectFromList fetches the named records, requiring every identifier to
// resolve. Results come back in the requested order.
func (r *Repo) SelectFromList(ctx context.Context, user *model.User, rids []model.RID, history bool) ([]model.Record, error) {
	if len(rids) == 0 {
		return nil, kberr.New(kberr.Validation, "record ID list cannot be empty")
	}
	target := make([]any, len(rids))
	for i, rid := range rids {
		target[i] = rid.String()
	}
	doc := map[string]any{"target": target}
	if history {
		doc["history"] = true
	}
	records, err := r.Query(ctx, user, doc)
	if err != nil {
		return nil, err
	}
	if len(records) != len(rids) {
		return nil, kberr.Newf(kberr.NoRecordFound,
			"expected %d records, found %d", len(rids), len(records))
	}
	byRID := make(map[string]model.Record, len(records))
	for _, record := range records {
		byRID[record.RID().String()] = record
	}
	ordered := make([]model.Record, 0, len(rids))
	for _, rid := range rids {
		record, ok := byRID[rid.String()]
		if !ok {
			return nil, kberr.Newf(kberr.NoRecordFound, "no record %s", rid)
		}
		ordered = append(ordered, record)
	}
	return ordered, nil
}

// SearchKeyword runs the statement keyword search.
func (r *Repo) SearchKeyword(ctx context.Context, user *model.User, keyword string, skip int, limit *int) ([]model.Record, error) {
	doc := map[string]any{"queryType": "keyword", "keyword": keyword}
	if skip > 0 {
		doc["skip"] = skip
	}
	if limit != nil {
		doc["limit"] = *limit
	}
	return r.Query(ctx, user, doc)
}

// CountOptions tune class statistics.
type CountOptions struct {
	// Classes restricts the counted classes; empty means every concrete,
	// non-edge class.
	Classes []string
	// ActiveOnly excludes soft-deleted records.
	ActiveOnly bool
	// GroupBySource splits each count by the source link.
	GroupBySource bool
}

// SelectCounts returns per-class record counts. With GroupBySource each class
// maps to a source-to-count breakdown, otherwise to a plain count.
func (r *Repo) SelectCounts(ctx context.Context, user *model.User, opts CountOptions) (map[string]any, error) {
	classes := opts.Classes
	if len(classes) == 0 {
		for _, c := range r.schema.Classes() {
			if c.IsAbstract || c.IsEdge || c.IsEmbedded {
				continue
			}
			classes = append(classes, c.Name)
		}
	}
	counts := make(map[string]any, len(classes))
	for _, name := range classes {
		c, err := r.schema.Get(name)
		if err != nil {
			return nil, err
		}
		if err := auth.CheckClassPermission(user, c, schema.OpGet); err != nil {
			return nil, err
		}
		var sql string
		if opts.GroupBySource {
			sql = fmt.Sprintf("SELECT source, count(*) AS count FROM %s", c.Name)
		} else {
			sql = fmt.Sprintf("SELECT count(*) AS count FROM %s", c.Name)
		}
		if opts.ActiveOnly {
			sql += " WHERE deletedAt IS NULL"
		}
		if opts.GroupBySource {
			sql += " GROUP BY source"
		}
		records, err := r.store.Command(ctx, sql, nil)
		if err != nil {
			return nil, err
		}
		if opts.GroupBySource {
			bySource := make(map[string]int64, len(records))
			for _, record := range records {
				source := "null"
				switch v := record["source"].(type) {
				case string:
					source = v
				case model.RID:
					source = v.String()
				}
				bySource[source] = asCount(record["count"])
			}
			counts[c.Name] = bySource
		} else {
			var total int64
			if len(records) > 0 {
				total = asCount(records[0]["count"])
			}
			counts[c.Name] = total
		}
	}
	return counts, nil
}

func asCount(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// fetchActive loads the live version of a record by identifier, outside any
// permission trimming. Callers check access explicitly.
func (r *Repo) fetchActive(ctx context.Context, rid model.RID) (model.Record, error) {
	sql := fmt.Sprintf("SELECT * FROM (SELECT * FROM [%s]) WHERE deletedAt IS NULL", rid)
	records, err := r.store.Command(ctx, sql, nil)
	if err != nil {
		// A bad cluster id surfaces as a store error; report it as missing.
		if strings.Contains(err.Error(), "cluster") {
			return nil, kberr.Newf(kberr.NoRecordFound, "no record %s", rid)
		}
		return nil, err
	}
	if len(records) == 0 {
		return nil, kberr.Newf(kberr.NoRecordFound, "no record %s", rid).
			WithPayload(map[string]any{"rid": rid.String()})
	}
	return records[0], nil
}

// classOf resolves a record's class model from its class tag.
func (r *Repo) classOf(record model.Record) (*schema.ClassModel, error) {
	name := record.Class()
	if name == "" {
		return nil, kberr.Newf(kberr.DatabaseConnection,
			"record %s came back without a class tag", record.RID())
	}
	return r.schema.Get(name)
}
