package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/graphkb/graphkb/internal/auth"
	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
	"github.com/graphkb/graphkb/internal/schema"
)

// paramSet numbers bound parameters for hand-built write statements.
type paramSet struct {
	counter int
	values  map[string]any
}

func newParamSet() *paramSet {
	return &paramSet{values: make(map[string]any)}
}

func (ps *paramSet) add(value any) string {
	name := fmt.Sprintf("p%d", ps.counter)
	ps.counter++
	ps.values[name] = value
	return ":" + name
}

// valueExpr renders one assignment value: record identifiers inline (they
// are validated, and links require identifier literals), everything else as
// a bound parameter.
func (ps *paramSet) valueExpr(value any) string {
	switch v := value.(type) {
	case model.RID:
		return v.String()
	case []any:
		rids := make([]string, 0, len(v))
		for _, item := range v {
			rid, ok := item.(model.RID)
			if !ok {
				return ps.add(v)
			}
			rids = append(rids, rid.String())
		}
		return "[" + strings.Join(rids, ", ") + "]"
	}
	return ps.add(value)
}

// skipOnWrite reports keys never written back: metadata attributes and the
// adjacency fields maintained by the graph engine.
func skipOnWrite(key string) bool {
	return strings.HasPrefix(key, "@") ||
		strings.HasPrefix(key, "out_") || strings.HasPrefix(key, "in_")
}

// assignments renders the SET clause for a record's writable fields, sorted
// for deterministic statements.
func assignments(ps *paramSet, record model.Record, skip ...string) string {
	skipped := make(map[string]bool, len(skip))
	for _, key := range skip {
		skipped[key] = true
	}
	keys := make([]string, 0, len(record))
	for key := range record {
		if skipOnWrite(key) || skipped[key] {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = key + " = " + ps.valueExpr(record[key])
	}
	return strings.Join(parts, ", ")
}

// insert writes a new record and returns the stored version.
func (r *Repo) insert(ctx context.Context, className string, record model.Record) (model.Record, error) {
	ps := newParamSet()
	sql := fmt.Sprintf("INSERT INTO %s SET %s RETURN @this", className, assignments(ps, record))
	records, err := r.store.Command(ctx, sql, ps.values)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, kberr.Newf(kberr.DatabaseConnection, "insert into %s returned no record", className)
	}
	return records[0], nil
}

// checkActiveConstraint rejects a write that would collide with a live
// record on the class's active index, ignoring the record being rewritten.
func (r *Repo) checkActiveConstraint(ctx context.Context, c *schema.ClassModel, record model.Record, exclude model.RID) error {
	active := c.ActiveIndexProperties()
	if len(active) == 0 {
		return nil
	}
	ps := newParamSet()
	conditions := make([]string, 0, len(active)+1)
	for _, prop := range active {
		value := record[prop]
		if value == nil {
			conditions = append(conditions, prop+" IS NULL")
			continue
		}
		conditions = append(conditions, prop+" = "+ps.valueExpr(value))
	}
	conditions = append(conditions, "deletedAt IS NULL")
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s", c.Name, strings.Join(conditions, " AND "))
	records, err := r.store.Command(ctx, sql, ps.values)
	if err != nil {
		return err
	}
	for _, found := range records {
		if !exclude.IsZero() && found.RID() == exclude {
			continue
		}
		return kberr.Newf(kberr.RecordExists,
			"a live %s record with the same %s already exists", c.Name,
			strings.Join(active, "/")).
			WithPayload(map[string]any{"rid": found.RID().String()})
	}
	return nil
}

// Create writes a new vertex record. Edge classes go through CreateEdge.
func (r *Repo) Create(ctx context.Context, user *model.User, c *schema.ClassModel, content model.Record) (model.Record, error) {
	if c.IsEdge {
		return nil, kberr.Newf(kberr.Validation,
			"%s records are edges and need explicit endpoints", c.Name)
	}
	if c.IsAbstract || c.IsEmbedded {
		return nil, kberr.Newf(kberr.Validation, "cannot create %s records directly", c.Name)
	}
	if err := auth.CheckClassPermission(user, c, schema.OpPost); err != nil {
		return nil, err
	}
	content = content.Clone()
	content[model.AttrCreatedBy] = user.RID
	if c.InheritsFrom("Variant") && content["displayName"] == nil {
		name, err := r.variantDisplayName(ctx, content)
		if err != nil {
			return nil, err
		}
		if name != "" {
			content["displayName"] = name
		}
	}
	formatted, err := r.schema.FormatRecord(c, content, schema.FormatOptions{AddDefaults: true})
	if err != nil {
		return nil, err
	}
	if err := r.checkActiveConstraint(ctx, c, formatted, model.RID{}); err != nil {
		return nil, err
	}
	created, err := r.insert(ctx, c.Name, formatted)
	if err != nil {
		return nil, err
	}
	r.log.Info("created record", "class", c.Name, "rid", created.RID().String(), "user", user.Name)
	return stripSensitive(created), nil
}

// CreateEdge writes a new edge between two live vertices.
func (r *Repo) CreateEdge(ctx context.Context, user *model.User, c *schema.ClassModel, content model.Record) (model.Record, error) {
	if !c.IsEdge {
		return nil, kberr.Newf(kberr.Validation, "%s is not an edge class", c.Name)
	}
	if err := auth.CheckClassPermission(user, c, schema.OpPost); err != nil {
		return nil, err
	}
	content = content.Clone()
	content[model.AttrCreatedBy] = user.RID
	formatted, err := r.schema.FormatRecord(c, content, schema.FormatOptions{AddDefaults: true})
	if err != nil {
		return nil, err
	}
	out, ok := formatted[model.AttrOut].(model.RID)
	if !ok {
		return nil, kberr.New(kberr.Validation, "edge records require an out endpoint")
	}
	in, ok := formatted[model.AttrIn].(model.RID)
	if !ok {
		return nil, kberr.New(kberr.Validation, "edge records require an in endpoint")
	}
	if out == in {
		return nil, kberr.Newf(kberr.Validation, "cannot link %s to itself", out)
	}
	// Both endpoints must be live.
	if _, err := r.fetchActive(ctx, out); err != nil {
		return nil, err
	}
	if _, err := r.fetchActive(ctx, in); err != nil {
		return nil, err
	}

	ps := newParamSet()
	sql := fmt.Sprintf("CREATE EDGE %s FROM %s TO %s", c.Name, out, in)
	if set := assignments(ps, formatted, model.AttrOut, model.AttrIn); set != "" {
		sql += " SET " + set
	}
	records, err := r.store.Command(ctx, sql, ps.values)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, kberr.Newf(kberr.DatabaseConnection, "edge creation on %s returned no record", c.Name)
	}
	r.log.Info("created edge", "class", c.Name, "rid", records[0].RID().String(), "user", user.Name)
	return records[0], nil
}

// Update rewrites a live vertex record. The previous version is kept as a
// soft-deleted copy linked through the history attribute. Edge records are
// immutable: delete and recreate instead.
func (r *Repo) Update(ctx context.Context, user *model.User, rid model.RID, changes model.Record) (model.Record, error) {
	current, err := r.fetchActive(ctx, rid)
	if err != nil {
		return nil, err
	}
	c, err := r.classOf(current)
	if err != nil {
		return nil, err
	}
	if c.IsEdge {
		return nil, kberr.Newf(kberr.NotImplemented,
			"%s records cannot be updated, delete and recreate the edge", c.Name)
	}
	if err := auth.CheckClassPermission(user, c, schema.OpPatch); err != nil {
		return nil, err
	}
	if !auth.HasRecordAccess(user, current) {
		return nil, kberr.Newf(kberr.Permission, "record %s is group restricted", rid)
	}

	formatted, err := r.schema.FormatRecord(c, changes, schema.FormatOptions{IgnoreMissing: true})
	if err != nil {
		return nil, err
	}
	if len(formatted) == 0 {
		return nil, kberr.New(kberr.Validation, "no properties to update")
	}
	// Re-check the active constraint when an indexed property changes.
	touchesActive := false
	for _, prop := range c.ActiveIndexProperties() {
		if _, ok := formatted[prop]; ok {
			touchesActive = true
			break
		}
	}
	if touchesActive {
		merged := current.Clone()
		for key, value := range formatted {
			merged[key] = value
		}
		if err := r.checkActiveConstraint(ctx, c, merged, rid); err != nil {
			return nil, err
		}
	}

	copyRID, err := r.insertHistoryCopy(ctx, c.Name, current, user)
	if err != nil {
		return nil, err
	}
	ps := newParamSet()
	set := assignments(ps, formatted)
	sql := fmt.Sprintf("UPDATE %s SET %s, history = %s", rid, set, copyRID)
	if _, err := r.store.Command(ctx, sql, ps.values); err != nil {
		return nil, err
	}
	r.log.Info("updated record", "class", c.Name, "rid", rid.String(), "user", user.Name)
	updated, err := r.fetchActive(ctx, rid)
	if err != nil {
		return nil, err
	}
	return stripSensitive(updated), nil
}

// Delete soft-deletes a record. Deleting an edge also versions both endpoint
// vertices and repoints the deleted edge at those snapshots, so the state
// before the link was severed stays reachable through the history chains.
func (r *Repo) Delete(ctx context.Context, user *model.User, rid model.RID) (model.Record, error) {
	current, err := r.fetchActive(ctx, rid)
	if err != nil {
		return nil, err
	}
	c, err := r.classOf(current)
	if err != nil {
		return nil, err
	}
	if err := auth.CheckClassPermission(user, c, schema.OpDelete); err != nil {
		return nil, err
	}
	if !auth.HasRecordAccess(user, current) {
		return nil, kberr.Newf(kberr.Permission, "record %s is group restricted", rid)
	}

	now := time.Now().UnixMilli()
	ps := newParamSet()
	sql := fmt.Sprintf("UPDATE %s SET deletedAt = %s, deletedBy = %s",
		rid, ps.add(now), user.RID)
	if _, err := r.store.Command(ctx, sql, ps.values); err != nil {
		return nil, err
	}

	if c.IsEdge {
		// The deleted edge is repointed at the snapshots, so it keeps
		// referencing the state its endpoints had while the link was live.
		repoint := make([]string, 0, 2)
		for _, key := range []string{model.AttrOut, model.AttrIn} {
			endpoint := endpointRID(current[key])
			if endpoint.IsZero() {
				continue
			}
			copyRID, err := r.versionEndpoint(ctx, user, endpoint)
			if err != nil {
				return nil, err
			}
			repoint = append(repoint, key+" = "+copyRID.String())
			current[key] = copyRID
		}
		if len(repoint) > 0 {
			sql := fmt.Sprintf("UPDATE %s SET %s", rid, strings.Join(repoint, ", "))
			if _, err := r.store.Command(ctx, sql, nil); err != nil {
				return nil, err
			}
		}
	}

	r.log.Info("deleted record", "class", c.Name, "rid", rid.String(), "user", user.Name)
	current[model.AttrDeletedAt] = now
	current[model.AttrDeletedBy] = user.RID
	return stripSensitive(current), nil
}

// insertHistoryCopy stores a soft-deleted snapshot of the record and returns
// the copy's identifier. The copy keeps the original bookkeeping, so history
// chains stay intact through it.
func (r *Repo) insertHistoryCopy(ctx context.Context, className string, record model.Record, user *model.User) (model.RID, error) {
	copied := record.Clone()
	copied[model.AttrDeletedAt] = time.Now().UnixMilli()
	copied[model.AttrDeletedBy] = user.RID
	inserted, err := r.insert(ctx, className, copied)
	if err != nil {
		return model.RID{}, err
	}
	return inserted.RID(), nil
}

// versionEndpoint snapshots one endpoint of a deleted edge, links the live
// vertex to the snapshot, and returns the snapshot's identifier.
func (r *Repo) versionEndpoint(ctx context.Context, user *model.User, rid model.RID) (model.RID, error) {
	record, err := r.fetchActive(ctx, rid)
	if err != nil {
		return model.RID{}, err
	}
	c, err := r.classOf(record)
	if err != nil {
		return model.RID{}, err
	}
	copyRID, err := r.insertHistoryCopy(ctx, c.Name, record, user)
	if err != nil {
		return model.RID{}, err
	}
	sql := fmt.Sprintf("UPDATE %s SET history = %s", rid, copyRID)
	if _, err := r.store.Command(ctx, sql, nil); err != nil {
		return model.RID{}, err
	}
	return copyRID, nil
}

// endpointRID extracts a record identifier from an edge endpoint value.
func endpointRID(value any) model.RID {
	switch v := value.(type) {
	case model.RID:
		return v
	case string:
		if rid, err := model.ParseRID(v); err == nil {
			return rid
		}
	case map[string]any:
		return model.Record(v).RID()
	}
	return model.RID{}
}

// variantDisplayName composes the display name of a variant from the names
// of its type and reference features.
func (r *Repo) variantDisplayName(ctx context.Context, content model.Record) (string, error) {
	typeRID := endpointRID(content["type"])
	ref1 := endpointRID(content["reference1"])
	if typeRID.IsZero() || ref1.IsZero() {
		return "", nil
	}
	rids := []string{typeRID.String(), ref1.String()}
	ref2 := endpointRID(content["reference2"])
	if !ref2.IsZero() {
		rids = append(rids, ref2.String())
	}
	records, err := r.store.Command(ctx,
		fmt.Sprintf("SELECT * FROM [%s]", strings.Join(rids, ", ")), nil)
	if err != nil {
		return "", err
	}
	labels := make(map[string]string, len(records))
	for _, record := range records {
		label, _ := record["displayName"].(string)
		if label == "" {
			label, _ = record["name"].(string)
		}
		labels[record.RID().String()] = label
	}
	typeName := labels[typeRID.String()]
	ref1Name := labels[ref1.String()]
	if typeName == "" || ref1Name == "" {
		return "", nil
	}
	if !ref2.IsZero() {
		return fmt.Sprintf("(%s,%s) %s", ref1Name, labels[ref2.String()], typeName), nil
	}
	return fmt.Sprintf("%s %s", ref1Name, typeName), nil
}
