package repo

import (
	"github.com/graphkb/graphkb/internal/auth"
	"github.com/graphkb/graphkb/internal/model"
)

// trim applies visibility rules to query results: group-restricted records
// the user cannot see are dropped, soft-deleted neighbours are pruned unless
// history was requested, and credential fields never leave the repository.
func (r *Repo) trim(user *model.User, records []model.Record, history bool) []model.Record {
	out := make([]model.Record, 0, len(records))
	for _, record := range records {
		if !auth.HasRecordAccess(user, record) {
			continue
		}
		if !history && record.Deleted() {
			continue
		}
		out = append(out, trimRecord(user, record, history))
	}
	return out
}

func trimRecord(user *model.User, record model.Record, history bool) model.Record {
	out := make(model.Record, len(record))
	for key, value := range record {
		if key == "password" {
			continue
		}
		out[key] = trimValue(user, value, history)
	}
	return out
}

// trimValue prunes nested records: inaccessible or deleted neighbours
// collapse to their identifier when linked directly, and disappear from
// collections.
func trimValue(user *model.User, value any, history bool) any {
	switch v := value.(type) {
	case model.Record:
		return trimNested(user, v, history)
	case map[string]any:
		return trimNested(user, model.Record(v), history)
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			nested, ok := asNested(item)
			if !ok {
				out = append(out, trimValue(user, item, history))
				continue
			}
			if nested.RID().IsZero() {
				out = append(out, trimRecord(user, nested, history))
				continue
			}
			if !auth.HasRecordAccess(user, nested) || (!history && nested.Deleted()) {
				continue
			}
			out = append(out, trimRecord(user, nested, history))
		}
		return out
	}
	return value
}

func trimNested(user *model.User, nested model.Record, history bool) any {
	if nested.RID().IsZero() {
		// Embedded document, not a linked record.
		return trimRecord(user, nested, history)
	}
	if !auth.HasRecordAccess(user, nested) || (!history && nested.Deleted()) {
		return nested.RID().String()
	}
	return trimRecord(user, nested, history)
}

func asNested(value any) (model.Record, bool) {
	switch v := value.(type) {
	case model.Record:
		return v, true
	case map[string]any:
		return model.Record(v), true
	}
	return nil, false
}

// stripSensitive removes credential fields from a record before it leaves
// the repository.
func stripSensitive(record model.Record) model.Record {
	out := record.Clone()
	delete(out, "password")
	return out
}

// Decycle breaks reference cycles in an expanded record tree: any nested
// record already seen on the walk is replaced by its identifier string, so
// the tree can be marshalled.
func Decycle(record model.Record) model.Record {
	return decycleRecord(record, map[string]bool{})
}

func decycleRecord(record model.Record, seen map[string]bool) model.Record {
	if rid := record.RID(); !rid.IsZero() {
		seen[rid.String()] = true
	}
	out := make(model.Record, len(record))
	for key, value := range record {
		out[key] = decycleValue(value, seen)
	}
	return out
}

func decycleValue(value any, seen map[string]bool) any {
	switch v := value.(type) {
	case model.Record:
		return decycleNested(v, seen)
	case map[string]any:
		return decycleNested(model.Record(v), seen)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = decycleValue(item, seen)
		}
		return out
	}
	return value
}

func decycleNested(nested model.Record, seen map[string]bool) any {
	rid := nested.RID()
	if !rid.IsZero() && seen[rid.String()] {
		return rid.String()
	}
	return decycleRecord(nested, seen)
}
