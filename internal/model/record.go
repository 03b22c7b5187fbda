// Package model defines the dynamic record document, record identifiers, and
// the user/group types consumed by the permission gate.
package model

import (
	"time"
)

// Attribute keys common to every stored record.
const (
	AttrRID       = "@rid"
	AttrClass     = "@class"
	AttrCreatedAt = "createdAt"
	AttrCreatedBy = "createdBy"
	AttrDeletedAt = "deletedAt"
	AttrDeletedBy = "deletedBy"
	AttrHistory   = "history"
	AttrGroups    = "groupRestrictions"
	AttrOut       = "out"
	AttrIn        = "in"
)

// Record is a dynamic document as stored by the graph database. Values are
// JSON-shaped: nil, bool, string, int64, float64, RID, []any, map[string]any
// or nested Record.
type Record map[string]any

// RID returns the record identifier, or the zero RID when unset or malformed.
func (r Record) RID() RID {
	switch v := r[AttrRID].(type) {
	case RID:
		return v
	case string:
		rid, err := ParseRID(v)
		if err == nil {
			return rid
		}
	}
	return RID{}
}

// Class returns the record's class tag.
func (r Record) Class() string {
	s, _ := r[AttrClass].(string)
	return s
}

// Deleted reports whether the record carries a deletion timestamp.
func (r Record) Deleted() bool {
	v, ok := r[AttrDeletedAt]
	return ok && v != nil
}

// Clone returns a shallow copy of the record's top-level fields.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// MarkDeleted stamps the record with deletion bookkeeping.
func (r Record) MarkDeleted(by RID, at time.Time) {
	r[AttrDeletedAt] = at.UnixMilli()
	r[AttrDeletedBy] = by
}

// GroupRestrictions returns the group RIDs restricting access to the record.
// Entries that are not record identifiers are skipped.
func (r Record) GroupRestrictions() []RID {
	raw, ok := r[AttrGroups].([]any)
	if !ok {
		return nil
	}
	groups := make([]RID, 0, len(raw))
	for _, g := range raw {
		switch v := g.(type) {
		case RID:
			groups = append(groups, v)
		case string:
			if rid, err := ParseRID(v); err == nil {
				groups = append(groups, rid)
			}
		case map[string]any:
			if rid := Record(v).RID(); !rid.IsZero() {
				groups = append(groups, rid)
			}
		}
	}
	return groups
}

// User is the authenticated principal attached to each operation.
type User struct {
	RID    RID
	Name   string
	Groups []UserGroup
	// PasswordHash is the stored bcrypt hash; never serialised.
	PasswordHash string
}

// UserGroup carries the per-class permission bitmasks for one group.
type UserGroup struct {
	RID         RID
	Name        string
	Permissions map[string]Permission
}

// Permission is a CRUD bitmask.
type Permission int

// Permission bits.
const (
	PermRead   Permission = 1
	PermUpdate Permission = 2
	PermDelete Permission = 4
	PermCreate Permission = 8

	PermNone Permission = 0
	PermAll  Permission = PermRead | PermUpdate | PermDelete | PermCreate
	// PermReadOnly is the bitmask granted to readonly groups.
	PermReadOnly = PermRead
)

// Has reports whether the bitmask contains all bits of op.
func (p Permission) Has(op Permission) bool {
	return p&op == op
}
