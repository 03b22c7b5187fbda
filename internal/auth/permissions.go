package auth

import (
	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
	"github.com/graphkb/graphkb/internal/schema"
)

// operationBits maps CRUD verbs to permission bits.
var operationBits = map[schema.Operation]model.Permission{
	schema.OpGet:    model.PermRead,
	schema.OpPost:   model.PermCreate,
	schema.OpPatch:  model.PermUpdate,
	schema.OpDelete: model.PermDelete,
}

// CheckClassPermission verifies that at least one of the user's groups grants
// the operation on the class. A group with no entry for the class falls back
// to the closest superclass it does name.
func CheckClassPermission(user *model.User, c *schema.ClassModel, op schema.Operation) error {
	bit, ok := operationBits[op]
	if !ok {
		return kberr.Newf(kberr.Validation, "unknown operation %q", op)
	}
	for _, group := range user.Groups {
		if classPermission(group, c).Has(bit) {
			return nil
		}
	}
	return kberr.Newf(kberr.Permission,
		"%s is not permitted on %s records for user %q", op, c.Name, user.Name).
		WithPayload(map[string]any{"class": c.Name, "operation": string(op)})
}

// classPermission resolves the group's bitmask for the class, searching up
// the inheritance graph breadth first until an entry is found.
func classPermission(group model.UserGroup, c *schema.ClassModel) model.Permission {
	queue := []*schema.ClassModel{c}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if mask, ok := group.Permissions[current.Name]; ok {
			return mask
		}
		queue = append(queue, current.Parents()...)
	}
	return model.PermNone
}

// HasRecordAccess reports whether the user can see a record: unrestricted
// records are visible to everyone, restricted ones require membership in at
// least one of the named groups.
func HasRecordAccess(user *model.User, record model.Record) bool {
	restrictions := record.GroupRestrictions()
	if len(restrictions) == 0 {
		return true
	}
	for _, restricted := range restrictions {
		for _, group := range user.Groups {
			if group.RID == restricted {
				return true
			}
		}
	}
	return false
}
