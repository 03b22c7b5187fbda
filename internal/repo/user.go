package repo

import (
	"context"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
)

// UserByName loads a live user with its groups expanded. Runs outside the
// permission gate: it is what the authentication middleware calls to build
// the acting user in the first place.
func (r *Repo) UserByName(ctx context.Context, name string) (*model.User, error) {
	records, err := r.store.Command(ctx,
		"SELECT *, groups:{*} FROM User WHERE name = :p0 AND deletedAt IS NULL",
		map[string]any{"p0": name})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, kberr.Newf(kberr.NoRecordFound, "no user %q", name)
	}
	if len(records) > 1 {
		return nil, kberr.Newf(kberr.MultipleRecordsFound, "user name %q is ambiguous", name)
	}
	return userFromRecord(records[0])
}

func userFromRecord(record model.Record) (*model.User, error) {
	name, _ := record["name"].(string)
	user := &model.User{RID: record.RID(), Name: name}
	if hash, ok := record["password"].(string); ok {
		user.PasswordHash = hash
	}
	groups, _ := record["groups"].([]any)
	for _, raw := range groups {
		doc, ok := asNested(raw)
		if !ok {
			return nil, kberr.Newf(kberr.DatabaseConnection,
				"user %q has an unexpanded group entry %v", name, raw)
		}
		group := model.UserGroup{RID: doc.RID()}
		group.Name, _ = doc["name"].(string)
		if perms, ok := doc["permissions"].(map[string]any); ok {
			group.Permissions = make(map[string]model.Permission, len(perms))
			for class, v := range perms {
				group.Permissions[class] = model.Permission(asCount(v))
			}
		}
		user.Groups = append(user.Groups, group)
	}
	return user, nil
}
