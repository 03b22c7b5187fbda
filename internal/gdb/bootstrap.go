package gdb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
	"github.com/graphkb/graphkb/internal/schema"
)

// ddlTypes maps model property types to the store's DDL type names.
var ddlTypes = map[schema.Type]string{
	schema.TypeString:       "STRING",
	schema.TypeInteger:      "INTEGER",
	schema.TypeLong:         "LONG",
	schema.TypeBoolean:      "BOOLEAN",
	schema.TypeEmbedded:     "EMBEDDED",
	schema.TypeEmbeddedSet:  "EMBEDDEDSET",
	schema.TypeEmbeddedList: "EMBEDDEDLIST",
	schema.TypeEmbeddedMap:  "EMBEDDEDMAP",
	schema.TypeLink:         "LINK",
	schema.TypeLinkSet:      "LINKSET",
	schema.TypeLinkList:     "LINKLIST",
	schema.TypeLinkBag:      "LINKBAG",
}

// dbTypes is the inverse mapping, used when reading live metadata.
var dbTypes = func() map[string]schema.Type {
	out := make(map[string]schema.Type, len(ddlTypes))
	for t, name := range ddlTypes {
		out[name] = t
	}
	return out
}()

// FetchClasses reads the live class metadata from the store.
func FetchClasses(ctx context.Context, s Session) (map[string]schema.DBClass, error) {
	records, err := s.Command(ctx, "SELECT expand(classes) FROM metadata:schema", nil)
	if err != nil {
		return nil, err
	}
	classes := make(map[string]schema.DBClass, len(records))
	for _, record := range records {
		name, _ := record["name"].(string)
		if name == "" {
			continue
		}
		db := schema.DBClass{Name: name, Properties: make(map[string]schema.Type)}
		if abstract, ok := record["abstract"].(bool); ok {
			db.IsAbstract = abstract
		}
		if props, ok := record["properties"].([]any); ok {
			for _, raw := range props {
				p, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				pname, _ := p["name"].(string)
				ptype, _ := p["type"].(string)
				if t, ok := dbTypes[strings.ToUpper(ptype)]; ok && pname != "" {
					db.Properties[pname] = t
				}
			}
		}
		classes[name] = db
	}
	return classes, nil
}

// Migrate creates the missing classes, properties, and active-constraint
// indexes. Classes are created level by level so parents always exist first.
// Link properties are deferred to a second pass: the base vertex class links
// to its own subclasses, so link targets only resolve once every class
// exists. Re-running against a populated database only fills gaps.
//
// Mandatory/nullable constraints are enforced by the record formatter, not
// by DDL: the first record ever written has to self-reference its creator.
func Migrate(ctx context.Context, s Session, sc *schema.Schema, log *slog.Logger) error {
	existing, err := FetchClasses(ctx, s)
	if err != nil {
		return err
	}
	levels, err := sc.SplitClassLevels()
	if err != nil {
		return err
	}
	type pendingProperty struct {
		class *schema.ClassModel
		prop  *schema.Property
	}
	var links []pendingProperty
	created := make(map[string]bool)
	for _, level := range levels {
		for _, c := range level {
			db, found := existing[c.Name]
			if !found {
				stmt := "CREATE CLASS " + c.Name
				if len(c.Inherits) > 0 {
					stmt += " EXTENDS " + strings.Join(c.Inherits, ", ")
				}
				if c.IsAbstract {
					stmt += " ABSTRACT"
				}
				log.Debug("creating class", "class", c.Name)
				if _, err := s.Command(ctx, stmt, nil); err != nil {
					return err
				}
				created[c.Name] = true
				db = schema.DBClass{Name: c.Name, Properties: map[string]schema.Type{}}
			}
			for _, p := range c.Properties {
				if _, ok := db.Properties[p.Name]; ok {
					continue
				}
				if p.LinkedClass != "" {
					links = append(links, pendingProperty{class: c, prop: p})
					continue
				}
				if err := createProperty(ctx, s, c, p); err != nil {
					return err
				}
			}
		}
	}
	for _, pending := range links {
		if err := createProperty(ctx, s, pending.class, pending.prop); err != nil {
			return err
		}
	}
	for _, level := range levels {
		for _, c := range level {
			props := c.ActiveIndexProperties()
			if !created[c.Name] || c.IsAbstract || len(props) == 0 {
				continue
			}
			cols := append(append([]string{}, props...), "deletedAt")
			stmt := fmt.Sprintf("CREATE INDEX %s.active ON %s (%s) UNIQUE",
				c.Name, c.Name, strings.Join(cols, ", "))
			if _, err := s.Command(ctx, stmt, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func createProperty(ctx context.Context, s Session, c *schema.ClassModel, p *schema.Property) error {
	ddl, ok := ddlTypes[p.Type]
	if !ok {
		return kberr.Newf(kberr.Validation,
			"property %s.%s has no storable type %q", c.Name, p.Name, p.Type)
	}
	stmt := fmt.Sprintf("CREATE PROPERTY %s.%s %s", c.Name, p.Name, ddl)
	if p.LinkedClass != "" {
		stmt += " " + p.LinkedClass
	}
	_, err := s.Command(ctx, stmt, nil)
	return err
}

// VerifySchema checks that every live class matching a modelled class agrees
// with the compiled-in model.
func VerifySchema(ctx context.Context, s Session, sc *schema.Schema) error {
	existing, err := FetchClasses(ctx, s)
	if err != nil {
		return err
	}
	for _, c := range sc.Classes() {
		db, ok := existing[c.Name]
		if !ok {
			return kberr.Newf(kberr.Validation, "class %q is missing from the database", c.Name)
		}
		if err := sc.CompareToDBClass(db); err != nil {
			return err
		}
	}
	return nil
}

// SeedAdmin ensures the default user groups and an administrative user
// exist. The first user self-references as its own creator.
func SeedAdmin(ctx context.Context, s Session, sc *schema.Schema, username, password string, log *slog.Logger) error {
	existing, err := s.Command(ctx,
		"SELECT * FROM User WHERE name = :p0 AND deletedAt IS NULL",
		map[string]any{"p0": username})
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	var adminRID model.RID
	if len(existing) > 0 {
		adminRID = existing[0].RID()
	} else {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return kberr.Wrap(kberr.Validation, err, "failed to hash the admin password")
		}
		created, err := s.Command(ctx,
			"INSERT INTO User SET name = :p0, uuid = :p1, createdAt = :p2, password = :p3 RETURN @this",
			map[string]any{"p0": username, "p1": uuid.NewString(), "p2": now, "p3": string(hash)})
		if err != nil {
			return err
		}
		if len(created) == 0 || created[0].RID().IsZero() {
			return kberr.New(kberr.DatabaseConnection, "admin user insert returned no record")
		}
		adminRID = created[0].RID()
		if _, err := s.Command(ctx,
			fmt.Sprintf("UPDATE %s SET createdBy = %s", adminRID, adminRID), nil); err != nil {
			return err
		}
		log.Info("created admin user", "user", username)
	}

	groupRIDs := make(map[string]model.RID)
	for name, permissions := range schema.DefaultGroups(sc) {
		found, err := s.Command(ctx,
			"SELECT * FROM UserGroup WHERE name = :p0 AND deletedAt IS NULL",
			map[string]any{"p0": name})
		if err != nil {
			return err
		}
		if len(found) > 0 {
			groupRIDs[name] = found[0].RID()
			continue
		}
		created, err := s.Command(ctx,
			fmt.Sprintf("INSERT INTO UserGroup SET name = :p0, permissions = :p1, uuid = :p2, createdAt = :p3, createdBy = %s RETURN @this", adminRID),
			map[string]any{"p0": name, "p1": permissions, "p2": uuid.NewString(), "p3": now})
		if err != nil {
			return err
		}
		if len(created) > 0 {
			groupRIDs[name] = created[0].RID()
		}
		log.Info("created user group", "group", name)
	}

	if rid, ok := groupRIDs["admin"]; ok && len(existing) == 0 {
		if _, err := s.Command(ctx,
			fmt.Sprintf("UPDATE %s SET groups = [%s]", adminRID, rid), nil); err != nil {
			return err
		}
	}
	return nil
}
