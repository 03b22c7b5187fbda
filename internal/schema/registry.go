package schema

import (
	"sort"
	"strings"

	"github.com/graphkb/graphkb/internal/kberr"
)

// Schema is the immutable class catalogue. It is built once at startup and
// only read afterwards.
type Schema struct {
	classes map[string]*ClassModel // keyed by lowercase name
}

// New links a set of class models into a schema, resolving inheritance and
// verifying that flattening does not redefine a property with a different
// type.
func New(classes []*ClassModel) (*Schema, error) {
	s := &Schema{classes: make(map[string]*ClassModel, len(classes))}
	for _, c := range classes {
		key := strings.ToLower(c.Name)
		if _, exists := s.classes[key]; exists {
			return nil, kberr.Newf(kberr.Validation, "duplicate class name %q", c.Name)
		}
		if c.Properties == nil {
			c.Properties = make(map[string]*Property)
		}
		s.classes[key] = c
	}
	for _, c := range s.classes {
		for _, parentName := range c.Inherits {
			parent, ok := s.classes[strings.ToLower(parentName)]
			if !ok {
				return nil, kberr.Newf(kberr.Validation,
					"class %q inherits from unknown class %q", c.Name, parentName)
			}
			c.parents = append(c.parents, parent)
			parent.subclasses = append(parent.subclasses, c)
		}
	}
	for _, c := range s.classes {
		if err := s.checkOverrides(c); err != nil {
			return nil, err
		}
		for _, name := range c.ActiveProperties {
			if _, ok := c.Property(name); !ok {
				return nil, kberr.Newf(kberr.Validation,
					"class %q lists unknown active property %q", c.Name, name)
			}
		}
		for _, p := range c.Properties {
			if p.LinkedClass != "" {
				if _, ok := s.classes[strings.ToLower(p.LinkedClass)]; !ok {
					return nil, kberr.Newf(kberr.Validation,
						"property %s.%s links unknown class %q", c.Name, p.Name, p.LinkedClass)
				}
			}
		}
	}
	return s, nil
}

// checkOverrides rejects inherited properties redefined with a new type.
func (s *Schema) checkOverrides(c *ClassModel) error {
	for name, own := range c.Properties {
		for _, parent := range c.parents {
			inherited, ok := parent.Property(name)
			if ok && inherited.Type != own.Type {
				return kberr.Newf(kberr.Validation,
					"class %q overrides property %q with type %s (inherited %s)",
					c.Name, name, own.Type, inherited.Type)
			}
		}
	}
	return nil
}

// Get resolves a class by name, case-insensitively.
func (s *Schema) Get(name string) (*ClassModel, error) {
	c, ok := s.classes[strings.ToLower(name)]
	if !ok {
		return nil, kberr.Newf(kberr.Validation, "unknown class %q", name).
			WithPayload(map[string]any{"class": name})
	}
	return c, nil
}

// Has reports whether a class exists.
func (s *Schema) Has(name string) bool {
	_, ok := s.classes[strings.ToLower(name)]
	return ok
}

// GetFromRoute resolves a class by its route path segment.
func (s *Schema) GetFromRoute(route string) (*ClassModel, error) {
	route = strings.ToLower(strings.Trim(route, "/"))
	for _, c := range s.classes {
		if c.RouteName() == route {
			return c, nil
		}
	}
	return nil, kberr.Newf(kberr.Validation, "no class routed at %q", route)
}

// Classes returns every class sorted by name.
func (s *Schema) Classes() []*ClassModel {
	out := make([]*ClassModel, 0, len(s.classes))
	for _, c := range s.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EdgeClasses returns every non-abstract edge class sorted by name.
func (s *Schema) EdgeClasses() []*ClassModel {
	var out []*ClassModel
	for _, c := range s.Classes() {
		if c.IsEdge && !c.IsAbstract {
			out = append(out, c)
		}
	}
	return out
}

// GetActiveProperties returns the active-index property names for a class,
// resolved through inheritance, or nil when neither the class nor an
// ancestor declares an active uniqueness constraint.
func (s *Schema) GetActiveProperties(name string) []string {
	c, err := s.Get(name)
	if err != nil {
		return nil
	}
	return c.ActiveIndexProperties()
}

// SplitClassLevels topologically sorts the classes so that every class
// appears after its parents. Used to order class creation against the store.
// Property links are not ordering constraints: the bookkeeping links on the
// base vertex class point at its own subclasses, so link targets are only
// resolvable once every class exists.
func (s *Schema) SplitClassLevels() ([][]*ClassModel, error) {
	placed := make(map[string]int) // lowercase name -> level
	var levels [][]*ClassModel

	remaining := s.Classes()
	for len(remaining) > 0 {
		var level []*ClassModel
		var next []*ClassModel
		for _, c := range remaining {
			if s.depsPlaced(c, placed) {
				level = append(level, c)
			} else {
				next = append(next, c)
			}
		}
		if len(level) == 0 {
			names := make([]string, len(next))
			for i, c := range next {
				names[i] = c.Name
			}
			return nil, kberr.Newf(kberr.Validation,
				"circular dependency between classes: %s", strings.Join(names, ", "))
		}
		for _, c := range level {
			placed[strings.ToLower(c.Name)] = len(levels)
		}
		levels = append(levels, level)
		remaining = next
	}
	return levels, nil
}

func (s *Schema) depsPlaced(c *ClassModel, placed map[string]int) bool {
	for _, parent := range c.Inherits {
		if _, ok := placed[strings.ToLower(parent)]; !ok {
			return false
		}
	}
	return true
}

// DBClass is a live class description fetched from the store, used to verify
// the compiled-in schema at startup.
type DBClass struct {
	Name       string
	IsAbstract bool
	Properties map[string]Type
}

// CompareToDBClass verifies that the live class matches the compiled-in
/// model: same abstractness, and every modelled property present with the
// same type.
func (s *Schema) CompareToDBClass(db DBClass) error {
	c, err := s.Get(db.Name)
	if err != nil {
		return err
	}
	if c.IsAbstract != db.IsAbstract {
		return kberr.Newf(kberr.Validation,
			"class %q abstractness mismatch: schema=%v db=%v", c.Name, c.IsAbstract, db.IsAbstract)
	}
	for name, p := range c.Properties {
		dbType, ok := db.Properties[name]
		if !ok {
			return kberr.Newf(kberr.Validation,
				"class %q is missing property %q in the database", c.Name, name)
		}
		if dbType != p.Type {
			return kberr.Newf(kberr.Validation,
				"property %s.%s type mismatch: schema=%s db=%s", c.Name, name, p.Type, dbType)
		}
	}
	return nil
}
