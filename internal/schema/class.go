// Package schema holds the in-memory catalogue of classes, properties, and
// inheritance that drives query validation, record formatting, and route
// registration.
package schema

import (
	"strings"
)

// Type is a property storage type.
type Type string

// Storage types supported by the graph store.
const (
	TypeString       Type = "string"
	TypeInteger      Type = "integer"
	TypeLong         Type = "long"
	TypeBoolean      Type = "boolean"
	TypeEmbedded     Type = "embedded"
	TypeEmbeddedSet  Type = "embeddedset"
	TypeEmbeddedList Type = "embeddedlist"
	TypeEmbeddedMap  Type = "embeddedmap"
	TypeLink         Type = "link"
	TypeLinkSet      Type = "linkset"
	TypeLinkList     Type = "linklist"
	TypeLinkBag      Type = "linkbag"
)

// Iterable reports whether the type holds a collection of values.
func (t Type) Iterable() bool {
	switch t {
	case TypeEmbeddedSet, TypeEmbeddedList, TypeEmbeddedMap,
		TypeLinkSet, TypeLinkList, TypeLinkBag:
		return true
	}
	return false
}

// IsLink reports whether values of the type reference other records.
func (t Type) IsLink() bool {
	return strings.HasPrefix(string(t), "link")
}

// IsEmbedded reports whether values of the type are embedded documents.
func (t Type) IsEmbedded() bool {
	return strings.HasPrefix(string(t), "embedded")
}

// Property describes one attribute of a class.
type Property struct {
	Name        string
	Type        Type
	LinkedClass string
	Mandatory   bool
	Nullable    bool
	NonEmpty    bool
	// Default is a literal filled in when the property is missing.
	Default any
	// Generated produces the default at write time (e.g. timestamps). It
	// takes precedence over Default.
	Generated func() any
	// Choices restricts values to a fixed set; nil when unrestricted.
	Choices []any
	// Cast overrides the type-derived cast.
	Cast        CastFunc
	Description string
}

// Iterable reports whether the property holds a collection.
func (p *Property) Iterable() bool { return p.Type.Iterable() }

// cast returns the effective cast for the property.
func (p *Property) cast() CastFunc {
	if p.Cast != nil {
		return p.Cast
	}
	switch p.Type {
	case TypeInteger, TypeLong:
		return CastInteger
	case TypeBoolean:
		return CastBoolean
	case TypeLink, TypeLinkSet, TypeLinkList, TypeLinkBag:
		return CastRID
	}
	return nil
}

// choiceAllowed reports whether a single scalar satisfies the choice set.
func (p *Property) choiceAllowed(v any) bool {
	if len(p.Choices) == 0 {
		return true
	}
	if v == nil {
		return p.Nullable
	}
	for _, c := range p.Choices {
		if c == v {
			return true
		}
	}
	return false
}

// Operation names a CRUD verb exposed over the API.
type Operation string

// Exposed operations.
const (
	OpGet    Operation = "GET"
	OpPost   Operation = "POST"
	OpPatch  Operation = "PATCH"
	OpDelete Operation = "DELETE"
)

// ClassModel is one node of the class inheritance graph.
type ClassModel struct {
	Name        string
	Description string
	IsAbstract  bool
	IsEdge      bool
	IsEmbedded  bool
	// Inherits lists direct parent class names.
	Inherits []string
	// Properties holds the class's own (non-inherited) properties.
	Properties map[string]*Property
	// ActiveProperties lists the property names forming the class's
	// soft-deletion-aware uniqueness index.
	ActiveProperties []string
	// ExposedOperations is the subset of CRUD verbs routed for this class.
	ExposedOperations []Operation

	parents    []*ClassModel
	subclasses []*ClassModel
}

// RouteName returns the URL path segment for the class. Edge class names are
// used unchanged (lowercased); vertex names ending in 'y' take 'ies', names
// already ending in 's' are treated as plural, and everything else appends 's'.
func (c *ClassModel) RouteName() string {
	name := strings.ToLower(c.Name)
	if c.IsEdge {
		return name
	}
	if strings.HasSuffix(name, "y") {
		return name[:len(name)-1] + "ies"
	}
	if strings.HasSuffix(name, "s") {
		return name
	}
	return name + "s"
}

// Exposes reports whether the class routes the given verb.
func (c *ClassModel) Exposes(op Operation) bool {
	for _, o := range c.ExposedOperations {
		if o == op {
			return true
		}
	}
	return false
}

// QueryProperties returns the union of the class's own and inherited
// properties keyed by name.
func (c *ClassModel) QueryProperties() map[string]*Property {
	props := make(map[string]*Property)
	var walk func(m *ClassModel)
	walk = func(m *ClassModel) {
		for _, parent := range m.parents {
			walk(parent)
		}
		for name, p := range m.Properties {
			props[name] = p
		}
	}
	walk(c)
	return props
}

// Property resolves a property by name across the inheritance chain.
func (c *ClassModel) Property(name string) (*Property, bool) {
	if p, ok := c.Properties[name]; ok {
		return p, true
	}
	for _, parent := range c.parents {
		if p, ok := parent.Property(name); ok {
			return p, true
		}
	}
	return nil, false
}

// ActiveIndexProperties resolves the property names forming the class's
// active uniqueness constraint. Concrete classes usually inherit the
// constraint from an abstract ancestor, so the lookup walks up the
// inheritance chain to the nearest class declaring one.
func (c *ClassModel) ActiveIndexProperties() []string {
	if len(c.ActiveProperties) > 0 {
		return c.ActiveProperties
	}
	for _, parent := range c.parents {
		if props := parent.ActiveIndexProperties(); len(props) > 0 {
			return props
		}
	}
	return nil
}

// SubclassTree returns the class and every descendant, depth first.
func (c *ClassModel) SubclassTree() []*ClassModel {
	out := []*ClassModel{c}
	for _, sub := range c.subclasses {
		out = append(out, sub.SubclassTree()...)
	}
	return out
}

// Subclasses returns the direct subclasses.
func (c *ClassModel) Subclasses() []*ClassModel { return c.subclasses }

// Parents returns the direct parent classes.
func (c *ClassModel) Parents() []*ClassModel { return c.parents }

// InheritsFrom reports whether the class is name or descends from it.
func (c *ClassModel) InheritsFrom(name string) bool {
	if strings.EqualFold(c.Name, name) {
		return true
	}
	for _, parent := range c.parents {
		if parent.InheritsFrom(name) {
			return true
		}
	}
	return false
}
