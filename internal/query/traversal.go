package query

import (
	"fmt"
	"strings"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/schema"
)

// StepType classifies one node of a traversal.
type StepType string

// Traversal node types, matching the object input form.
const (
	StepDirect StepType = "DIRECT"
	StepLink   StepType = "LINK"
	StepEdge   StepType = "EDGE"
)

// Direction of an edge step.
type Direction string

// Edge step directions.
const (
	DirIn   Direction = "in"
	DirOut  Direction = "out"
	DirBoth Direction = "both"
)

// Traversal is a compiled attribute path: a chain of property accesses and
// edge walks ending in a terminal value reference.
type Traversal struct {
	Type      StepType
	Attr      string
	Edges     []string
	Direction Direction
	// EdgeRecords marks an edge step that yields the edge records themselves
	// (inE/outE/bothE) rather than the neighbouring vertices.
	EdgeRecords bool
	// Vertex marks a step resolving an edge record to its far-side vertex.
	Vertex bool
	// Size marks the terminal size() cast.
	Size  bool
	Child *Traversal

	prop *schema.Property
}

// ParseTraversal compiles an attribute path against a class. The expression
// is either the dotted string form or the nested object form.
func ParseTraversal(s *schema.Schema, c *schema.ClassModel, expr any) (*Traversal, error) {
	switch v := expr.(type) {
	case string:
		segments, err := splitPath(v)
		if err != nil {
			return nil, err
		}
		return parseSegments(s, c, segments)
	case map[string]any:
		return parseObject(s, c, v)
	}
	return nil, kberr.Newf(kberr.Validation, "cannot parse attribute traversal from %T", expr)
}

// Property returns the terminal property reference, or nil when the path
// ends in an edge/vertex set or a size() cast.
func (t *Traversal) Property() *schema.Property {
	if t.Child != nil {
		return t.Child.Property()
	}
	return t.prop
}

// terminal returns the last node of the chain.
func (t *Traversal) terminal() *Traversal {
	if t.Child != nil {
		return t.Child.terminal()
	}
	return t
}

// Iterable reports whether the path resolves to a collection of values.
func (t *Traversal) Iterable() bool {
	term := t.terminal()
	if term.Size {
		return false
	}
	if term.prop != nil {
		return term.prop.Iterable()
	}
	// An edge or vertex set terminal is a collection.
	return true
}

// Cast converts one scalar destined for comparison against the path's
// terminal value.
func (t *Traversal) Cast(v any) (any, error) {
	term := t.terminal()
	if term.Size {
		return schema.CastInteger(v)
	}
	if term.prop != nil {
		return (&comparableProperty{term.prop}).cast(v)
	}
	// Comparisons against vertex/edge sets compare record identifiers.
	return schema.CastRID(v)
}

// CheckChoice validates a cast scalar against the terminal property's choice
// set, when one is declared.
func (t *Traversal) CheckChoice(v any) error {
	p := t.Property()
	if p == nil || len(p.Choices) == 0 {
		return nil
	}
	if v == nil {
		if p.Nullable {
			return nil
		}
		return kberr.Newf(kberr.Validation, "property %q cannot be null", p.Name)
	}
	for _, choice := range p.Choices {
		if choice == v {
			return nil
		}
	}
	return kberr.Newf(kberr.Validation, "value %v is not an allowed choice for %q", v, p.Name).
		WithPayload(map[string]any{"value": v, "choices": p.Choices})
}

// Render emits the dotted SQL form of the path.
func (t *Traversal) Render() string {
	var parts []string
	for node := t; node != nil; node = node.Child {
		parts = append(parts, node.renderStep())
	}
	return strings.Join(parts, ".")
}

func (t *Traversal) renderStep() string {
	switch {
	case t.Size:
		return "size()"
	case t.Vertex:
		if t.Direction == DirIn {
			return "inV()"
		}
		return "outV()"
	case t.Type == StepEdge:
		fn := string(t.Direction)
		if t.EdgeRecords {
			fn += "E"
		}
		return fmt.Sprintf("%s(%s)", fn, quoteNames(t.Edges))
	default:
		return t.Attr
	}
}

// comparableProperty applies the property's cast to comparison values,
// falling back to element casts for iterable properties.
type comparableProperty struct {
	p *schema.Property
}

func (c *comparableProperty) cast(v any) (any, error) {
	p := c.p
	if p.Cast != nil {
		return p.Cast(v)
	}
	switch p.Type {
	case schema.TypeInteger, schema.TypeLong:
		return schema.CastInteger(v)
	case schema.TypeBoolean:
		return schema.CastBoolean(v)
	case schema.TypeLink, schema.TypeLinkSet, schema.TypeLinkList, schema.TypeLinkBag:
		return schema.CastRID(v)
	}
	return v, nil
}

// splitPath splits a dotted path at top-level dots, leaving parenthesised
// argument lists intact.
func splitPath(path string) ([]string, error) {
	var segments []string
	depth := 0
	start := 0
	for i, r := range path {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, kberr.Newf(kberr.Validation, "unbalanced parentheses in %q", path)
			}
		case '.':
			if depth == 0 {
				segments = append(segments, path[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, kberr.Newf(kberr.Validation, "unbalanced parentheses in %q", path)
	}
	segments = append(segments, path[start:])
	for _, seg := range segments {
		if strings.TrimSpace(seg) == "" {
			return nil, kberr.Newf(kberr.Validation, "empty segment in attribute path %q", path)
		}
	}
	return segments, nil
}

// edgeFunc matches a segment like out('AliasOf','SubClassOf'), outE(), in.
func edgeFunc(segment string) (dir Direction, edgeRecords, ok bool, args string) {
	name := segment
	if i := strings.IndexByte(segment, '('); i >= 0 {
		if !strings.HasSuffix(segment, ")") {
			return "", false, false, ""
		}
		name = segment[:i]
		args = segment[i+1 : len(segment)-1]
	}
	switch name {
	case "in", "out", "both":
		return Direction(name), false, true, args
	case "inE", "outE", "bothE":
		return Direction(name[:len(name)-1]), true, true, args
	}
	return "", false, false, ""
}

func parseEdgeNames(s *schema.Schema, args string) ([]string, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return nil, nil
	}
	var names []string
	for _, part := range strings.Split(args, ",") {
		name := strings.Trim(strings.TrimSpace(part), "'\"")
		if name == "" {
			continue
		}
		resolved, err := resolveEdgeClass(s, name)
		if err != nil {
			return nil, err
		}
		names = append(names, resolved)
	}
	return names, nil
}

func resolveEdgeClass(s *schema.Schema, name string) (string, error) {
	c, err := s.Get(name)
	if err != nil {
		return "", kberr.Newf(kberr.Validation, "unknown edge class %q", name).
			WithPayload(map[string]any{"edge": name})
	}
	if !c.IsEdge {
		return "", kberr.Newf(kberr.Validation, "class %q is not an edge class", name)
	}
	return c.Name, nil
}

// parseSegments builds the traversal chain, tracking the class each step
// resolves against.
func parseSegments(s *schema.Schema, current *schema.ClassModel, segments []string) (*Traversal, error) {
	segment := strings.TrimSpace(segments[0])
	rest := segments[1:]

	dir, edgeRecords, isWalk, args := edgeFunc(segment)
	// On edge classes the bare names out and in are the endpoint link
	// properties, not adjacency walks; only the call form out(...) walks.
	if isWalk && !strings.ContainsRune(segment, '(') {
		if _, ok := current.Property(segment); ok {
			isWalk = false
		}
	}
	if isWalk {
		edges, err := parseEdgeNames(s, args)
		if err != nil {
			return nil, err
		}
		node := &Traversal{Type: StepEdge, Direction: dir, Edges: edges, EdgeRecords: edgeRecords}
		if len(rest) == 0 {
			return node, nil
		}
		next := strings.TrimSpace(rest[0])
		if edgeRecords {
			// Edge records resolve onward through a vertex step, an edge
			// property, or size().
			switch trimCall(next) {
			case "inV", "outV", "vertex":
				vdir := dir
				if trimCall(next) == "inV" {
					vdir = DirIn
				} else if trimCall(next) == "outV" {
					vdir = DirOut
				} else {
					// 'vertex' is the far side: inverse of the walk direction.
					if dir == DirIn {
						vdir = DirOut
					} else {
						vdir = DirIn
					}
				}
				vertex := &Traversal{Type: StepEdge, Direction: vdir, Vertex: true}
				node.Child = vertex
				if len(rest) > 1 {
					base, err := vertexClass(s)
					if err != nil {
						return nil, err
					}
					child, err := parseSegments(s, base, rest[1:])
					if err != nil {
						return nil, err
					}
					vertex.Child = child
				}
				return node, nil
			case "size":
				node.Child = &Traversal{Type: StepDirect, Size: true}
				if len(rest) > 1 {
					return nil, kberr.Newf(kberr.Validation, "size() must terminate the path")
				}
				return node, nil
			}
			edgeModel, err := edgeStepClass(s, edges)
			if err != nil {
				return nil, err
			}
			child, err := parseSegments(s, edgeModel, rest)
			if err != nil {
				return nil, err
			}
			node.Child = child
			return node, nil
		}
		// Vertex neighbours: continue against the base vertex class since
		// the neighbour class is not statically known.
		if trimCall(next) == "size" {
			node.Child = &Traversal{Type: StepDirect, Size: true}
			if len(rest) > 1 {
				return nil, kberr.Newf(kberr.Validation, "size() must terminate the path")
			}
			return node, nil
		}
		base, err := vertexClass(s)
		if err != nil {
			return nil, err
		}
		child, err := parseSegments(s, base, rest)
		if err != nil {
			return nil, err
		}
		node.Child = child
		return node, nil
	}

	if trimCall(segment) == "size" {
		if len(rest) > 0 {
			return nil, kberr.Newf(kberr.Validation, "size() must terminate the path")
		}
		return &Traversal{Type: StepDirect, Size: true}, nil
	}

	prop, ok := current.Property(segment)
	if !ok {
		return nil, kberr.Newf(kberr.Validation,
			"no property %q on class %q", segment, current.Name).
			WithPayload(map[string]any{"property": segment, "class": current.Name})
	}
	if len(rest) == 0 {
		return &Traversal{Type: StepDirect, Attr: segment, prop: prop}, nil
	}
	if trimCall(strings.TrimSpace(rest[0])) == "size" {
		if !prop.Iterable() {
			return nil, kberr.Newf(kberr.Validation,
				"size() requires an iterable property, %q is %s", segment, prop.Type)
		}
		if len(rest) > 1 {
			return nil, kberr.Newf(kberr.Validation, "size() must terminate the path")
		}
		return &Traversal{Type: StepDirect, Attr: segment, prop: prop,
			Child: &Traversal{Type: StepDirect, Size: true}}, nil
	}
	// A link step requires a linked class to resolve the child against.
	if !prop.Type.IsLink() || prop.LinkedClass == "" {
		return nil, kberr.Newf(kberr.Validation,
			"property %q on class %q does not resolve to a linked class", segment, current.Name)
	}
	linked, err := s.Get(prop.LinkedClass)
	if err != nil {
		return nil, err
	}
	child, err := parseSegments(s, linked, rest)
	if err != nil {
		return nil, err
	}
	return &Traversal{Type: StepLink, Attr: segment, prop: prop, Child: child}, nil
}

func trimCall(segment string) string {
	if i := strings.IndexByte(segment, '('); i >= 0 {
		return segment[:i]
	}
	return segment
}

func vertexClass(s *schema.Schema) (*schema.ClassModel, error) {
	return s.Get("V")
}

// edgeStepClass picks the class edge properties resolve against: the single
// named edge class, or the base edge class when several (or none) are named.
func edgeStepClass(s *schema.Schema, edges []string) (*schema.ClassModel, error) {
	if len(edges) == 1 {
		return s.Get(edges[0])
	}
	return s.Get("E")
}

// parseObject compiles the nested object form {type, attr, edges, direction,
// child}.
func parseObject(s *schema.Schema, current *schema.ClassModel, obj map[string]any) (*Traversal, error) {
	typeName, _ := obj["type"].(string)
	switch StepType(strings.ToUpper(typeName)) {
	case StepEdge:
		if attr, ok := obj["attr"]; ok && attr != nil {
			return nil, kberr.Newf(kberr.Validation, "an EDGE traversal cannot name an attr")
		}
		dir := DirBoth
		if d, ok := obj["direction"].(string); ok {
			switch Direction(strings.ToLower(d)) {
			case DirIn, DirOut, DirBoth:
				dir = Direction(strings.ToLower(d))
			default:
				return nil, kberr.Newf(kberr.Validation, "invalid edge direction %q", d)
			}
		}
		var edges []string
		if raw, ok := obj["edges"].([]any); ok {
			for _, e := range raw {
				name, ok := e.(string)
				if !ok {
					return nil, kberr.Newf(kberr.Validation, "edge names must be strings, got %T", e)
				}
				resolved, err := resolveEdgeClass(s, name)
				if err != nil {
					return nil, err
				}
				edges = append(edges, resolved)
			}
		}
		node := &Traversal{Type: StepEdge, Direction: dir, Edges: edges, EdgeRecords: true}
		if child, ok := obj["child"].(map[string]any); ok {
			edgeModel, err := edgeStepClass(s, edges)
			if err != nil {
				return nil, err
			}
			sub, err := parseObject(s, edgeModel, child)
			if err != nil {
				return nil, err
			}
			node.Child = sub
		}
		return node, nil
	case StepLink, StepDirect, "":
		attr, ok := obj["attr"].(string)
		if !ok || attr == "" {
			return nil, kberr.Newf(kberr.Validation, "traversal object is missing its attr")
		}
		prop, found := current.Property(attr)
		if !found {
			return nil, kberr.Newf(kberr.Validation,
				"no property %q on class %q", attr, current.Name)
		}
		node := &Traversal{Type: StepDirect, Attr: attr, prop: prop}
		child, hasChild := obj["child"].(map[string]any)
		if !hasChild {
			return node, nil
		}
		if !prop.Type.IsLink() || prop.LinkedClass == "" {
			return nil, kberr.Newf(kberr.Validation,
				"property %q on class %q does not resolve to a linked class", attr, current.Name)
		}
		linked, err := s.Get(prop.LinkedClass)
		if err != nil {
			return nil, err
		}
		sub, err := parseObject(s, linked, child)
		if err != nil {
			return nil, err
		}
		node.Type = StepLink
		node.Child = sub
		return node, nil
	}
	return nil, kberr.Newf(kberr.Validation, "invalid traversal type %q", typeName)
}
