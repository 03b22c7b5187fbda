package schema

import (
	"strings"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
)

// FormatOptions controls FormatRecord behaviour.
type FormatOptions struct {
	// AddDefaults fills missing properties from their default or generator.
	AddDefaults bool
	// DropExtra silently removes keys not present on the class.
	DropExtra bool
	// IgnoreExtra keeps unknown keys without validating them. When neither
	// DropExtra nor IgnoreExtra is set, unknown keys are an error.
	IgnoreExtra bool
	// IgnoreMissing skips the mandatory check, used when formatting partial
	// change sets for updates.
	IgnoreMissing bool
}

// reserved attribute keys passed through untouched.
func reservedAttr(key string) bool {
	return strings.HasPrefix(key, "@")
}

// FormatRecord validates and normalises a raw document against a class:
// defaults, casts (element-wise for iterables), mandatory/non-empty/choice
// checks, and recursive formatting of embedded documents. The input is not
// mutated. Formatting is idempotent: formatting a formatted record returns
// an equal record.
func (s *Schema) FormatRecord(c *ClassModel, raw model.Record, opts FormatOptions) (model.Record, error) {
	props := c.QueryProperties()
	formatted := make(model.Record, len(raw))

	for key, value := range raw {
		if reservedAttr(key) {
			formatted[key] = value
			continue
		}
		if _, ok := props[key]; !ok {
			if opts.DropExtra {
				continue
			}
			if opts.IgnoreExtra {
				formatted[key] = value
				continue
			}
			return nil, kberr.Newf(kberr.Validation,
				"unknown property %q on class %q", key, c.Name).
				WithPayload(map[string]any{"property": key, "class": c.Name})
		}
		formatted[key] = value
	}

	if opts.AddDefaults {
		for name, p := range props {
			if _, present := formatted[name]; present {
				continue
			}
			switch {
			case p.Generated != nil:
				formatted[name] = p.Generated()
			case p.Default != nil:
				formatted[name] = p.Default
			}
		}
	}

	for name, p := range props {
		value, present := formatted[name]
		if !present {
			if p.Mandatory && !opts.IgnoreMissing {
				return nil, kberr.Newf(kberr.Validation,
					"missing mandatory property %q on class %q", name, c.Name).
					WithPayload(map[string]any{"property": name, "class": c.Name})
			}
			continue
		}
		if value == nil {
			if !p.Nullable {
				return nil, kberr.Newf(kberr.Validation,
					"property %q on class %q cannot be null", name, c.Name)
			}
			continue
		}
		cast, err := s.formatValue(p, value, opts)
		if err != nil {
			return nil, err
		}
		if err := checkConstraints(c, p, cast); err != nil {
			return nil, err
		}
		formatted[name] = cast
	}
	return formatted, nil
}

// formatValue applies the property cast, element-wise for iterables, with
// embedded documents formatted recursively against their tagged class.
func (s *Schema) formatValue(p *Property, value any, opts FormatOptions) (any, error) {
	if p.Type == TypeEmbedded {
		return s.formatEmbedded(p, value, opts)
	}
	if !p.Iterable() {
		return s.castScalar(p, value, opts)
	}
	if p.Type == TypeEmbeddedMap {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, kberr.Newf(kberr.Validation,
				"property %q expects a map, got %T", p.Name, value)
		}
		out := make(map[string]any, len(m))
		for k, v := range m {
			cast, err := s.castScalar(p, v, opts)
			if err != nil {
				return nil, err
			}
			out[k] = cast
		}
		return out, nil
	}
	list, ok := asList(value)
	if !ok {
		return nil, kberr.Newf(kberr.Validation,
			"property %q expects a list, got %T", p.Name, value)
	}
	out := make([]any, len(list))
	for i, v := range list {
		cast, err := s.castScalar(p, v, opts)
		if err != nil {
			return nil, err
		}
		out[i] = cast
	}
	return out, nil
}

func (s *Schema) castScalar(p *Property, value any, opts FormatOptions) (any, error) {
	if p.Type.IsEmbedded() && p.Type != TypeEmbeddedMap {
		return s.formatEmbedded(p, value, opts)
	}
	if cast := p.cast(); cast != nil {
		return cast(value)
	}
	return value, nil
}

// formatEmbedded formats one embedded document. The document must carry an
// explicit class tag naming an embedded class.
func (s *Schema) formatEmbedded(p *Property, value any, opts FormatOptions) (any, error) {
	doc, ok := asRecord(value)
	if !ok {
		// Plain scalars are allowed inside untyped embedded collections.
		if p.LinkedClass == "" && p.Type != TypeEmbedded {
			if cast := p.cast(); cast != nil {
				return cast(value)
			}
			return value, nil
		}
		return nil, kberr.Newf(kberr.Validation,
			"property %q expects an embedded document, got %T", p.Name, value)
	}
	className := doc.Class()
	if className == "" {
		return nil, kberr.Newf(kberr.Validation,
			"embedded document for property %q is missing its class attribute", p.Name).
			WithPayload(map[string]any{"property": p.Name})
	}
	embedded, err := s.Get(className)
	if err != nil {
		return nil, err
	}
	if p.LinkedClass != "" && !embedded.InheritsFrom(p.LinkedClass) {
		return nil, kberr.Newf(kberr.Validation,
			"embedded class %q is not a %q as required by property %q",
			className, p.LinkedClass, p.Name)
	}
	return s.FormatRecord(embedded, doc, opts)
}

func checkConstraints(c *ClassModel, p *Property, value any) error {
	if p.NonEmpty {
		switch v := value.(type) {
		case string:
			if v == "" {
				return nonEmptyError(c, p)
			}
		case []any:
			if len(v) == 0 {
				return nonEmptyError(c, p)
			}
		case map[string]any:
			if len(v) == 0 {
				return nonEmptyError(c, p)
			}
		}
	}
	if len(p.Choices) > 0 {
		if list, ok := asList(value); ok && p.Iterable() {
			for _, v := range list {
				if !p.choiceAllowed(v) {
					return choiceError(c, p, v)
				}
			}
		} else if !p.choiceAllowed(value) {
			return choiceError(c, p, value)
		}
	}
	return nil
}

func nonEmptyError(c *ClassModel, p *Property) error {
	return kberr.Newf(kberr.Validation,
		"property %q on class %q cannot be empty", p.Name, c.Name).
		WithPayload(map[string]any{"property": p.Name, "class": c.Name})
}

func choiceError(c *ClassModel, p *Property, v any) error {
	return kberr.Newf(kberr.Validation,
		"value %v is not an allowed choice for %s.%s", v, c.Name, p.Name).
		WithPayload(map[string]any{"property": p.Name, "value": v, "choices": p.Choices})
}

func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func asRecord(value any) (model.Record, bool) {
	switch v := value.(type) {
	case model.Record:
		return v, true
	case map[string]any:
		return model.Record(v), true
	}
	return nil, false
}
