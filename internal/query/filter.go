package query

import (
	"fmt"
	"strings"

	"github.com/graphkb/graphkb/internal/kberr"
)

// Operator is a comparison operator in the store dialect.
type Operator string

// Supported operators. OpTextMatch ('~') is input sugar for CONTAINSTEXT.
const (
	OpEq           Operator = "="
	OpNeq          Operator = "!="
	OpGt           Operator = ">"
	OpGte          Operator = ">="
	OpLt           Operator = "<"
	OpLte          Operator = "<="
	OpIn           Operator = "IN"
	OpContains     Operator = "CONTAINS"
	OpContainsAny  Operator = "CONTAINSANY"
	OpContainsAll  Operator = "CONTAINSALL"
	OpContainsText Operator = "CONTAINSTEXT"
	OpIs           Operator = "IS"
	OpTextMatch    Operator = "~"
)

var operators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpContains: true, OpContainsAny: true, OpContainsAll: true,
	OpContainsText: true, OpIs: true, OpTextMatch: true,
}

// ParseOperator validates an operator name.
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.ToUpper(strings.TrimSpace(s)))
	if !operators[op] {
		return "", kberr.Newf(kberr.Validation, "invalid operator %q", s).
			WithPayload(map[string]any{"operator": s})
	}
	return op, nil
}

// Filter is one node of the boolean filter tree.
type Filter interface {
	// Render emits the SQL condition, binding scalars into params.
	Render(p *Params) (string, error)
}

// Comparison compares an attribute traversal against a value, a value list,
// or a subquery.
type Comparison struct {
	Trav     *Traversal
	Operator Operator
	Value    any // scalar, []any, or *Subquery
	Negate   bool
}

// NewComparison validates operator defaulting rules and value casts,
// returning a render-ready comparison.
func NewComparison(trav *Traversal, op Operator, value any, negate bool) (*Comparison, error) {
	if op == OpTextMatch {
		op = OpContainsText
	}
	iterableAttr := trav.Iterable()
	_, isSub := value.(*Subquery)
	list, isList := asValueList(value)

	if op == "" {
		switch {
		case iterableAttr && isSub:
			op = OpContainsAny
		case iterableAttr && isList:
			op = OpContainsAll
		case iterableAttr:
			op = OpContains
		case isList || isSub:
			op = OpIn
		default:
			op = OpEq
		}
	}
	if op == OpEq && value == nil {
		op = OpIs
	}

	switch op {
	case OpGt, OpGte, OpLt, OpLte:
		if iterableAttr {
			return nil, kberr.Newf(kberr.Validation,
				"cannot apply %s to the iterable attribute %q", op, trav.Render())
		}
	case OpContains, OpContainsAll, OpContainsAny:
		if !iterableAttr {
			return nil, kberr.Newf(kberr.Validation,
				"cannot apply %s to the non-iterable attribute %q", op, trav.Render())
		}
	case OpIn:
		if !isList && !isSub {
			return nil, kberr.Newf(kberr.Validation, "IN requires a list or subquery value")
		}
	case OpIs:
		if value != nil {
			return nil, kberr.Newf(kberr.Validation, "IS comparisons only accept null")
		}
	case OpEq:
		if iterableAttr && !isList {
			return nil, kberr.Newf(kberr.Validation,
				"direct comparison against the iterable attribute %q requires an iterable value",
				trav.Render())
		}
		if !iterableAttr && isList {
			return nil, kberr.Newf(kberr.Validation,
				"direct comparison against the scalar attribute %q cannot use a list",
				trav.Render())
		}
	}

	cmp := &Comparison{Trav: trav, Operator: op, Negate: negate}
	switch {
	case isSub:
		cmp.Value = value
	case isList:
		cast := make([]any, len(list))
		for i, v := range list {
			c, err := castComparisonValue(trav, op, v)
			if err != nil {
				return nil, err
			}
			cast[i] = c
		}
		cmp.Value = cast
	default:
		c, err := castComparisonValue(trav, op, value)
		if err != nil {
			return nil, err
		}
		cmp.Value = c
	}
	return cmp, nil
}

// castComparisonValue applies the terminal cast and choice check to a single
// scalar. Text-search operators keep the raw string.
func castComparisonValue(trav *Traversal, op Operator, v any) (any, error) {
	if v == nil {
		return nil, trav.CheckChoice(nil)
	}
	if op == OpContainsText {
		s, ok := v.(string)
		if !ok {
			return nil, kberr.Newf(kberr.Validation, "%s requires a string value", op)
		}
		return strings.ToLower(strings.TrimSpace(s)), nil
	}
	cast, err := trav.Cast(v)
	if err != nil {
		return nil, err
	}
	if err := trav.CheckChoice(cast); err != nil {
		return nil, err
	}
	return cast, nil
}

// Render emits the condition with bound parameters.
func (c *Comparison) Render(p *Params) (string, error) {
	attr := c.Trav.Render()
	var expr string
	switch value := c.Value.(type) {
	case *Subquery:
		inner, err := value.Render(p)
		if err != nil {
			return "", err
		}
		expr = fmt.Sprintf("%s %s (%s)", attr, c.Operator, inner)
	case []any:
		params := make([]string, len(value))
		for i, v := range value {
			params[i] = p.Add(v)
		}
		expr = fmt.Sprintf("%s %s [%s]", attr, c.Operator, strings.Join(params, ", "))
	case nil:
		expr = fmt.Sprintf("%s IS NULL", attr)
		if c.Negate {
			return fmt.Sprintf("%s IS NOT NULL", attr), nil
		}
		return expr, nil
	default:
		expr = fmt.Sprintf("%s %s %s", attr, c.Operator, p.Add(value))
	}
	if c.Negate {
		return fmt.Sprintf("NOT (%s)", expr), nil
	}
	return expr, nil
}

// ClauseOperator joins the children of a boolean clause.
type ClauseOperator string

// Boolean clause operators.
const (
	ClauseAnd ClauseOperator = "AND"
	ClauseOr  ClauseOperator = "OR"
)

// Clause composes comparisons and nested clauses with AND/OR.
type Clause struct {
	Operator ClauseOperator
	Filters  []Filter
	Negate   bool
}

// Render joins the children, parenthesising a nested clause when it has two
// or more children and appears under a different operator.
func (c *Clause) Render(p *Params) (string, error) {
	if len(c.Filters) == 0 {
		return "", kberr.Newf(kberr.Validation, "an empty %s clause cannot be rendered", c.Operator)
	}
	parts := make([]string, len(c.Filters))
	for i, f := range c.Filters {
		rendered, err := f.Render(p)
		if err != nil {
			return "", err
		}
		if sub, ok := f.(*Clause); ok && len(sub.Filters) >= 2 && sub.Operator != c.Operator && !sub.Negate {
			rendered = "(" + rendered + ")"
		}
		parts[i] = rendered
	}
	joined := strings.Join(parts, fmt.Sprintf(" %s ", c.Operator))
	if c.Negate {
		return fmt.Sprintf("NOT (%s)", joined), nil
	}
	return joined, nil
}

func asValueList(value any) ([]any, bool) {
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
