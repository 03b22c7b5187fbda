package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
)

// CastFunc converts an input value into the canonical form for a property.
// Cast functions are total: any input either converts or yields a
// ValidationError naming the offending value.
type CastFunc func(any) (any, error)

// CastString trims surrounding whitespace and rejects non-string input.
func CastString(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, castError("string", v)
	}
	return strings.TrimSpace(s), nil
}

// CastLowercaseString trims and lowercases, the default for ontology names
// and source identifiers.
func CastLowercaseString(v any) (any, error) {
	s, err := CastString(v)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s.(string)), nil
}

// CastNonEmptyString is CastLowercaseString but rejects blank results.
func CastNonEmptyString(v any) (any, error) {
	s, err := CastLowercaseString(v)
	if err != nil {
		return nil, err
	}
	if s.(string) == "" {
		return nil, kberr.New(kberr.Validation, "cannot be an empty string").
			WithPayload(map[string]any{"value": v})
	}
	return s, nil
}

// CastInteger converts strings and numbers to int64, rejecting fractions.
func CastInteger(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return nil, castError("integer", v)
		}
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return nil, castError("integer", v)
		}
		return i, nil
	}
	return nil, castError("integer", v)
}

// CastDecimalInteger converts decimal numbers to int64, truncating toward
// zero. Strings are parsed as decimals first.
func CastDecimalInteger(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(math.Trunc(n)), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, castError("decimal integer", v)
		}
		return int64(math.Trunc(f)), nil
	}
	return nil, castError("decimal integer", v)
}

// CastBoolean accepts t/true/1 and f/false/0 in any case, plus native bools
// and nil. Everything else fails.
func CastBoolean(v any) (any, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return b, nil
	case float64:
		if b == 1 {
			return true, nil
		}
		if b == 0 {
			return false, nil
		}
	case int:
		if b == 1 {
			return true, nil
		}
		if b == 0 {
			return false, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "t", "true", "1":
			return true, nil
		case "f", "false", "0":
			return false, nil
		case "null":
			return nil, nil
		}
	}
	return nil, castError("boolean", v)
}

// CastRID converts a string of the form '#cluster:position' (or an object
// carrying a record identifier) into a model.RID.
func CastRID(v any) (any, error) {
	switch val := v.(type) {
	case model.RID:
		return val, nil
	case string:
		rid, err := model.ParseRID(val)
		if err != nil {
			return nil, err
		}
		return rid, nil
	case model.Record:
		if rid := val.RID(); !rid.IsZero() {
			return rid, nil
		}
	case map[string]any:
		if rid := model.Record(val).RID(); !rid.IsZero() {
			return rid, nil
		}
	}
	return nil, castError("record ID", v)
}

// CastRangeInt builds a cast for integers bounded to [min, max] inclusive.
func CastRangeInt(min, max int64) CastFunc {
	return func(v any) (any, error) {
		cast, err := CastInteger(v)
		if err != nil {
			return nil, err
		}
		n := cast.(int64)
		if n < min || n > max {
			return nil, kberr.Newf(kberr.Validation,
				"value %d outside the allowed range [%d, %d]", n, min, max).
				WithPayload(map[string]any{"value": n, "min": min, "max": max})
		}
		return n, nil
	}
}

func castError(target string, v any) error {
	return kberr.Newf(kberr.Validation, "cannot cast %v (%T) to %s", v, v, target).
		WithPayload(map[string]any{"value": fmt.Sprint(v)})
}
