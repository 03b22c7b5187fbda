package schema

import (
	"errors"
	"testing"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
)

func TestCastBoolean(t *testing.T) {
	truthy := []any{"t", "T", "true", "TRUE", "True", "1", 1, float64(1), true}
	for _, in := range truthy {
		got, err := CastBoolean(in)
		if err != nil {
			t.Errorf("CastBoolean(%v): %v", in, err)
		} else if got != true {
			t.Errorf("CastBoolean(%v) = %v, want true", in, got)
		}
	}
	falsy := []any{"f", "F", "false", "FALSE", "0", 0, float64(0), false}
	for _, in := range falsy {
		got, err := CastBoolean(in)
		if err != nil {
			t.Errorf("CastBoolean(%v): %v", in, err)
		} else if got != false {
			t.Errorf("CastBoolean(%v) = %v, want false", in, got)
		}
	}
	for _, in := range []any{nil, "null", "NULL"} {
		got, err := CastBoolean(in)
		if err != nil || got != nil {
			t.Errorf("CastBoolean(%v) = %v, %v; want nil, nil", in, got, err)
		}
	}
	for _, in := range []any{"yes", "no", 2, "tr", 0.5, []any{}} {
		if _, err := CastBoolean(in); !errors.Is(err, kberr.Validation) {
			t.Errorf("CastBoolean(%v): expected ValidationError, got %v", in, err)
		}
	}
}

func TestCastInteger(t *testing.T) {
	tests := []struct {
		in      any
		want    int64
		wantErr bool
	}{
		{"12", 12, false},
		{" -3 ", -3, false},
		{float64(7), 7, false},
		{7, 7, false},
		{float64(7.5), 0, true},
		{"7.5", 0, true},
		{"abc", 0, true},
		{nil, 0, true},
	}
	for _, tt := range tests {
		got, err := CastInteger(tt.in)
		if tt.wantErr {
			if !errors.Is(err, kberr.Validation) {
				t.Errorf("CastInteger(%v): expected ValidationError, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("CastInteger(%v) = %v, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}

func TestCastDecimalIntegerTruncates(t *testing.T) {
	got, err := CastDecimalInteger(float64(7.9))
	if err != nil || got != int64(7) {
		t.Errorf("CastDecimalInteger(7.9) = %v, %v", got, err)
	}
	got, err = CastDecimalInteger("-2.5")
	if err != nil || got != int64(-2) {
		t.Errorf("CastDecimalInteger(-2.5) = %v, %v", got, err)
	}
}

func TestCastRID(t *testing.T) {
	got, err := CastRID("#12:3")
	if err != nil || got != (model.RID{Cluster: 12, Position: 3}) {
		t.Errorf("CastRID(#12:3) = %v, %v", got, err)
	}
	got, err = CastRID(map[string]any{"@rid": "#4:1", "name": "thing"})
	if err != nil || got != (model.RID{Cluster: 4, Position: 1}) {
		t.Errorf("CastRID(record) = %v, %v", got, err)
	}
	if _, err := CastRID("not-a-rid"); !errors.Is(err, kberr.Validation) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	if _, err := CastRID(12); !errors.Is(err, kberr.Validation) {
		t.Errorf("expected ValidationError for numeric input, got %v", err)
	}
}

func TestCastRangeInt(t *testing.T) {
	cast := CastRangeInt(1, 50)
	if got, err := cast("50"); err != nil || got != int64(50) {
		t.Errorf("cast(50) = %v, %v", got, err)
	}
	if _, err := cast(0); !errors.Is(err, kberr.Validation) {
		t.Errorf("expected range error, got %v", err)
	}
	if _, err := cast(51); !errors.Is(err, kberr.Validation) {
		t.Errorf("expected range error, got %v", err)
	}
}

func TestStringCasts(t *testing.T) {
	if got, _ := CastLowercaseString("  KRAS "); got != "kras" {
		t.Errorf("CastLowercaseString = %q", got)
	}
	if got, _ := CastString("  Keep Case "); got != "Keep Case" {
		t.Errorf("CastString = %q", got)
	}
	if _, err := CastNonEmptyString("   "); !errors.Is(err, kberr.Validation) {
		t.Errorf("expected error for blank string, got %v", err)
	}
	if _, err := CastString(5); !errors.Is(err, kberr.Validation) {
		t.Errorf("expected error for non-string, got %v", err)
	}
}
