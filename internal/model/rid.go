package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/graphkb/graphkb/internal/kberr"
)

// ridPattern matches a record identifier with or without the leading '#'.
var ridPattern = regexp.MustCompile(`^#?(-?\d+):(-?\d+)$`)

// RID identifies a stored record by cluster and position.
type RID struct {
	Cluster  int64
	Position int64
}

// ParseRID parses the string form of a record identifier, accepting an
// optional leading '#'.
func ParseRID(s string) (RID, error) {
	m := ridPattern.FindStringSubmatch(s)
	if m == nil {
		return RID{}, kberr.Newf(kberr.Validation, "not a valid record ID: %q", s).
			WithPayload(map[string]any{"value": s})
	}
	cluster, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return RID{}, kberr.Newf(kberr.Validation, "not a valid record ID: %q", s)
	}
	position, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return RID{}, kberr.Newf(kberr.Validation, "not a valid record ID: %q", s)
	}
	return RID{Cluster: cluster, Position: position}, nil
}

// String renders the canonical '#cluster:position' form.
func (r RID) String() string {
	return fmt.Sprintf("#%d:%d", r.Cluster, r.Position)
}

// IsZero reports whether the RID is the zero value.
func (r RID) IsZero() bool {
	return r.Cluster == 0 && r.Position == 0
}

// MarshalJSON renders the string form.
func (r RID) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON accepts the string form with or without the leading '#'.
func (r *RID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRID(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
