// Package compat implements the platform-compatibility algebra used by the
// merge engine: semantic versions and half-open version ranges.
package compat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var zeroVersion = semver.MustParse("0.0.0")

// ParseVersion parses a semantic version. Short forms such as "1.2" are
// accepted and normalised to "1.2.0".
func ParseVersion(s string) (*semver.Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("compat: empty version")
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("compat: invalid version %q: %w", s, err)
	}
	return v, nil
}

// CompareVersions returns -1, 0 or 1 as a is lower than, equal to or higher
// than b in semver precedence.
func CompareVersions(a, b string) (int, error) {
	va, err := ParseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := ParseVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// Range is the half-open interval [Min, Max) of platform versions. A nil Min
// starts at 0.0.0; a nil Max is unbounded.
type Range struct {
	Min *semver.Version
	Max *semver.Version
}

// All is the range matching every version.
func All() Range { return Range{} }

// NewRange parses optional bounds; empty strings leave a bound open.
func NewRange(min, max string) (Range, error) {
	var r Range
	if strings.TrimSpace(min) != "" {
		v, err := ParseVersion(min)
		if err != nil {
			return Range{}, err
		}
		r.Min = v
	}
	if strings.TrimSpace(max) != "" {
		v, err := ParseVersion(max)
		if err != nil {
			return Range{}, err
		}
		r.Max = v
	}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// MustRange is NewRange for literals in tests and defaults.
func MustRange(min, max string) Range {
	r, err := NewRange(min, max)
	if err != nil {
		panic(err)
	}
	return r
}

// Validate rejects empty intervals.
func (r Range) Validate() error {
	if r.Max != nil && r.lower().Compare(r.Max) >= 0 {
		return fmt.Errorf("compat: empty range %s (min must be below max)", r)
	}
	return nil
}

// IsAll reports whether r matches every version.
func (r Range) IsAll() bool {
	return r.Max == nil && r.lower().Equal(zeroVersion)
}

// Contains reports whether every version in other is also in r.
func (r Range) Contains(other Range) bool {
	rel := Relate(r, other)
	return rel == Equal || rel == Superset
}

// String renders r in constraint notation, e.g. ">=1.0.0,<2.0.0".
func (r Range) String() string {
	if r.IsAll() {
		return "*"
	}
	parts := make([]string, 0, 2)
	if r.Min != nil {
		parts = append(parts, ">="+r.Min.String())
	}
	if r.Max != nil {
		parts = append(parts, "<"+r.Max.String())
	}
	return strings.Join(parts, ",")
}

func (r Range) lower() *semver.Version {
	if r.Min == nil {
		return zeroVersion
	}
	return r.Min
}

// compareUpper orders upper bounds with nil as +inf.
func compareUpper(a, b *semver.Version) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return a.Compare(b)
	}
}

// endsBefore reports whether an interval ending at upper lies wholly below
// lower.
func endsBefore(upper, lower *semver.Version) bool {
	return upper != nil && upper.Compare(lower) <= 0
}

// Relation classifies how one range relates to another.
type Relation int

const (
	// Equal ranges have identical bounds.
	Equal Relation = iota
	// Disjoint ranges share no version.
	Disjoint
	// Superset means the first range strictly contains the second.
	Superset
	// Subset means the second range strictly contains the first.
	Subset
	// Partial ranges overlap without either containing the other.
	Partial
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Disjoint:
		return "disjoint"
	case Superset:
		return "superset"
	case Subset:
		return "subset"
	case Partial:
		return "partial"
	default:
		return fmt.Sprintf("relation(%d)", int(r))
	}
}

// Relate classifies a relative to b.
func Relate(a, b Range) Relation {
	lo := a.lower().Compare(b.lower())
	hi := compareUpper(a.Max, b.Max)
	switch {
	case lo == 0 && hi == 0:
		return Equal
	case endsBefore(a.Max, b.lower()) || endsBefore(b.Max, a.lower()):
		return Disjoint
	case lo <= 0 && hi >= 0:
		return Superset
	case lo >= 0 && hi <= 0:
		return Subset
	default:
		return Partial
	}
}

// CompareRanges gives ranges a total order (lower bound, then upper bound)
// so lists of entries can be sorted deterministically.
func CompareRanges(a, b Range) int {
	if c := a.lower().Compare(b.lower()); c != 0 {
		return c
	}
	return compareUpper(a.Max, b.Max)
}

type rangeJSON struct {
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

// MarshalJSON always emits the object form.
func (r Range) MarshalJSON() ([]byte, error) {
	var out rangeJSON
	if r.Min != nil {
		out.Min = r.Min.String()
	}
	if r.Max != nil {
		out.Max = r.Max.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the object form, a legacy constraint string or null.
func (r *Range) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		*r = Range{}
		return nil
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseConstraint(s)
		if err != nil {
			return err
		}
		*r = parsed
		return nil
	}
	var in rangeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("compat: decode range: %w", err)
	}
	parsed, err := NewRange(in.Min, in.Max)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
