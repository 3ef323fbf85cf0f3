package compat

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ParseConstraint converts a comma separated constraint list such as
// ">=0.8.0,<1.0.0" into a Range. Strict lower bounds and inclusive upper
// bounds move to the next patch release to fit the half-open model.
// Operators other than >=, >, <, <=, == and = are rejected because they do
// not describe a single interval.
func ParseConstraint(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return All(), nil
	}
	var r Range
	for _, raw := range strings.Split(s, ",") {
		clause := strings.TrimSpace(raw)
		if clause == "" {
			return Range{}, fmt.Errorf("compat: empty clause in constraint %q", s)
		}
		op, rest := splitOperator(clause)
		if op == "" {
			return Range{}, fmt.Errorf("compat: unsupported constraint %q in %q", clause, s)
		}
		v, err := ParseVersion(rest)
		if err != nil {
			return Range{}, fmt.Errorf("compat: constraint %q: %w", s, err)
		}
		switch op {
		case ">=":
			r.Min = maxLower(r.Min, v)
		case ">":
			next := v.IncPatch()
			r.Min = maxLower(r.Min, &next)
		case "<":
			r.Max = minUpper(r.Max, v)
		case "<=":
			next := v.IncPatch()
			r.Max = minUpper(r.Max, &next)
		case "==", "=":
			next := v.IncPatch()
			r.Min = maxLower(r.Min, v)
			r.Max = minUpper(r.Max, &next)
		}
	}
	if err := r.Validate(); err != nil {
		return Range{}, fmt.Errorf("compat: constraint %q matches no version", s)
	}
	return r, nil
}

func splitOperator(clause string) (string, string) {
	for _, op := range []string{">=", "<=", "==", ">", "<", "="} {
		if strings.HasPrefix(clause, op) {
			return op, strings.TrimSpace(clause[len(op):])
		}
	}
	return "", ""
}

func maxLower(cur, v *semver.Version) *semver.Version {
	if cur == nil || v.Compare(cur) > 0 {
		return v
	}
	return cur
}

func minUpper(cur, v *semver.Version) *semver.Version {
	if cur == nil || v.Compare(cur) < 0 {
		return v
	}
	return cur
}
