package catalog

import (
	"bytes"
	"fmt"
	"strings"

	"pkt.systems/gardenpub/internal/compat"
)

// Problem is one validation failure. Index is the position of the offending
// entry; for pairwise problems it is the later entry of the pair and Other
// is the earlier one.
type Problem struct {
	Index   int
	Other   int
	Name    string
	Message string
}

func (p Problem) String() string {
	return fmt.Sprintf("[%d] %s: %s", p.Index, p.Name, p.Message)
}

// ValidationError collects every problem found in a catalog.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "catalog: invalid entry " + e.Problems[0].String()
	}
	lines := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		lines = append(lines, "  "+p.String())
	}
	return fmt.Sprintf("catalog: %d invalid entries:\n%s", len(e.Problems), strings.Join(lines, "\n"))
}

// Validate checks every entry and the catalog invariants: no duplicate
// name and version, and no partially overlapping ranges under one name.
func (c Catalog) Validate() error {
	var problems []Problem
	add := func(idx, other int, name, format string, args ...any) {
		problems = append(problems, Problem{Index: idx, Other: other, Name: name, Message: fmt.Sprintf(format, args...)})
	}
	valid := make([]bool, len(c))
	for i, e := range c {
		ok := true
		if strings.TrimSpace(e.Name) == "" {
			add(i, -1, e.Name, "name is required")
			ok = false
		}
		if _, err := compat.ParseVersion(e.Version); err != nil {
			add(i, -1, e.Name, "invalid version %q", e.Version)
			ok = false
		}
		if e.CompatRange != nil {
			if err := e.CompatRange.Validate(); err != nil {
				add(i, -1, e.Name, "%v", err)
				ok = false
			}
		}
		if p := bytes.TrimSpace(e.Payload); len(p) > 0 && p[0] != '{' {
			add(i, -1, e.Name, "payload must be a JSON object")
			ok = false
		}
		if e.ContentHash != "" {
			want, err := e.ComputeHash()
			switch {
			case err != nil:
				add(i, -1, e.Name, "%v", err)
				ok = false
			case want != e.ContentHash:
				add(i, -1, e.Name, "content_hash %s does not match payload (%s)", e.ContentHash, want)
			}
		}
		valid[i] = ok
	}
	for j := range c {
		if !valid[j] {
			continue
		}
		for i := 0; i < j; i++ {
			if !valid[i] || c[i].Name != c[j].Name {
				continue
			}
			if cmp, _ := compat.CompareVersions(c[i].Version, c[j].Version); cmp == 0 {
				add(j, i, c[j].Name, "duplicate version %s (also at [%d])", c[j].Version, i)
				continue
			}
			if compat.Relate(c[i].Range(), c[j].Range()) == compat.Partial {
				add(j, i, c[j].Name, "range %s partially overlaps %s@%s range %s at [%d]",
					c[j].Range(), c[i].Name, c[i].Version, c[i].Range(), i)
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
