package merge

import (
	"fmt"
	"strings"
)

// Counts tallies a result the way the plan summary prints it.
type Counts struct {
	Insert  int
	Replace int
	Fail    int
}

// Count tallies decisions by kind. Forced decisions count with their
// unforced counterparts; every conflict counts as a failure.
func (r Result) Count() Counts {
	var c Counts
	for _, d := range r.Plan {
		switch d.Kind {
		case Insert, ForcedInsert:
			c.Insert++
		case Replace, ForcedReplace:
			c.Replace++
		}
	}
	c.Fail = len(r.Conflicts)
	return c
}

// Summary renders the plan for humans:
//
//	INSERT:  1
//	REPLACE: 1
//	FAIL:    0
//	  + alpha 1.1.0 [>=2.0.0,<3.0.0]
//	  ~ beta 1.0.0 -> 1.1.0 [>=1.0.0]
func Summary(r Result) string {
	c := r.Count()
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT:  %d\nREPLACE: %d\nFAIL:    %d\n", c.Insert, c.Replace, c.Fail)
	for _, d := range r.Plan {
		cand := d.Candidate
		switch d.Kind {
		case Insert:
			fmt.Fprintf(&b, "  + %s %s [%s]\n", cand.Name, cand.Version, cand.Range())
		case Replace:
			fmt.Fprintf(&b, "  ~ %s %s -> %s [%s]\n", cand.Name, versions(d), cand.Version, cand.Range())
		case ForcedInsert:
			fmt.Fprintf(&b, "  ! %s %s [%s] (forced insert)\n", cand.Name, cand.Version, cand.Range())
		case ForcedReplace:
			fmt.Fprintf(&b, "  ! %s %s -> %s [%s] (forced replace", cand.Name, versions(d), cand.Version, cand.Range())
			if n := len(d.Overridden); n > 0 {
				fmt.Fprintf(&b, ", %d conflict(s) overridden", n)
			}
			b.WriteString(")\n")
		}
	}
	for _, conflict := range r.Conflicts {
		fmt.Fprintf(&b, "  x %s\n", conflict)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}
	return b.String()
}

func versions(d Decision) string {
	parts := make([]string, 0, len(d.Replaced))
	for _, e := range d.Replaced {
		parts = append(parts, e.Version)
	}
	return strings.Join(parts, ",")
}
