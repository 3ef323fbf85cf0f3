// Package merge decides, entry by entry, how a local candidate catalog folds
// into the published one. It is pure: the same inputs always produce the same
// result.
package merge

import (
	"errors"
	"fmt"
	"sort"

	"pkt.systems/gardenpub/internal/catalog"
	"pkt.systems/gardenpub/internal/compat"
)

// DecisionKind tags how a candidate is applied.
type DecisionKind int

const (
	// Insert appends the candidate next to any existing entries.
	Insert DecisionKind = iota
	// Replace removes the listed entries and appends the candidate.
	Replace
	// ForcedInsert is an Insert made under a force override.
	ForcedInsert
	// ForcedReplace removes every entry of the name under a force override.
	ForcedReplace
)

func (k DecisionKind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case Replace:
		return "REPLACE"
	case ForcedInsert:
		return "FORCED_INSERT"
	case ForcedReplace:
		return "FORCED_REPLACE"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// Forced reports whether the decision bypassed the version rules.
func (k DecisionKind) Forced() bool {
	return k == ForcedInsert || k == ForcedReplace
}

// ConflictKind names a rule a candidate violated.
type ConflictKind string

// Conflict kinds.
const (
	DuplicateImmutable ConflictKind = "duplicate-immutable"
	Downgrade          ConflictKind = "downgrade"
	AmbiguousRange     ConflictKind = "ambiguous-range"
	LocalCollision     ConflictKind = "local-collision"
	InvalidVersion     ConflictKind = "invalid-version"
	NotFound           ConflictKind = "not-found"
)

// Decision is the plan for one local candidate.
type Decision struct {
	Kind      DecisionKind
	Candidate catalog.Entry
	// Replaced lists the remote entries removed, sorted by version and range.
	Replaced []catalog.Entry
	// Overridden records the conflicts a force override set aside.
	Overridden []Conflict
}

// Conflict is one rule violation.
type Conflict struct {
	Kind      ConflictKind
	Candidate catalog.Entry
	// Existing is the entry the candidate clashed with, when there is one.
	Existing *catalog.Entry
	Detail   string
}

func (c Conflict) String() string {
	if c.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", c.Candidate.Label(), c.Kind, c.Detail)
	}
	return fmt.Sprintf("%s: %s", c.Candidate.Label(), c.Kind)
}

// Result carries the plan for every candidate that passed the rules and
// every conflict found. Catalog is only set when there are no conflicts.
type Result struct {
	Catalog   catalog.Catalog
	Plan      []Decision
	Conflicts []Conflict
	// Warnings describe problems already present in the remote catalog that
	// the merge did not introduce.
	Warnings []string
}

// Rejected reports whether the merge must not be applied.
func (r Result) Rejected() bool { return len(r.Conflicts) > 0 }

// ErrRejected wraps conflict reports returned as errors.
var ErrRejected = errors.New("merge: rejected")

// Err returns nil for a merged result, or an error describing the conflicts.
func (r Result) Err() error {
	if !r.Rejected() {
		return nil
	}
	return fmt.Errorf("%w: %d conflict(s)", ErrRejected, len(r.Conflicts))
}

// Merge folds local into remote. forceName, when non-empty, names the one
// entry whose conflicts are overridden: every remote entry of that name is
// replaced outright. Whether forcing is allowed is the caller's decision.
func Merge(remote, local catalog.Catalog, forceName string) Result {
	var (
		res     Result
		removed = make(map[int]bool)
	)
	byName := indexByName(remote)

	for _, cand := range local {
		existing := byName[cand.Name]
		conflicts, replace := evaluate(cand, remote, existing)

		if forceName != "" && cand.Name == forceName {
			d := Decision{Kind: ForcedInsert, Candidate: cand, Overridden: conflicts}
			if len(existing) > 0 {
				d.Kind = ForcedReplace
				d.Replaced = entriesAt(remote, existing)
				for _, idx := range existing {
					removed[idx] = true
				}
			}
			res.Plan = append(res.Plan, d)
			continue
		}
		if len(conflicts) > 0 {
			res.Conflicts = append(res.Conflicts, conflicts...)
			continue
		}
		d := Decision{Kind: Insert, Candidate: cand}
		if len(replace) > 0 {
			d.Kind = Replace
			d.Replaced = entriesAt(remote, replace)
			for _, idx := range replace {
				removed[idx] = true
			}
		}
		res.Plan = append(res.Plan, d)
	}

	if res.Rejected() {
		return res
	}

	kept := make(catalog.Catalog, 0, len(remote)+len(res.Plan))
	for i, e := range remote {
		if !removed[i] {
			kept = append(kept, e)
		}
	}
	merged := kept
	for _, d := range res.Plan {
		merged = append(merged, d.Candidate)
	}

	res.Warnings, res.Conflicts = checkMerged(merged, len(kept))
	if res.Rejected() {
		return res
	}
	res.Catalog = merged
	return res
}

// evaluate compares cand with every remote entry of the same name and
// returns the conflicts found and the remote indices it would replace.
func evaluate(cand catalog.Entry, remote catalog.Catalog, existing []int) ([]Conflict, []int) {
	var (
		conflicts []Conflict
		replace   []int
	)
	candVersion, err := compat.ParseVersion(cand.Version)
	if err != nil {
		return []Conflict{{Kind: InvalidVersion, Candidate: cand, Detail: err.Error()}}, nil
	}
	candRange := cand.Range()
	for _, idx := range existing {
		e := remote[idx]
		ePtr := &e
		eVersion, err := compat.ParseVersion(e.Version)
		if err != nil {
			conflicts = append(conflicts, Conflict{Kind: InvalidVersion, Candidate: cand, Existing: ePtr,
				Detail: fmt.Sprintf("published entry has invalid version %q", e.Version)})
			continue
		}
		switch c := candVersion.Compare(eVersion); {
		case c == 0:
			conflicts = append(conflicts, Conflict{Kind: DuplicateImmutable, Candidate: cand, Existing: ePtr,
				Detail: fmt.Sprintf("version %s is already published", e.Version)})
		case c < 0:
			conflicts = append(conflicts, Conflict{Kind: Downgrade, Candidate: cand, Existing: ePtr,
				Detail: fmt.Sprintf("cannot downgrade from %s to %s", e.Version, cand.Version)})
		default:
			switch rel := compat.Relate(candRange, e.Range()); rel {
			case compat.Disjoint:
			case compat.Equal, compat.Superset:
				replace = append(replace, idx)
			default:
				detail := fmt.Sprintf("range %s partially overlaps %s of %s", candRange, e.Range(), e.Version)
				if rel == compat.Subset {
					detail = fmt.Sprintf("range %s would narrow %s of %s", candRange, e.Range(), e.Version)
				}
				conflicts = append(conflicts, Conflict{Kind: AmbiguousRange, Candidate: cand, Existing: ePtr, Detail: detail})
			}
		}
	}
	return conflicts, replace
}

// checkMerged validates the merged catalog. Problems involving an appended
// entry (index >= firstAppended) are conflicts; problems wholly inside the
// untouched remote entries are only warnings.
func checkMerged(merged catalog.Catalog, firstAppended int) ([]string, []Conflict) {
	err := merged.Validate()
	if err == nil {
		return nil, nil
	}
	var verr *catalog.ValidationError
	if !errors.As(err, &verr) {
		return nil, []Conflict{{Kind: LocalCollision, Detail: err.Error()}}
	}
	var (
		warnings  []string
		conflicts []Conflict
	)
	for _, p := range verr.Problems {
		if p.Index < firstAppended {
			warnings = append(warnings, "published catalog: "+p.Message)
			continue
		}
		c := Conflict{Kind: LocalCollision, Candidate: merged[p.Index], Detail: p.Message}
		if p.Other >= 0 {
			other := merged[p.Other]
			c.Existing = &other
		}
		conflicts = append(conflicts, c)
	}
	return warnings, conflicts
}

// indexByName groups remote indices by entry name, each group sorted by
// version and range so that decisions never depend on document order.
func indexByName(remote catalog.Catalog) map[string][]int {
	out := make(map[string][]int)
	for i, e := range remote {
		out[e.Name] = append(out[e.Name], i)
	}
	for _, idxs := range out {
		sort.SliceStable(idxs, func(a, b int) bool {
			return catalog.Less(remote[idxs[a]], remote[idxs[b]])
		})
	}
	return out
}

func entriesAt(c catalog.Catalog, idxs []int) []catalog.Entry {
	out := make([]catalog.Entry, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, c[idx])
	}
	return out
}

// RemoveByName splits remote into the entries to keep and those named name.
func RemoveByName(remote catalog.Catalog, name string) (kept, removed catalog.Catalog) {
	kept = make(catalog.Catalog, 0, len(remote))
	for _, e := range remote {
		if e.Name == name {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	return kept, removed
}
