package lock

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// AlreadyLockedError reports that another run holds, or left behind, the
// lock for a stage and family.
type AlreadyLockedError struct {
	Stage       string
	Family      string
	Key         string
	Record      *Record
	Age         time.Duration
	Stale       bool
	StaleReason string
}

func newAlreadyLocked(status *Status, stage, family string) *AlreadyLockedError {
	return &AlreadyLockedError{
		Stage:       stage,
		Family:      family,
		Key:         status.Key,
		Record:      status.Record,
		Age:         status.Age,
		Stale:       status.Stale,
		StaleReason: status.StaleReason,
	}
}

func (e *AlreadyLockedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "lock: %s/%s is locked (%s)", e.Stage, e.Family, e.Key)
	if e.Record != nil {
		fmt.Fprintf(&b, " by %q", e.Record.HolderID)
		if e.Record.Hostname != "" {
			fmt.Fprintf(&b, " on %s", e.Record.Hostname)
			if e.Record.PID > 0 {
				fmt.Fprintf(&b, " pid %d", e.Record.PID)
			}
		}
	} else {
		b.WriteString(" by an unknown holder")
	}
	if e.Age > 0 {
		fmt.Fprintf(&b, ", acquired %s", HumanAge(e.Age))
	}
	if e.Stale {
		fmt.Fprintf(&b, "; stale: %s", e.StaleReason)
	}
	fmt.Fprintf(&b, "; a previous publish may have failed. Investigate, then run `gardenpub lock remove --stage %s --family %s`", e.Stage, e.Family)
	return b.String()
}

// HumanAge renders d as "3 minutes ago".
func HumanAge(d time.Duration) string {
	now := time.Unix(0, 0)
	return humanize.RelTime(now.Add(-d), now, "ago", "from now")
}
