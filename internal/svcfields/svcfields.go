// Package svcfields holds the canonical structured log keys shared by every
// gardenpub component.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// Canonical log keys.
const (
	SubsystemKey = pslog.TrustedString("sys")
	StageKey     = pslog.TrustedString("stage")
	FamilyKey    = pslog.TrustedString("family")
	HolderKey    = pslog.TrustedString("holder_id")
)

// Subsystem builds a dot-delimited subsystem path, skipping empty parts.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithTarget tags logger with the stage and catalog family being operated on.
func WithTarget(logger pslog.Logger, stage, family string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With(StageKey, stage, FamilyKey, family)
}
