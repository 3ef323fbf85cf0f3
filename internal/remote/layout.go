package remote

import (
	"fmt"
	"path"
	"strings"
)

// DefaultRoot is the prefix under which every stage lives.
const DefaultRoot = "garden"

// Layout maps (stage, family) pairs to object keys:
//
//	{root}/{stage}/{family}.json
//	{root}/{stage}/{family}.lock
//	{root}/{stage}/backups/{family}/{timestamp}.json
type Layout struct {
	// Root defaults to DefaultRoot.
	Root string
	// LockName, when set, replaces "{family}.lock" with a single stage-wide
	// lock object of that name, as older publishers used.
	LockName string
}

// DefaultLayout returns the standard layout.
func DefaultLayout() Layout {
	return Layout{Root: DefaultRoot}
}

func (l Layout) root() string {
	root := strings.Trim(l.Root, "/")
	if root == "" {
		return DefaultRoot
	}
	return root
}

// StagePrefix is the key prefix shared by everything in stage.
func (l Layout) StagePrefix(stage string) string {
	return path.Join(l.root(), stage) + "/"
}

// CatalogKey is the primary document key.
func (l Layout) CatalogKey(stage, family string) string {
	return path.Join(l.root(), stage, family+".json")
}

// LockKey is the lock marker key.
func (l Layout) LockKey(stage, family string) string {
	if name := strings.Trim(l.LockName, "/"); name != "" {
		return path.Join(l.root(), stage, name)
	}
	return path.Join(l.root(), stage, family+".lock")
}

// BackupPrefix is the directory-style prefix holding family backups.
func (l Layout) BackupPrefix(stage, family string) string {
	return path.Join(l.root(), stage, "backups", family) + "/"
}

// BackupKey joins a backup object name onto the backup prefix.
func (l Layout) BackupKey(stage, family, name string) string {
	return l.BackupPrefix(stage, family) + name
}

// ValidateName rejects stage and family identifiers that would escape their
// place in the key layout.
func ValidateName(kind, name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("remote: %s is required", kind)
	case name != strings.TrimSpace(name):
		return fmt.Errorf("remote: %s %q has surrounding whitespace", kind, name)
	case strings.ContainsAny(name, "/\\"):
		return fmt.Errorf("remote: %s %q must not contain path separators", kind, name)
	case name == "." || name == ".." || name == "backups":
		return fmt.Errorf("remote: %s %q is reserved", kind, name)
	}
	return nil
}
