// Package pathutil expands user-supplied paths for catalog files, config
// files and disk store roots.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands $VAR and ${VAR} tokens and a leading "~/" in p.
// The result is not made absolute.
func ExpandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch {
	case len(p) == 1:
		return home, nil
	case p[1] == '/' || p[1] == '\\':
		return filepath.Join(home, p[2:]), nil
	default:
		// ~user is left alone.
		return p, nil
	}
}

// Resolve expands p and returns it as a clean absolute path. "-" is returned
// unchanged since commands use it for stdin and stdout.
func Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "-" {
		return "-", nil
	}
	expanded, err := ExpandUserAndEnv(p)
	if err != nil {
		return "", err
	}
	if expanded == "" {
		return "", nil
	}
	return filepath.Abs(expanded)
}
