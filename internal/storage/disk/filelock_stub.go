//go:build !unix

package disk

import "os"

// lockFile is a no-op on non-Unix platforms; only the in-process key mutex
// serialises conditional writes there.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
