//go:build unix

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile blocks until an exclusive fcntl record lock covering the whole
// file is held. fcntl locks are honoured over NFS, unlike flock(2).
func lockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	for {
		err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &flock)
		if err != unix.EINTR {
			return err
		}
	}
}

// unlockFile releases the record lock taken by lockFile.
func unlockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}
