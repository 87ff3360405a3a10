//go:build !linux && !darwin

package local

import (
	"os"

	"github.com/gobeaver/mergefs"
)

// platformInfo has nothing to add where ownership is not Unix-shaped.
func platformInfo(info os.FileInfo, fi *mergefs.FileInfo) {}

func chown(path, owner, group string) error {
	return mergefs.ErrNotSupported
}

func lockFile(f *os.File, mode mergefs.LockMode) error {
	return mergefs.ErrNotSupported
}

func unlockFile(f *os.File) error {
	return nil
}
