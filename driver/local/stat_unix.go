//go:build linux || darwin

package local

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/gobeaver/mergefs"
	"golang.org/x/sys/unix"
)

// platformInfo fills owner, group, access and change time from the Unix stat data.
func platformInfo(info os.FileInfo, fi *mergefs.FileInfo) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}

	fi.Owner = strconv.FormatUint(uint64(stat.Uid), 10)
	if u, err := user.LookupId(fi.Owner); err == nil {
		fi.Owner = u.Username
	}
	fi.Group = strconv.FormatUint(uint64(stat.Gid), 10)
	if g, err := user.LookupGroupId(fi.Group); err == nil {
		fi.Group = g.Name
	}
	fi.AccessTime = accessTime(stat)
	fi.ChangeTime = changeTime(stat)
}

// chown accepts user and group names or numeric ids.
func chown(path, owner, group string) error {
	uid, gid := -1, -1
	if owner != "" {
		id, err := strconv.Atoi(owner)
		if err != nil {
			u, lerr := user.Lookup(owner)
			if lerr != nil {
				return fmt.Errorf("%w: unknown user %q", mergefs.ErrInvalidName, owner)
			}
			id, _ = strconv.Atoi(u.Uid)
		}
		uid = id
	}
	if group != "" {
		id, err := strconv.Atoi(group)
		if err != nil {
			g, lerr := user.LookupGroup(group)
			if lerr != nil {
				return fmt.Errorf("%w: unknown group %q", mergefs.ErrInvalidName, group)
			}
			id, _ = strconv.Atoi(g.Gid)
		}
		gid = id
	}
	return unix.Chown(path, uid, gid)
}

func lockFile(f *os.File, mode mergefs.LockMode) error {
	how := unix.LOCK_SH
	if mode.Kind() == mergefs.LockExclusive {
		how = unix.LOCK_EX
	}
	if mode.NonBlocking() {
		how |= unix.LOCK_NB
	}
	return unix.Flock(int(f.Fd()), how)
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
