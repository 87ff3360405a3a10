//go:build linux

package local

import (
	"syscall"
	"time"
)

// accessTime extracts the last access time on Linux.
func accessTime(stat *syscall.Stat_t) time.Time {
	return time.Unix(int64(stat.Atim.Sec), int64(stat.Atim.Nsec))
}

func changeTime(stat *syscall.Stat_t) time.Time {
	return time.Unix(int64(stat.Ctim.Sec), int64(stat.Ctim.Nsec))
}
