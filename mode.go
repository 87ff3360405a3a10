package mergefs

import (
	"fmt"
	"os"
	"strings"
)

// StreamMode is the parsed form of an fopen-style mode string.
type StreamMode struct {
	Read      bool
	Write     bool
	Create    bool
	Truncate  bool
	Exclusive bool
	Append    bool
}

// ParseMode parses "r", "r+", "w", "w+", "a", "a+", "x", "x+", "c" and "c+",
// each optionally carrying the "b" or "t" flag, which are ignored.
//
//	r   read; the file must exist
//	w   write; create, truncate
//	a   write at end; create
//	x   write; the file must not exist
//	c   write; create, keep content
//
// A "+" adds the missing direction.
func ParseMode(mode string) (StreamMode, error) {
	s := strings.NewReplacer("b", "", "t", "").Replace(mode)
	plus := strings.HasSuffix(s, "+")
	s = strings.TrimSuffix(s, "+")

	var m StreamMode
	switch s {
	case "r":
		m = StreamMode{Read: true, Write: plus}
	case "w":
		m = StreamMode{Write: true, Read: plus, Create: true, Truncate: true}
	case "a":
		m = StreamMode{Write: true, Read: plus, Create: true, Append: true}
	case "x":
		m = StreamMode{Write: true, Read: plus, Create: true, Exclusive: true}
	case "c":
		m = StreamMode{Write: true, Read: plus, Create: true}
	default:
		return StreamMode{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return m, nil
}

// Flag returns the os.O_* flags matching the mode.
func (m StreamMode) Flag() int {
	var flag int
	switch {
	case m.Read && m.Write:
		flag = os.O_RDWR
	case m.Write:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}
	if m.Create {
		flag |= os.O_CREATE
	}
	if m.Truncate {
		flag |= os.O_TRUNC
	}
	if m.Exclusive {
		flag |= os.O_EXCL
	}
	return flag
}

// LockMode selects the kind of advisory lock taken by Stream.Lock.
// LockNonBlocking may be or-ed with LockShared or LockExclusive.
type LockMode int

const (
	LockShared      LockMode = 1
	LockExclusive   LockMode = 2
	LockUnlock      LockMode = 3
	LockNonBlocking LockMode = 4
)

// Kind returns the mode without the non-blocking bit.
func (l LockMode) Kind() LockMode { return l &^ LockNonBlocking }

// NonBlocking reports whether the request must not wait.
func (l LockMode) NonBlocking() bool { return l&LockNonBlocking != 0 }

func (l LockMode) String() string {
	var s string
	switch l.Kind() {
	case LockShared:
		s = "shared"
	case LockExclusive:
		s = "exclusive"
	case LockUnlock:
		s = "unlock"
	default:
		s = fmt.Sprintf("LockMode(%d)", int(l.Kind()))
	}
	if l.NonBlocking() {
		s += "|nonblocking"
	}
	return s
}
