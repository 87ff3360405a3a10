package mergefs

import (
	"path"
	"strings"
)

// CleanPath normalizes a virtual path: absolute, no duplicate separators,
// no trailing separator and no ".." above the root. The empty path is "/".
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// normalizeMountPath cleans a mount prefix. An empty input stays empty so
// that Mount can reject it.
func normalizeMountPath(p string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	return CleanPath(p)
}

// underPrefix reports whether p lies at or below prefix on a segment
// boundary: "/data" covers "/data" and "/data/x" but not "/database".
func underPrefix(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// stripPrefix returns the part of p below prefix, re-anchored at "/".
func stripPrefix(p, prefix string) string {
	if prefix == "/" {
		return p
	}
	rest := strings.TrimPrefix(p, prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

// joinPath joins a mount prefix and a backend path. The root prefix
// contributes nothing and the backend root contributes nothing.
func joinPath(prefix, rel string) string {
	switch {
	case prefix == "/":
		return rel
	case rel == "/" || rel == "":
		return prefix
	default:
		return prefix + rel
	}
}

// baseName is path.Base except that the root has an empty name.
func baseName(p string) string {
	if p == "/" || p == "" {
		return ""
	}
	return path.Base(p)
}

func extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}
