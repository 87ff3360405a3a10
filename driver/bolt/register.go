package bolt

import (
	"path/filepath"

	"github.com/gobeaver/mergefs"
)

func init() {
	mergefs.RegisterDriver("bolt", func(cfg mergefs.Config) (mergefs.Driver, error) {
		return Open(filepath.Join(filepath.FromSlash(cfg.BasePath()), DefaultFileName))
	})
}
