package zip

import "github.com/gobeaver/mergefs"

func init() {
	// The archive lives at the base path itself.
	mergefs.RegisterDriver("zip", func(cfg mergefs.Config) (mergefs.Driver, error) {
		return Open(archivePath(cfg))
	})
}
