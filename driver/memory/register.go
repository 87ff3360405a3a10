package memory

import "github.com/gobeaver/mergefs"

func init() {
	mergefs.RegisterDriver("memory", func(cfg mergefs.Config) (mergefs.Driver, error) {
		return New(), nil
	})
}
