package local

import "github.com/gobeaver/mergefs"

func init() {
	mergefs.RegisterDriver("local", func(cfg mergefs.Config) (mergefs.Driver, error) {
		return New(cfg.BasePath())
	})
}
