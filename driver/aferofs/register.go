package aferofs

import "github.com/gobeaver/mergefs"

func init() {
	mergefs.RegisterDriver("afero-mem", func(mergefs.Config) (mergefs.Driver, error) {
		return NewMem(), nil
	})
}
