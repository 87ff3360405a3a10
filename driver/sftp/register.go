package sftp

import "github.com/gobeaver/mergefs"

func init() {
	// Connection details come from the MERGEFS_SFTP_* environment.
	mergefs.RegisterDriver("sftp", func(_ mergefs.Config) (mergefs.Driver, error) {
		s, err := GetSettings()
		if err != nil {
			return nil, err
		}
		cfg, err := s.Config()
		if err != nil {
			return nil, err
		}
		return New(cfg)
	})
}
