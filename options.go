package mergefs

import (
	"github.com/sirupsen/logrus"
)

// Option configures a MountTable.
type Option func(*MountTable)

// WithConfig sets the table configuration. Strictness flags are taken from
// cfg; later WithStrictMounts or WithStrictLocking options override them.
func WithConfig(cfg Config) Option {
	return func(t *MountTable) {
		t.cfg = cfg
		t.strict = cfg.StrictMounts()
		t.strictLocking = cfg.StrictLocking()
	}
}

// WithStrictMounts makes Mount fail with ErrMountExists instead of replacing
// an existing mount.
func WithStrictMounts(strict bool) Option {
	return func(t *MountTable) {
		t.strict = strict
	}
}

// WithStrictLocking makes Stream.Lock fail with ErrNotSupported on backends
// that have no advisory locks.
func WithStrictLocking(strict bool) Option {
	return func(t *MountTable) {
		t.strictLocking = strict
	}
}

// WithLogger sets the logger used by the table and the streams it opens.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(t *MountTable) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// MountOption configures a single mount.
type MountOption func(*mountOptions)

type mountOptions struct {
	readOnly bool
}

// WithReadOnlyMount mounts the filesystem behind the ReadOnly decorator.
// The filesystem must be a *DriverFS.
func WithReadOnlyMount() MountOption {
	return func(o *mountOptions) {
		o.readOnly = true
	}
}
