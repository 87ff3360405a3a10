package mergefs

import (
	"fmt"
	"sync"

	"github.com/gobeaver/beaver-kit/config"
)

// Global instance
var (
	defaultTable *MountTable
	defaultOnce  sync.Once
	defaultErr   error
	defaultMu    sync.Mutex
)

// Builder loads settings under a custom environment prefix.
type Builder struct {
	prefix string
}

// WithPrefix returns a Builder reading variables named prefix+"MERGEFS_*".
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

func (b *Builder) settings() (*Settings, error) {
	s := &Settings{}
	if err := config.Load(s, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return nil, err
	}
	return s, nil
}

// Init initializes the global table from the builder's prefix.
func (b *Builder) Init() error {
	s, err := b.settings()
	if err != nil {
		return err
	}
	return Init(s)
}

// New builds a table from the builder's prefix without touching the global one.
func (b *Builder) New() (*MountTable, error) {
	s, err := b.settings()
	if err != nil {
		return nil, err
	}
	return NewMountTableFromSettings(s)
}

// Init initializes the global mount table. Without arguments the settings
// come from the environment. Only the first call has an effect.
func Init(settings ...*Settings) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	defaultOnce.Do(func() {
		var s *Settings
		if len(settings) > 0 && settings[0] != nil {
			s = settings[0]
		} else {
			s, defaultErr = GetSettings()
			if defaultErr != nil {
				return
			}
		}
		defaultTable, defaultErr = NewMountTableFromSettings(s)
		if defaultErr != nil {
			defaultErr = fmt.Errorf("init mount table: %w", defaultErr)
		}
	})
	return defaultErr
}

// Table returns the global mount table, initializing it from the
// environment on first use. It is nil when initialization failed.
func Table() *MountTable {
	t, _ := Default()
	return t
}

// Default returns the global mount table, initializing it if needed.
func Default() (*MountTable, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultTable, nil
}

// NewFromEnv builds a mount table from environment variables.
func NewFromEnv() (*MountTable, error) {
	s, err := GetSettings()
	if err != nil {
		return nil, err
	}
	return NewMountTableFromSettings(s)
}

// InitFromEnv initializes the global table from environment variables.
func InitFromEnv() error {
	return Init()
}

// Reset clears the global table (for testing). A registered stream wrapper
// is released.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultTable != nil {
		defaultTable.DisableStreaming()
	}
	defaultTable = nil
	defaultOnce = sync.Once{}
	defaultErr = nil
}
