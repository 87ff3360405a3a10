package mergefs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DriverFactory creates a Driver from a config
type DriverFactory func(cfg Config) (Driver, error)

var (
	driverFactories = make(map[string]DriverFactory)
	factoryMutex    sync.RWMutex
)

// RegisterDriver registers a driver factory function. Driver packages call
// it from init, so importing a driver package for its side effect makes it
// available by name.
func RegisterDriver(name string, factory DriverFactory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	driverFactories[name] = factory
}

// Drivers returns the names of the registered drivers, sorted.
func Drivers() []string {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()

	names := make([]string, 0, len(driverFactories))
	for name := range driverFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateDriver creates a driver instance from config
func CreateDriver(name string, cfg Config) (Driver, error) {
	factoryMutex.RLock()
	factory, exists := driverFactories[name]
	factoryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("driver %s not registered", name)
	}

	return factory(cfg)
}

// MountSpec is one entry of a mounts setting.
type MountSpec struct {
	Prefix   string
	Driver   string
	ReadOnly bool
	// Cache wraps the driver with a metadata cache
	Cache bool
}

// ParseMounts parses a comma-separated list of prefix=driver pairs. The
// driver name may carry ":ro" (read-only) and ":cache" (metadata cache)
// flags in any order.
//
//	"/=memory,/data=local,/archive=zip:ro,/remote=sftp:cache"
func ParseMounts(spec string) ([]MountSpec, error) {
	var mounts []MountSpec
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		prefix, driver, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(prefix) == "" || strings.TrimSpace(driver) == "" {
			return nil, fmt.Errorf("%w: mount %q", ErrInvalidName, item)
		}
		name, flags, _ := strings.Cut(strings.TrimSpace(driver), ":")
		if name == "" {
			return nil, fmt.Errorf("%w: mount %q", ErrInvalidName, item)
		}
		m := MountSpec{Prefix: normalizeMountPath(prefix), Driver: name}
		if flags != "" {
			for _, flag := range strings.Split(flags, ":") {
				switch flag {
				case "ro":
					m.ReadOnly = true
				case "cache":
					m.Cache = true
				default:
					return nil, fmt.Errorf("%w: mount %q: unknown flag %q", ErrInvalidName, item, flag)
				}
			}
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// NewMountTableFromSettings builds a table from environment settings,
// creating one driver per entry of Settings.Mounts. Streaming is enabled
// when a stream host is configured.
func NewMountTableFromSettings(s *Settings, opts ...Option) (*MountTable, error) {
	cfg, err := s.Config()
	if err != nil {
		return nil, err
	}
	mounts, err := ParseMounts(s.Mounts)
	if err != nil {
		return nil, err
	}

	table := NewMountTable(append([]Option{WithConfig(cfg)}, opts...)...)
	for _, m := range mounts {
		d, err := CreateDriver(m.Driver, cfg)
		if err != nil {
			return nil, fmt.Errorf("mount %s: %w", m.Prefix, err)
		}
		if m.Cache {
			d = Cached(d, NewMemoryCache(), WithCacheTTL(s.CacheTTL()))
		}
		var mopts []MountOption
		if m.ReadOnly {
			mopts = append(mopts, WithReadOnlyMount())
		}
		if _, err := table.Mount(m.Prefix, NewFilesystem(d, cfg), mopts...); err != nil {
			return nil, err
		}
	}

	if s.StreamHost != "" {
		if _, err := table.EnableStreaming(s.StreamHost, cfg.Scheme()); err != nil {
			return nil, err
		}
	}
	return table, nil
}
