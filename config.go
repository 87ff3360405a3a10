package mergefs

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobeaver/beaver-kit/config"
)

const (
	// DefaultBufferSize is the pending-write threshold of a Stream.
	DefaultBufferSize = 64 * 1024
	// DefaultScheme is the URL scheme used by EnableStreaming.
	DefaultScheme = "mergefs"
)

// PublicURLProvider maps a file to a URL clients can fetch it from.
type PublicURLProvider interface {
	PublicURL(f File) (string, error)
}

// BaseURLProvider serves every file below a fixed base URL.
type BaseURLProvider struct {
	BaseURL string
}

// PublicURL joins the base URL and the escaped pathname of f.
func (p BaseURLProvider) PublicURL(f File) (string, error) {
	if p.BaseURL == "" {
		return "", pathErr("public-url", f.Pathname(), ErrNotSupported)
	}
	u := url.URL{Path: f.Pathname()}
	return strings.TrimSuffix(p.BaseURL, "/") + u.EscapedPath(), nil
}

// Config is the frozen configuration of a filesystem or mount table. It has
// getters only; use Builder to derive a modified copy.
type Config struct {
	basePath      string
	publicURL     PublicURLProvider
	strictMounts  bool
	strictLocking bool
	bufferSize    int
	scheme        string
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		basePath:   "/",
		bufferSize: DefaultBufferSize,
		scheme:     DefaultScheme,
	}
}

// BasePath returns the backend base path, always with a leading and a
// trailing slash.
func (c Config) BasePath() string { return c.basePath }

// PublicURLProvider returns the provider used by PublicURL, or nil.
func (c Config) PublicURLProvider() PublicURLProvider { return c.publicURL }

// StrictMounts reports whether mounting over an existing prefix fails.
func (c Config) StrictMounts() bool { return c.strictMounts }

// StrictLocking reports whether Stream.Lock fails on backends without locks.
func (c Config) StrictLocking() bool { return c.strictLocking }

func (c Config) BufferSize() int { return c.bufferSize }
func (c Config) Scheme() string  { return c.scheme }

// Builder returns a builder seeded with c. Changing the builder never
// affects c.
func (c Config) Builder() *ConfigBuilder {
	return &ConfigBuilder{cfg: c}
}

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	cfg Config
}

// NewConfigBuilder returns a builder seeded with DefaultConfig.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: DefaultConfig()}
}

func (b *ConfigBuilder) BasePath(p string) *ConfigBuilder {
	b.cfg.basePath = normalizeBasePath(p)
	return b
}

func (b *ConfigBuilder) PublicURLProvider(p PublicURLProvider) *ConfigBuilder {
	b.cfg.publicURL = p
	return b
}

func (b *ConfigBuilder) StrictMounts(strict bool) *ConfigBuilder {
	b.cfg.strictMounts = strict
	return b
}

func (b *ConfigBuilder) StrictLocking(strict bool) *ConfigBuilder {
	b.cfg.strictLocking = strict
	return b
}

// BufferSize sets the pending-write threshold. Values below one restore the
// default.
func (b *ConfigBuilder) BufferSize(n int) *ConfigBuilder {
	if n < 1 {
		n = DefaultBufferSize
	}
	b.cfg.bufferSize = n
	return b
}

func (b *ConfigBuilder) Scheme(scheme string) *ConfigBuilder {
	if scheme == "" {
		scheme = DefaultScheme
	}
	b.cfg.scheme = scheme
	return b
}

// Build returns the frozen configuration.
func (b *ConfigBuilder) Build() Config {
	return b.cfg
}

// normalizeBasePath makes p start and end with a single slash.
func normalizeBasePath(p string) string {
	p = CleanPath(p)
	if p == "/" {
		return p
	}
	return p + "/"
}

// ============================================================================
// Environment settings
// ============================================================================

// Settings is the environment representation of a mount table.
type Settings struct {
	// Base path of path-based drivers (local, zip, bolt)
	BasePath string `env:"MERGEFS_BASE_PATH,default:./storage"`

	// Base of the URLs returned by PublicURL; empty disables public URLs
	PublicURLBase string `env:"MERGEFS_PUBLIC_URL_BASE"`

	StrictMounts  bool `env:"MERGEFS_STRICT_MOUNTS,default:false"`
	StrictLocking bool `env:"MERGEFS_STRICT_LOCKING,default:false"`

	// Pending-write threshold of streams, in bytes
	BufferSize int `env:"MERGEFS_BUFFER_SIZE,default:65536"`

	StreamScheme string `env:"MERGEFS_STREAM_SCHEME,default:mergefs"`
	// Stream host; generated when empty
	StreamHost string `env:"MERGEFS_STREAM_HOST"`

	// Comma-separated prefix=driver pairs, e.g. "/=memory,/data=local:ro"
	Mounts string `env:"MERGEFS_MOUNTS,default:/=memory"`

	// Lifetime in seconds of metadata cached for ":cache" mounts
	CacheTTLSeconds int `env:"MERGEFS_CACHE_TTL,default:30"`
}

// CacheTTL returns the metadata cache lifetime of ":cache" mounts.
func (s *Settings) CacheTTL() time.Duration {
	if s.CacheTTLSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

// GetSettings returns settings loaded from environment
func GetSettings() (*Settings, error) {
	s := &Settings{}
	if err := config.Load(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Config converts the settings into a frozen Config. A relative base path
// is made absolute first.
func (s *Settings) Config() (Config, error) {
	b := NewConfigBuilder().
		StrictMounts(s.StrictMounts).
		StrictLocking(s.StrictLocking).
		BufferSize(s.BufferSize).
		Scheme(s.StreamScheme)

	if s.BasePath != "" {
		abs, err := filepath.Abs(s.BasePath)
		if err != nil {
			return Config{}, fmt.Errorf("base path %q: %w", s.BasePath, err)
		}
		b.BasePath(filepath.ToSlash(abs))
	}
	if s.PublicURLBase != "" {
		b.PublicURLProvider(BaseURLProvider{BaseURL: s.PublicURLBase})
	}
	return b.Build(), nil
}
