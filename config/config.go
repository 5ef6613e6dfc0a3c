// Package config loads startup configuration for a vfs FileSystem.
//
// Configuration comes from a single file whose path the caller supplies.
// There is no discovery and no environment override. Files ending in
// .json or .jsonc are read as JSON with comments and trailing commas;
// anything else is read as YAML.
//
//	log:
//	  level: debug
//	schemes:
//	  - name: webdav
//	    default_port: 80
//	    auth: optional
//	archive:
//	  extensions: [".7z"]
//	cache:
//	  kind: disk
//	  dir: /var/cache/vfs
//	  block_size: 65536
//	backends:
//	  s3:
//	    secure: false
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/meigma/vfs/core"
)

// Format identifies the syntax of a configuration file.
type Format string

const (
	// YAML is the default format.
	YAML Format = "yaml"
	// JSONC is JSON extended with comments and trailing commas.
	JSONC Format = "jsonc"
)

// Cache kinds.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheDisk   = "disk"
)

// Config is the startup configuration of a FileSystem.
type Config struct {
	// Log configures the slog logger handed to every component.
	Log LogConfig `yaml:"log" json:"log"`

	// Schemes adds or replaces scheme descriptors on top of the built-ins.
	Schemes []SchemeConfig `yaml:"schemes" json:"schemes"`

	// Archive configures browsing into 7z containers.
	Archive ArchiveConfig `yaml:"archive" json:"archive"`

	// Cache configures the decoded folder cache.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Backends configures the native backends.
	Backends BackendsConfig `yaml:"backends" json:"backends"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level" json:"level"`

	// Format is text or json. Default: text.
	Format string `yaml:"format" json:"format"`
}

// SchemeConfig describes one scheme.
type SchemeConfig struct {
	Name        string       `yaml:"name" json:"name"`
	DefaultPort int          `yaml:"default_port" json:"default_port"`
	Auth        string       `yaml:"auth" json:"auth"`
	Guest       *GuestConfig `yaml:"guest,omitempty" json:"guest,omitempty"`
	Separator   string       `yaml:"separator" json:"separator"`
	QueryParsed bool         `yaml:"query_parsed" json:"query_parsed"`

	// Replace overrides a scheme that is already registered. Without it a
	// name clash is an error.
	Replace bool `yaml:"replace" json:"replace"`
}

// GuestConfig holds credentials attached to addresses that carry none.
type GuestConfig struct {
	Login  string `yaml:"login" json:"login"`
	Secret string `yaml:"secret" json:"secret"`
}

// ArchiveConfig configures the archive backend and its 7z readers.
type ArchiveConfig struct {
	// Disabled turns archive browsing off; containers are plain files.
	Disabled bool `yaml:"disabled" json:"disabled"`

	// Extensions are the file name extensions treated as containers.
	// Default: [".7z"]
	Extensions []string `yaml:"extensions" json:"extensions"`

	// MaxSpoolSize bounds containers read fully into memory because their
	// backend cannot serve random reads. Default: 256 MiB.
	MaxSpoolSize uint64 `yaml:"max_spool_size" json:"max_spool_size"`

	// MaxHeaderSize bounds a decoded archive header. Default: 64 MiB.
	MaxHeaderSize uint64 `yaml:"max_header_size" json:"max_header_size"`

	// MaxDecoderMemory bounds the memory of a zstd decoder. Default: 256 MiB.
	MaxDecoderMemory uint64 `yaml:"max_decoder_memory" json:"max_decoder_memory"`

	// MaxCachedFolderSize bounds a decoded folder stored in the cache.
	// Default: 64 MiB.
	MaxCachedFolderSize uint64 `yaml:"max_cached_folder_size" json:"max_cached_folder_size"`

	// Verify enables CRC checks of entry contents. Default: true.
	Verify *bool `yaml:"verify,omitempty" json:"verify,omitempty"`
}

// VerifyEnabled reports whether entry CRCs are checked.
func (a ArchiveConfig) VerifyEnabled() bool {
	return a.Verify == nil || *a.Verify
}

// CacheConfig configures the decoded folder cache.
type CacheConfig struct {
	// Kind is none, memory or disk. Default: none.
	Kind string `yaml:"kind" json:"kind"`

	// Dir is the disk cache directory. Required when Kind is disk.
	Dir string `yaml:"dir" json:"dir"`

	// MaxBytes bounds the cache size. Zero means unlimited.
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes"`

	// BlockSize, when positive, also caches raw container bytes in blocks
	// of this size. Needs a memory or disk cache.
	BlockSize int64 `yaml:"block_size" json:"block_size"`
}

// BackendsConfig configures the native backends.
type BackendsConfig struct {
	Local LocalConfig `yaml:"local" json:"local"`
	HTTP  HTTPConfig  `yaml:"http" json:"http"`
	S3    S3Config    `yaml:"s3" json:"s3"`
}

// LocalConfig configures the file scheme.
type LocalConfig struct {
	// Root is the host directory file addresses are resolved against.
	// Default: /
	Root string `yaml:"root" json:"root"`
}

// HTTPConfig configures the http and https schemes.
type HTTPConfig struct {
	// Headers are sent with every request.
	Headers map[string]string `yaml:"headers" json:"headers"`

	// Timeout bounds each request, as a Go duration. Empty means no limit.
	Timeout string `yaml:"timeout" json:"timeout"`
}

// TimeoutDuration returns the parsed Timeout, or zero when unset.
func (h HTTPConfig) TimeoutDuration() (time.Duration, error) {
	if h.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(h.Timeout)
}

// S3Config configures the s3 scheme.
type S3Config struct {
	// Secure selects HTTPS for the endpoint. Default: true.
	Secure *bool `yaml:"secure,omitempty" json:"secure,omitempty"`

	Region string `yaml:"region" json:"region"`

	// AccessKey and SecretKey are used for addresses without credentials.
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`

	// PartSize is the multipart upload part size. Default: 16 MiB.
	PartSize uint64 `yaml:"part_size" json:"part_size"`

	// RenameConcurrency bounds the parallel copies of a prefix rename.
	// Default: 10.
	RenameConcurrency int `yaml:"rename_concurrency" json:"rename_concurrency"`
}

// SecureEnabled reports whether the endpoint is reached over HTTPS.
func (s S3Config) SecureEnabled() bool {
	return s.Secure == nil || *s.Secure
}

const minPartSize = 5 << 20

// Default returns the configuration used when a file leaves a field unset.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Archive: ArchiveConfig{
			Extensions:          []string{".7z"},
			MaxSpoolSize:        256 << 20,
			MaxHeaderSize:       64 << 20,
			MaxDecoderMemory:    256 << 20,
			MaxCachedFolderSize: 64 << 20,
		},
		Cache: CacheConfig{Kind: CacheNone},
		Backends: BackendsConfig{
			Local: LocalConfig{Root: "/"},
			S3: S3Config{
				PartSize:          16 << 20,
				RenameConcurrency: 10,
			},
		},
	}
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FormatOf returns the format implied by the extension of path.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return JSONC
	default:
		return YAML
	}
}

// Parse decodes data over Default and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()
	switch format {
	case JSONC:
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case YAML, "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be one of: [text json], got %q", c.Log.Format))
	}

	schemeErrs := len(errs)
	seen := make(map[string]bool)
	for i, s := range c.Schemes {
		name := strings.ToLower(s.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("schemes[%d].name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("schemes[%d]: scheme %s listed twice", i, name))
		}
		seen[name] = true
		if _, err := s.descriptor(); err != nil {
			errs = append(errs, fmt.Errorf("schemes[%d]: %w", i, err))
		}
	}
	if len(errs) == schemeErrs {
		if _, err := c.Registry(); err != nil {
			errs = append(errs, err)
		}
	}

	if !c.Archive.Disabled && len(c.Archive.Extensions) == 0 {
		errs = append(errs, errors.New("archive.extensions must not be empty"))
	}
	for i, ext := range c.Archive.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			errs = append(errs, fmt.Errorf("archive.extensions[%d]: %q must start with a dot", i, ext))
		}
	}
	if c.Archive.MaxSpoolSize == 0 {
		errs = append(errs, errors.New("archive.max_spool_size must be positive"))
	}
	if c.Archive.MaxHeaderSize == 0 {
		errs = append(errs, errors.New("archive.max_header_size must be positive"))
	}

	switch c.Cache.Kind {
	case "", CacheNone, CacheMemory:
	case CacheDisk:
		if c.Cache.Dir == "" {
			errs = append(errs, errors.New("cache.dir is required when cache.kind is disk"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.kind must be one of: [none memory disk], got %q", c.Cache.Kind))
	}
	if c.Cache.MaxBytes < 0 {
		errs = append(errs, errors.New("cache.max_bytes must be >= 0"))
	}
	if c.Cache.BlockSize < 0 {
		errs = append(errs, errors.New("cache.block_size must be >= 0"))
	} else if c.Cache.BlockSize > 0 && (c.Cache.Kind == "" || c.Cache.Kind == CacheNone) {
		errs = append(errs, errors.New("cache.block_size needs a memory or disk cache"))
	}

	if c.Backends.Local.Root != "" && !filepath.IsAbs(c.Backends.Local.Root) {
		errs = append(errs, fmt.Errorf("backends.local.root must be absolute, got %q", c.Backends.Local.Root))
	}
	if d, err := c.Backends.HTTP.TimeoutDuration(); err != nil {
		errs = append(errs, fmt.Errorf("backends.http.timeout: %w", err))
	} else if d < 0 {
		errs = append(errs, errors.New("backends.http.timeout must not be negative"))
	}
	s3 := c.Backends.S3
	if (s3.AccessKey == "") != (s3.SecretKey == "") {
		errs = append(errs, errors.New("backends.s3.access_key and backends.s3.secret_key must be set together"))
	}
	if s3.PartSize < minPartSize {
		errs = append(errs, fmt.Errorf("backends.s3.part_size must be at least %d", minPartSize))
	}
	if s3.RenameConcurrency < 1 {
		errs = append(errs, errors.New("backends.s3.rename_concurrency must be at least 1"))
	}

	return errors.Join(errs...)
}

func (s SchemeConfig) descriptor() (core.SchemeDescriptor, error) {
	auth, err := core.ParseAuthType(s.Auth)
	if err != nil {
		return core.SchemeDescriptor{}, err
	}
	d := core.SchemeDescriptor{
		Name:          s.Name,
		DefaultPort:   s.DefaultPort,
		Auth:          auth,
		PathSeparator: s.Separator,
		QueryParsed:   s.QueryParsed,
	}
	if s.Guest != nil {
		d.Guest = &core.Credentials{Login: s.Guest.Login, Secret: s.Guest.Secret}
	}
	return d, nil
}

// Registry builds the scheme registry: the built-in schemes plus the
// configured ones.
func (c *Config) Registry() (*core.Registry, error) {
	b := core.NewDefaultRegistryBuilder()
	for _, s := range c.Schemes {
		d, err := s.descriptor()
		if err != nil {
			return nil, fmt.Errorf("scheme %s: %w", s.Name, err)
		}
		if s.Replace {
			err = b.Replace(d)
		} else {
			err = b.Register(d)
		}
		if err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

func (l LogConfig) level() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level must be one of: [debug info warn error], got %q", l.Level)
	}
}

// Logger returns a logger writing to w as configured.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Log.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
