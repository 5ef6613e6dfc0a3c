package core

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// AuthType describes whether a scheme needs credentials.
type AuthType uint8

const (
	// AuthNone means the scheme never uses credentials.
	AuthNone AuthType = iota
	// AuthOptional means credentials may be supplied but are not needed.
	AuthOptional
	// AuthRequired means credentials must be supplied to reach a resource.
	AuthRequired
)

// String returns the configuration name of the authentication type.
func (a AuthType) String() string {
	switch a {
	case AuthNone:
		return "none"
	case AuthOptional:
		return "optional"
	case AuthRequired:
		return "required"
	default:
		return "unknown"
	}
}

// ParseAuthType parses the configuration name of an authentication type.
func ParseAuthType(name string) (AuthType, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return AuthNone, nil
	case "optional":
		return AuthOptional, nil
	case "required", "mandatory":
		return AuthRequired, nil
	default:
		return 0, fmt.Errorf("unknown authentication type %q", name)
	}
}

// SchemeDescriptor holds the static facts of a scheme.
type SchemeDescriptor struct {
	// Name is the lowercase scheme name (e.g., "sftp").
	Name string

	// DefaultPort is substituted when an address omits its port.
	// Zero means the scheme has no default port.
	DefaultPort int

	// Auth describes whether credentials are needed.
	Auth AuthType

	// Guest is attached to addresses that carry no credentials. Nil means none.
	Guest *Credentials

	// PathSeparator splits path segments. Defaults to "/".
	PathSeparator string

	// QueryParsed reports whether "?" starts a query. When false, "?" is an
	// ordinary path character.
	QueryParsed bool
}

func (d SchemeDescriptor) separator() string {
	if d.PathSeparator == "" {
		return "/"
	}
	return d.PathSeparator
}

func (d SchemeDescriptor) validate() error {
	if !validSchemeName(d.Name) {
		return fmt.Errorf("%w: invalid scheme name %q", ErrMalformedAddress, d.Name)
	}
	if d.DefaultPort < 0 || d.DefaultPort > maxPort {
		return fmt.Errorf("scheme %s: default port %d out of range", d.Name, d.DefaultPort)
	}
	if d.Auth > AuthRequired {
		return fmt.Errorf("scheme %s: invalid authentication type %d", d.Name, d.Auth)
	}
	return nil
}

// Registry is an immutable table of scheme descriptors.
// It is safe for concurrent use.
type Registry struct {
	schemes map[string]SchemeDescriptor
}

// Lookup returns the descriptor for scheme.
func (r *Registry) Lookup(scheme string) (SchemeDescriptor, error) {
	if r != nil {
		if d, ok := r.schemes[strings.ToLower(scheme)]; ok {
			return d, nil
		}
	}
	return SchemeDescriptor{}, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
}

// Schemes returns the registered scheme names in sorted order.
func (r *Registry) Schemes() []string {
	names := make([]string, 0, len(r.schemes))
	for name := range r.schemes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// RegistryBuilder collects descriptors before a Registry is frozen.
// It is not safe for concurrent use.
type RegistryBuilder struct {
	schemes map[string]SchemeDescriptor
}

// NewRegistryBuilder returns an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{schemes: make(map[string]SchemeDescriptor)}
}

// NewDefaultRegistryBuilder returns a builder preloaded with the built-in schemes.
func NewDefaultRegistryBuilder() *RegistryBuilder {
	b := NewRegistryBuilder()
	for _, d := range builtinSchemes() {
		b.schemes[d.Name] = d
	}
	return b
}

// Register adds a descriptor. Registering a scheme twice is an error.
func (b *RegistryBuilder) Register(d SchemeDescriptor) error {
	d.Name = strings.ToLower(d.Name)
	if err := d.validate(); err != nil {
		return err
	}
	if _, ok := b.schemes[d.Name]; ok {
		return fmt.Errorf("scheme %s already registered", d.Name)
	}
	b.schemes[d.Name] = d
	return nil
}

// Replace overwrites the descriptor of an already registered scheme.
func (b *RegistryBuilder) Replace(d SchemeDescriptor) error {
	d.Name = strings.ToLower(d.Name)
	if err := d.validate(); err != nil {
		return err
	}
	if _, ok := b.schemes[d.Name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScheme, d.Name)
	}
	b.schemes[d.Name] = d
	return nil
}

// Has reports whether name is registered.
func (b *RegistryBuilder) Has(name string) bool {
	_, ok := b.schemes[strings.ToLower(name)]
	return ok
}

// Build freezes the collected descriptors into a Registry.
// The builder may keep being used; later changes do not affect the result.
func (b *RegistryBuilder) Build() *Registry {
	schemes := make(map[string]SchemeDescriptor, len(b.schemes))
	for name, d := range b.schemes {
		if d.Guest != nil {
			guest := *d.Guest
			d.Guest = &guest
		}
		schemes[name] = d
	}
	return &Registry{schemes: schemes}
}

// DefaultRegistry returns a registry holding only the built-in schemes.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewDefaultRegistryBuilder().Build()
	})
	return defaultRegistry
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry

	installed atomic.Pointer[Registry]
)

// Install sets the process-wide registry. It must be called once during
// startup, before any address is parsed with Parse. Later calls fail with
// ErrRegistryInstalled.
func Install(r *Registry) error {
	if r == nil {
		return fmt.Errorf("install: nil registry")
	}
	if !installed.CompareAndSwap(nil, r) {
		return ErrRegistryInstalled
	}
	return nil
}

// Installed returns the process-wide registry, or the default registry when
// Install was never called.
func Installed() *Registry {
	r := installed.Load()
	if r == nil {
		return DefaultRegistry()
	}
	return r
}

func builtinSchemes() []SchemeDescriptor {
	return []SchemeDescriptor{
		{Name: "file", Auth: AuthNone, PathSeparator: "/"},
		{Name: "mem", Auth: AuthNone, PathSeparator: "/"},
		{Name: "http", DefaultPort: 80, Auth: AuthOptional, PathSeparator: "/", QueryParsed: true},
		{Name: "https", DefaultPort: 443, Auth: AuthOptional, PathSeparator: "/", QueryParsed: true},
		{Name: "ftp", DefaultPort: 21, Auth: AuthRequired, Guest: &Credentials{Login: "anonymous"}, PathSeparator: "/"},
		{Name: "sftp", DefaultPort: 22, Auth: AuthRequired, PathSeparator: "/"},
		{Name: "smb", Auth: AuthOptional, Guest: &Credentials{Login: "GUEST"}, PathSeparator: "/"},
		{Name: "s3", DefaultPort: 443, Auth: AuthRequired, PathSeparator: "/"},
		{Name: "hdfs", DefaultPort: 8020, Auth: AuthOptional, PathSeparator: "/", QueryParsed: true},
		{Name: "nfs", DefaultPort: 2049, Auth: AuthNone, PathSeparator: "/"},
	}
}

func validSchemeName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}
