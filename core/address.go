package core

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

const maxPort = 65535

// Credentials holds the login and secret used to reach a resource.
type Credentials struct {
	Login  string
	Secret string
}

// String returns the login only. The secret is never rendered.
func (c Credentials) String() string {
	return c.Login
}

// LogValue implements slog.LogValuer so credentials never reach logs in cleartext.
func (c Credentials) LogValue() slog.Value {
	return slog.StringValue(c.Login)
}

// Address locates a resource on any backend.
//
// An Address is immutable: methods that change it return a new value.
// Two addresses are equal when their scheme, host, port, path and query
// match; credentials are not part of an address's identity.
type Address struct {
	desc     SchemeDescriptor
	host     string
	port     int
	hasPort  bool
	segments []string
	creds    *Credentials
	query    string
	hasQuery bool
}

// Parse parses text with the process-wide registry.
func Parse(text string) (Address, error) {
	return Installed().Parse(text)
}

// Parse parses the textual form scheme://[login[:secret]@]host[:port]/path[?query].
//
// The scheme's descriptor decides whether a query is split off, which path
// separator applies, and which port is substituted when none is given.
func (r *Registry) Parse(text string) (Address, error) {
	i := strings.Index(text, "://")
	if i <= 0 {
		return Address{}, fmt.Errorf("%w: %q: missing scheme", ErrMalformedAddress, text)
	}
	scheme := text[:i]
	if !validSchemeName(scheme) {
		return Address{}, fmt.Errorf("%w: %q: invalid scheme", ErrMalformedAddress, text)
	}
	desc, err := r.Lookup(scheme)
	if err != nil {
		return Address{}, err
	}

	rest := text[i+3:]
	end := len(rest)
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		end = j
	}
	if desc.QueryParsed {
		if j := strings.IndexByte(rest[:end], '?'); j >= 0 {
			end = j
		}
	}
	authority, rest := rest[:end], rest[end:]

	a := Address{desc: desc}
	if desc.QueryParsed {
		if j := strings.IndexByte(rest, '?'); j >= 0 {
			a.query = rest[j+1:]
			a.hasQuery = true
			rest = rest[:j]
		}
	}
	if err := a.parseAuthority(authority); err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrMalformedAddress, text, err)
	}
	a.segments = splitSegments(strings.TrimPrefix(rest, "/"), desc.separator())

	if !a.hasPort && desc.DefaultPort > 0 {
		a.port = desc.DefaultPort
		a.hasPort = true
	}
	if a.creds == nil && desc.Guest != nil {
		guest := *desc.Guest
		a.creds = &guest
	}
	return a, nil
}

func (a *Address) parseAuthority(authority string) error {
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		userinfo := authority[:at]
		authority = authority[at+1:]
		login, secret, _ := strings.Cut(userinfo, ":")
		var err error
		if login, err = url.QueryUnescape(login); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if secret, err = url.QueryUnescape(secret); err != nil {
			return fmt.Errorf("secret: %w", err)
		}
		a.creds = &Credentials{Login: login, Secret: secret}
	}

	host, port := authority, ""
	if strings.HasPrefix(authority, "[") {
		closing := strings.IndexByte(authority, ']')
		if closing < 0 {
			return fmt.Errorf("unterminated IPv6 host")
		}
		host = authority[:closing+1]
		tail := authority[closing+1:]
		if tail != "" {
			if tail[0] != ':' {
				return fmt.Errorf("unexpected %q after host", tail)
			}
			port = tail[1:]
			if port == "" {
				return fmt.Errorf("empty port")
			}
		}
	} else if colon := strings.LastIndexByte(authority, ':'); colon >= 0 {
		host, port = authority[:colon], authority[colon+1:]
		if port == "" {
			return fmt.Errorf("empty port")
		}
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > maxPort {
			return fmt.Errorf("invalid port %q", port)
		}
		a.port = n
		a.hasPort = true
	}
	a.host = strings.ToLower(host)
	return nil
}

func splitSegments(path, sep string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, sep)
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

// Scheme returns the lowercase scheme name.
func (a Address) Scheme() string { return a.desc.Name }

// Descriptor returns the descriptor the address was parsed with.
func (a Address) Descriptor() SchemeDescriptor { return a.desc }

// Host returns the lowercase host, or "" when the address has none.
func (a Address) Host() string { return a.host }

// Port returns the port. ok is false when neither the text nor the scheme
// supplied one.
func (a Address) Port() (port int, ok bool) { return a.port, a.hasPort }

// Query returns the raw query. ok is false when the address has none.
func (a Address) Query() (query string, ok bool) { return a.query, a.hasQuery }

// Credentials returns the credentials. ok is false when the address has none.
func (a Address) Credentials() (Credentials, bool) {
	if a.creds == nil {
		return Credentials{}, false
	}
	return *a.creds, true
}

// WithCredentials returns a copy of the address carrying c.
func (a Address) WithCredentials(c Credentials) Address {
	a.creds = &c
	return a
}

// WithoutCredentials returns a copy of the address without credentials.
func (a Address) WithoutCredentials() Address {
	a.creds = nil
	return a
}

// Segments returns a copy of the path segments.
func (a Address) Segments() []string { return slices.Clone(a.segments) }

// Path returns the path joined with the scheme's separator, with a leading
// separator.
func (a Address) Path() string {
	sep := a.desc.separator()
	return sep + strings.Join(a.segments, sep)
}

// Name returns the last path segment, or "" for the root.
func (a Address) Name() string {
	if len(a.segments) == 0 {
		return ""
	}
	return a.segments[len(a.segments)-1]
}

// IsRoot reports whether the path has no segments.
func (a Address) IsRoot() bool { return len(a.segments) == 0 }

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool { return a.desc.Name == "" }

// Parent returns the address of the parent resource. ok is false for the root.
func (a Address) Parent() (Address, bool) {
	if len(a.segments) == 0 {
		return a, false
	}
	p := a
	p.segments = slices.Clone(a.segments[:len(a.segments)-1])
	p.query, p.hasQuery = "", false
	return p, true
}

// ResolveChild returns the address of name relative to a.
//
// name may hold several segments joined by the scheme's separator. "." is
// ignored and ".." climbs one level without going above the root. The query
// is dropped; credentials and port are kept.
func (a Address) ResolveChild(name string) (Address, error) {
	if name == "" {
		return Address{}, fmt.Errorf("%w: empty child name", ErrMalformedAddress)
	}
	sep := a.desc.separator()
	segments := slices.Clone(a.segments)
	for _, part := range strings.Split(name, sep) {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(segments) > 0 {
				segments = segments[:len(segments)-1]
			}
			continue
		}
		if a.desc.QueryParsed && strings.ContainsRune(part, '?') {
			return Address{}, fmt.Errorf("%w: child name %q contains a query delimiter", ErrMalformedAddress, name)
		}
		segments = append(segments, part)
	}
	child := a
	child.segments = segments
	child.query, child.hasQuery = "", false
	return child, nil
}

// Equal reports whether a and b identify the same resource. Credentials are ignored.
func (a Address) Equal(b Address) bool {
	return a.desc.Name == b.desc.Name &&
		a.host == b.host &&
		a.hasPort == b.hasPort && a.port == b.port &&
		slices.Equal(a.segments, b.segments) &&
		a.hasQuery == b.hasQuery && a.query == b.query
}

// Key returns a canonical identity string suitable for map keys.
// It never contains credentials and always spells out the port.
func (a Address) Key() string {
	var b strings.Builder
	b.WriteString(a.desc.Name)
	b.WriteString("://")
	b.WriteString(a.host)
	if a.hasPort {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(a.port))
	}
	b.WriteString(a.Path())
	if a.hasQuery {
		b.WriteByte('?')
		b.WriteString(a.query)
	}
	return b.String()
}

// String returns the textual form without the secret. It round-trips with
// Parse up to credentials.
func (a Address) String() string {
	return a.format(false)
}

// StringWithCredentials returns the textual form including the secret.
// It must not be logged.
func (a Address) StringWithCredentials() string {
	return a.format(true)
}

// LogValue implements slog.LogValuer.
func (a Address) LogValue() slog.Value {
	return slog.StringValue(a.String())
}

func (a Address) format(withSecret bool) string {
	if a.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString(a.desc.Name)
	b.WriteString("://")
	if a.creds != nil && a.creds.Login != "" {
		b.WriteString(url.QueryEscape(a.creds.Login))
		if withSecret && a.creds.Secret != "" {
			b.WriteByte(':')
			b.WriteString(url.QueryEscape(a.creds.Secret))
		}
		b.WriteByte('@')
	}
	b.WriteString(a.host)
	if a.hasPort && a.port != a.desc.DefaultPort {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(a.port))
	}
	b.WriteByte('/')
	b.WriteString(strings.Join(a.segments, a.desc.separator()))
	if a.hasQuery {
		b.WriteByte('?')
		b.WriteString(a.query)
	}
	return b.String()
}
