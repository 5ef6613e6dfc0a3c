package core

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()

	reg := DefaultRegistry()
	assert.Equal(t, []string{"file", "ftp", "hdfs", "http", "https", "mem", "nfs", "s3", "sftp", "smb"}, reg.Schemes())

	tests := []struct {
		name  string
		port  int
		auth  AuthType
		guest string
		query bool
	}{
		{"file", 0, AuthNone, "", false},
		{"http", 80, AuthOptional, "", true},
		{"https", 443, AuthOptional, "", true},
		{"ftp", 21, AuthRequired, "anonymous", false},
		{"sftp", 22, AuthRequired, "", false},
		{"smb", 0, AuthOptional, "GUEST", false},
		{"s3", 443, AuthRequired, "", false},
		{"hdfs", 8020, AuthOptional, "", true},
		{"nfs", 2049, AuthNone, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d, err := reg.Lookup(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.port, d.DefaultPort)
			assert.Equal(t, tt.auth, d.Auth)
			assert.Equal(t, tt.query, d.QueryParsed)
			if tt.guest == "" {
				assert.Nil(t, d.Guest)
			} else {
				require.NotNil(t, d.Guest)
				assert.Equal(t, tt.guest, d.Guest.Login)
			}
		})
	}

	_, err := reg.Lookup("gopher")
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestRegistryBuilder(t *testing.T) {
	t.Parallel()

	b := NewRegistryBuilder()
	require.NoError(t, b.Register(SchemeDescriptor{Name: "Dav", DefaultPort: 8080, Auth: AuthOptional}))
	assert.True(t, b.Has("dav"))

	err := b.Register(SchemeDescriptor{Name: "dav"})
	assert.Error(t, err, "duplicate registration")

	err = b.Register(SchemeDescriptor{Name: "bad scheme"})
	assert.ErrorIs(t, err, ErrMalformedAddress)

	err = b.Register(SchemeDescriptor{Name: "big", DefaultPort: 70000})
	assert.Error(t, err)

	err = b.Replace(SchemeDescriptor{Name: "missing"})
	assert.ErrorIs(t, err, ErrUnknownScheme)

	guest := &Credentials{Login: "visitor"}
	require.NoError(t, b.Replace(SchemeDescriptor{Name: "dav", DefaultPort: 8443, Guest: guest}))

	reg := b.Build()
	guest.Login = "changed"
	require.NoError(t, b.Register(SchemeDescriptor{Name: "later"}))

	d, err := reg.Lookup("DAV")
	require.NoError(t, err)
	assert.Equal(t, 8443, d.DefaultPort)
	assert.Equal(t, "visitor", d.Guest.Login, "registry must not share builder state")

	_, err = reg.Lookup("later")
	assert.ErrorIs(t, err, ErrUnknownScheme)

	a, err := reg.Parse("dav://host/x")
	require.NoError(t, err)
	port, ok := a.Port()
	assert.True(t, ok)
	assert.Equal(t, 8443, port)
}

func TestInstall(t *testing.T) {
	t.Parallel()

	assert.Error(t, Install(nil))

	reg := NewDefaultRegistryBuilder().Build()
	err := Install(reg)
	if err != nil {
		// Only the first Install in the process succeeds.
		assert.ErrorIs(t, err, ErrRegistryInstalled)
	}
	assert.ErrorIs(t, Install(reg), ErrRegistryInstalled)
	assert.NotNil(t, Installed())

	_, err = Parse("file:///x")
	assert.NoError(t, err)
}

func TestInstall_Concurrent(t *testing.T) {
	t.Parallel()

	var wg sync.WaitGroup
	var wins atomic.Int32
	seen := make([]*Registry, 16)
	for i := range seen {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if Install(NewDefaultRegistryBuilder().Build()) == nil {
				wins.Add(1)
			}
			seen[i] = Installed()
			_, err := Parse("mem:///x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, wins.Load(), int32(1))
	final := Installed()
	for _, r := range seen {
		if r != DefaultRegistry() {
			assert.Same(t, final, r)
		}
	}
}

func TestParseAuthType(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		want AuthType
	}{
		{"", AuthNone},
		{"none", AuthNone},
		{"Optional", AuthOptional},
		{"required", AuthRequired},
		{"mandatory", AuthRequired},
	} {
		got, err := ParseAuthType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseAuthType("sometimes")
	assert.Error(t, err)
	assert.Equal(t, "required", AuthRequired.String())
}
