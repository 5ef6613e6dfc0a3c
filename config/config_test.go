package config_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vfs/config"
	"github.com/meigma/vfs/core"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_Valid(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{".7z"}, cfg.Archive.Extensions)
	assert.True(t, cfg.Archive.VerifyEnabled())
	assert.True(t, cfg.Backends.S3.SecureEnabled())
	assert.Equal(t, config.CacheNone, cfg.Cache.Kind)
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "vfs.yaml", `
log:
  level: debug
  format: json
schemes:
  - name: webdav
    default_port: 8080
    auth: optional
    query_parsed: true
archive:
  extensions: [".7z", ".cb7"]
  verify: false
cache:
  kind: memory
  max_bytes: 1048576
backends:
  local:
    root: /srv
  http:
    timeout: 30s
    headers:
      User-Agent: vfsls
  s3:
    secure: false
    region: eu-west-1
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{".7z", ".cb7"}, cfg.Archive.Extensions)
	assert.False(t, cfg.Archive.VerifyEnabled())
	assert.Equal(t, uint64(256<<20), cfg.Archive.MaxSpoolSize, "unset fields keep defaults")
	assert.Equal(t, config.CacheMemory, cfg.Cache.Kind)
	assert.Equal(t, int64(1<<20), cfg.Cache.MaxBytes)
	assert.Equal(t, "/srv", cfg.Backends.Local.Root)
	assert.Equal(t, "vfsls", cfg.Backends.HTTP.Headers["User-Agent"])
	assert.False(t, cfg.Backends.S3.SecureEnabled())
	assert.Equal(t, 10, cfg.Backends.S3.RenameConcurrency)

	timeout, err := cfg.Backends.HTTP.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	d, err := reg.Lookup("webdav")
	require.NoError(t, err)
	assert.Equal(t, 8080, d.DefaultPort)
	assert.Equal(t, core.AuthOptional, d.Auth)
	assert.True(t, d.QueryParsed)
}

func TestLoad_JSONC(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "vfs.jsonc", `{
  // comments and trailing commas are accepted
  "log": {"level": "warn"},
  "schemes": [
    {"name": "ftp", "default_port": 2121, "auth": "required",
     "guest": {"login": "anon"}, "replace": true},
  ],
  /* disk cache */
  "cache": {"kind": "disk", "dir": "/tmp/vfs-cache"},
}`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, config.CacheDisk, cfg.Cache.Kind)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	d, err := reg.Lookup("ftp")
	require.NoError(t, err)
	assert.Equal(t, 2121, d.DefaultPort)
	require.NotNil(t, d.Guest)
	assert.Equal(t, "anon", d.Guest.Login)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
		want    []string
	}{
		{
			name:    "malformed yaml",
			file:    "bad.yaml",
			content: "log: [",
			want:    []string{"parsing config"},
		},
		{
			name:    "malformed jsonc",
			file:    "bad.json",
			content: `{"log": }`,
			want:    []string{"parsing config"},
		},
		{
			name: "several problems at once",
			file: "bad.yaml",
			content: `
log: {level: loud}
cache: {kind: disk}
backends:
  s3: {access_key: only, part_size: 1024}
`,
			want: []string{
				"log.level",
				"cache.dir is required",
				"must be set together",
				"part_size must be at least",
			},
		},
		{
			name:    "duplicate builtin scheme",
			file:    "dup.yaml",
			content: "schemes: [{name: http}]",
			want:    []string{"already registered"},
		},
		{
			name:    "replace unknown scheme",
			file:    "rep.yaml",
			content: "schemes: [{name: gopher, replace: true}]",
			want:    []string{"unknown scheme"},
		},
		{
			name:    "bad auth",
			file:    "auth.yaml",
			content: "schemes: [{name: gopher, auth: sometimes}]",
			want:    []string{"schemes[0]", "unknown authentication type"},
		},
		{
			name:    "relative local root",
			file:    "root.yaml",
			content: "backends: {local: {root: data}}",
			want:    []string{"backends.local.root must be absolute"},
		},
		{
			name:    "bad timeout",
			file:    "timeout.yaml",
			content: "backends: {http: {timeout: soon}}",
			want:    []string{"backends.http.timeout"},
		},
		{
			name:    "extension without dot",
			file:    "ext.yaml",
			content: "archive: {extensions: [7z]}",
			want:    []string{"must start with a dot"},
		},
		{
			name:    "block cache without cache",
			file:    "blocks.yaml",
			content: "cache: {block_size: 4096}",
			want:    []string{"cache.block_size needs a memory or disk cache"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			for _, want := range tt.want {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFormatOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, config.JSONC, config.FormatOf("/etc/vfs.JSONC"))
	assert.Equal(t, config.JSONC, config.FormatOf("vfs.json"))
	assert.Equal(t, config.YAML, config.FormatOf("vfs.yml"))
	assert.Equal(t, config.YAML, config.FormatOf("vfs"))
}

func TestLogger(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Log = config.LogConfig{Level: "warn", Format: "json"}
	var buf bytes.Buffer
	logger := cfg.Logger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}
