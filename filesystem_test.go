package vfs_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vfs"
	"github.com/meigma/vfs/backend/local"
	"github.com/meigma/vfs/config"
	"github.com/meigma/vfs/core"
	"github.com/meigma/vfs/internal/testutil"
)

func sampleArchive(t *testing.T) []byte {
	t.Helper()
	return testutil.NewArchive(t).
		Folder([]testutil.Coder{testutil.Zstd()},
			testutil.ArchiveFile{Name: "a.txt", Data: []byte("alpha")},
			testutil.ArchiveFile{Name: "sub/b.txt", Data: []byte("beta")},
		).
		Bytes()
}

type env struct {
	t    *testing.T
	mem  *local.Backend
	fsys *vfs.FileSystem
}

func newEnv(t *testing.T, opts ...vfs.Option) *env {
	t.Helper()
	mem := local.NewMemory()
	fsys, err := vfs.New(append([]vfs.Option{vfs.WithBackend("mem", mem)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsys.Close() }) //nolint:errcheck // test cleanup
	return &env{t: t, mem: mem, fsys: fsys}
}

// put writes data through the native backend, bypassing archive resolution.
func (e *env) put(text string, data []byte) {
	e.t.Helper()
	putNative(e.t, e.mem, e.fsys, text, data)
}

func putNative(tb testing.TB, mem *local.Backend, fsys *vfs.FileSystem, text string, data []byte) {
	tb.Helper()
	ctx := context.Background()
	addr, err := fsys.Parse(text)
	require.NoError(tb, err)
	if parent, ok := addr.Parent(); ok && !parent.IsRoot() {
		dir, err := mem.Resolve(ctx, parent)
		require.NoError(tb, err)
		_ = dir.Mkdir(ctx) //nolint:errcheck // may already exist
	}
	r, err := mem.Resolve(ctx, addr)
	require.NoError(tb, err)
	w, err := r.OpenWrite(ctx)
	require.NoError(tb, err)
	_, err = w.Write(data)
	require.NoError(tb, err)
	require.NoError(tb, w.Close())
}

func (e *env) open(text string) vfs.Resource {
	e.t.Helper()
	r, err := e.fsys.Open(context.Background(), text)
	require.NoError(e.t, err)
	return r
}

func (e *env) read(r vfs.Resource) string {
	e.t.Helper()
	rc, err := e.fsys.OpenRead(context.Background(), r)
	require.NoError(e.t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(e.t, err)
	return string(data)
}

func (e *env) list(r vfs.Resource) []string {
	e.t.Helper()
	it, err := e.fsys.List(context.Background(), r)
	require.NoError(e.t, err)
	entries, err := vfs.Collect(it)
	require.NoError(e.t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestFileSystem_DefaultSchemes(t *testing.T) {
	t.Parallel()

	fsys, err := vfs.New()
	require.NoError(t, err)
	defer fsys.Close()

	assert.Equal(t, []string{"file", "http", "https", "mem", "s3"}, fsys.Schemes())
}

func TestFileSystem_WriteAndRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	r := e.open("mem:///notes.txt")
	require.True(t, e.fsys.Supports(ctx, r, vfs.OpWrite))
	w, err := e.fsys.OpenWrite(ctx, r)
	require.NoError(t, err)
	_, err = io.WriteString(w, "hello")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, "hello", e.read(r))

	entry, err := e.fsys.Stat(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.Size)
	assert.Equal(t, []string{"notes.txt"}, e.list(e.open("mem:///")))
}

func TestFileSystem_Archive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, vfs.WithMemoryCache(0))
	e.put("mem:///dist/pkg.7z", sampleArchive(t))

	container := e.open("mem:///dist/pkg.7z")
	assert.True(t, e.fsys.Supports(ctx, container, vfs.OpList))
	assert.Equal(t, []string{"a.txt", "sub"}, e.list(container))
	assert.Equal(t, []string{"b.txt"}, e.list(e.open("mem:///dist/pkg.7z/sub")))
	assert.Equal(t, "beta", e.read(e.open("mem:///dist/pkg.7z/sub/b.txt")))

	entry := e.open("mem:///dist/pkg.7z/a.txt")
	assert.Equal(t, "alpha", e.read(entry))
	assert.False(t, e.fsys.Supports(ctx, entry, vfs.OpWrite))
	_, err := e.fsys.OpenWrite(ctx, entry)
	require.ErrorIs(t, err, vfs.ErrOperationUnsupported)

	_, err = e.fsys.OpenRead(ctx, e.open("mem:///dist/pkg.7z/absent"))
	require.ErrorIs(t, err, vfs.ErrNotExist)
}

func TestFileSystem_ListNativeContainer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.put("mem:///pkg.7z", sampleArchive(t))

	addr, err := e.fsys.Parse("mem:///pkg.7z")
	require.NoError(t, err)
	native, err := e.mem.Resolve(ctx, addr)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt", "sub"}, e.list(native))
}

func TestFileSystem_WithoutArchives(t *testing.T) {
	t.Parallel()
	e := newEnv(t, vfs.WithoutArchives())
	e.put("mem:///pkg.7z", sampleArchive(t))

	r := e.open("mem:///pkg.7z")
	if it, err := e.fsys.List(context.Background(), r); err == nil {
		entries, _ := vfs.Collect(it) //nolint:errcheck // a plain file has no children either way
		assert.Empty(t, entries)
	}
	assert.Len(t, e.read(r), len(sampleArchive(t)))
}

func TestFileSystem_ResolveErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.fsys.Open(ctx, "gopher://host/x")
	require.ErrorIs(t, err, vfs.ErrUnknownScheme)

	// Known to the registry but served by no backend.
	_, err = e.fsys.Open(ctx, "sftp://user@host/x")
	require.ErrorIs(t, err, vfs.ErrUnknownScheme)

	_, err = e.fsys.Open(ctx, "no scheme")
	require.ErrorIs(t, err, vfs.ErrMalformedAddress)

	assert.False(t, e.fsys.Supports(ctx, nil, vfs.OpRead))
	_, err = e.fsys.List(ctx, nil)
	require.Error(t, err)
}

func TestFileSystem_CustomScheme(t *testing.T) {
	t.Parallel()

	b := core.NewDefaultRegistryBuilder()
	require.NoError(t, b.Register(core.SchemeDescriptor{Name: "scratch"}))
	e := newEnv(t,
		vfs.WithRegistry(b.Build()),
		vfs.WithBackend("scratch", local.NewMemory(local.WithScheme("scratch"))),
	)
	assert.Contains(t, e.fsys.Schemes(), "scratch")

	r := e.open("scratch:///x")
	w, err := e.fsys.OpenWrite(context.Background(), r)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, []string{"x"}, e.list(e.open("scratch:///")))
}

func TestFileSystem_Options(t *testing.T) {
	t.Parallel()

	_, err := vfs.New(vfs.WithRegistry(nil))
	require.Error(t, err)
	_, err = vfs.New(vfs.WithBackend("mem", nil))
	require.Error(t, err)

	_, err = vfs.New(vfs.WithBlockCache(nil))
	require.Error(t, err)

	fsys, err := vfs.New(vfs.WithCacheDir(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, fsys.Close())
	require.NoError(t, fsys.Close())
}

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(`
log: {level: error}
schemes:
  - name: scratch
archive:
  extensions: [".7z", ".pkg"]
cache:
  kind: memory
  block_size: 4096
`), config.YAML)
	require.NoError(t, err)

	mem := local.NewMemory()
	fsys, err := vfs.NewFromConfig(cfg,
		vfs.WithBackend("mem", mem),
		vfs.WithBackend("scratch", local.NewMemory(local.WithScheme("scratch"))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsys.Close() }) //nolint:errcheck // test cleanup
	e := &env{t: t, mem: mem, fsys: fsys}

	_, err = fsys.Registry().Lookup("scratch")
	require.NoError(t, err)

	e.put("mem:///bundle.pkg", sampleArchive(t))
	assert.Equal(t, []string{"a.txt", "sub"}, e.list(e.open("mem:///bundle.pkg")))
	assert.Equal(t, "alpha", e.read(e.open("mem:///bundle.pkg/a.txt")))
}

func TestNewFromConfig_Invalid(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Cache.Kind = "tape"
	_, err := vfs.NewFromConfig(cfg)
	require.ErrorContains(t, err, "cache.kind")
}
