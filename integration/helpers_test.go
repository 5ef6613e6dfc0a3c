//go:build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/vfs"
	"github.com/meigma/vfs/backend/s3"
	"github.com/meigma/vfs/internal/testutil"
)

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
)

// --- MinIO Container Setup ---

var (
	minioOnce     sync.Once
	minioEndpoint string
	minioErr      error
)

// getMinIO returns the shared MinIO endpoint, starting the container if
// needed. The container is shared across all tests.
func getMinIO(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	minioOnce.Do(func() {
		minioEndpoint, minioErr = startMinIOContainer(context.Background())
	})
	if minioErr != nil {
		tb.Fatalf("start minio container: %v", minioErr)
	}
	return minioEndpoint
}

func startMinIOContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     minioUser,
			"MINIO_ROOT_PASSWORD": minioPassword,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start minio container: %w", err)
	}

	// Cleanup is left to the testcontainers reaper.
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		return "", fmt.Errorf("resolve minio endpoint: %w", err)
	}
	return endpoint, nil
}

// --- Test Environment ---

type env struct {
	t      *testing.T
	base   string
	native *s3.Backend
	fsys   *vfs.FileSystem
}

// newEnv creates a FileSystem over the shared MinIO server with a fresh
// bucket named after the test.
func newEnv(t *testing.T, bucket string, opts ...vfs.Option) *env {
	t.Helper()
	base := "s3://" + minioUser + ":" + minioPassword + "@" + getMinIO(t) + "/" + bucket
	native := s3.New(s3.WithSecure(false))
	fsys, err := vfs.New(append([]vfs.Option{vfs.WithBackend("s3", native)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsys.Close() }) //nolint:errcheck // test cleanup

	e := &env{t: t, base: base, native: native, fsys: fsys}
	require.NoError(t, e.open("").Mkdir(context.Background()))
	return e
}

// put uploads data through the s3 backend, bypassing archive resolution.
func (e *env) put(path string, data []byte) {
	e.t.Helper()
	ctx := context.Background()
	addr, err := e.fsys.Parse(e.base + path)
	require.NoError(e.t, err)
	r, err := e.native.Resolve(ctx, addr)
	require.NoError(e.t, err)
	w, err := r.OpenWrite(ctx)
	require.NoError(e.t, err)
	_, err = w.Write(data)
	require.NoError(e.t, err)
	require.NoError(e.t, w.Close())
}

func (e *env) open(path string) vfs.Resource {
	e.t.Helper()
	r, err := e.fsys.Open(context.Background(), e.base+path)
	require.NoError(e.t, err)
	return r
}

func (e *env) read(path string) (string, error) {
	e.t.Helper()
	rc, err := e.fsys.OpenRead(context.Background(), e.open(path))
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	return string(data), err
}

func (e *env) names(path string) []string {
	e.t.Helper()
	it, err := e.fsys.List(context.Background(), e.open(path))
	require.NoError(e.t, err)
	entries, err := vfs.Collect(it)
	require.NoError(e.t, err)
	out := make([]string, len(entries))
	for i, entry := range entries {
		out[i] = entry.Name()
	}
	return out
}

// --- Standard Test Fixtures ---

func file(name, data string) testutil.ArchiveFile {
	return testutil.ArchiveFile{Name: name, Data: []byte(data)}
}

// makeCompressibleContent creates content that benefits from compression.
func makeCompressibleContent(size int) []byte {
	pattern := []byte("This is a repeating pattern for compression testing. ")
	result := make([]byte, 0, size)
	for len(result) < size {
		result = append(result, pattern...)
	}
	return result[:size]
}

// releaseArchive holds two folders with different coders and a nested
// directory tree.
func releaseArchive(t *testing.T) []byte {
	t.Helper()
	return testutil.NewArchive(t).
		Folder([]testutil.Coder{testutil.LZMA2()},
			file("root.txt", "root file"),
			file("dir1/a.txt", "file a in dir1"),
			file("dir1/sub/c.txt", "file c in dir1/sub"),
		).
		Folder([]testutil.Coder{testutil.Zstd()},
			testutil.ArchiveFile{Name: "large.txt", Data: makeCompressibleContent(100 << 10)},
			file("dir2/x.txt", "file x in dir2"),
		).
		Bytes()
}
