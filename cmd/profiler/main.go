// profiler drives repeated reads through a vfs FileSystem so archive
// access can be profiled.
//
//	profiler --archive file:///tmp/release.7z --mode read --cache memory --cpuprofile cpu.out
//	profiler --archive file:///tmp/release.7z --serve --data-http-latency 20ms --block-size 65536
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"
	"github.com/spf13/pflag"

	"github.com/meigma/vfs"
	"github.com/meigma/vfs/backend/httpfs"
	"github.com/meigma/vfs/cache"
	"github.com/meigma/vfs/cache/disk"
)

const cacheNone = "none"

type config struct {
	mode            string
	archive         string
	serve           bool
	dataHTTPLatency time.Duration
	dataHTTPBPS     int64
	fgProfile       string
	duration        time.Duration
	iterations      int
	pprofAddr       string
	cpuProfile      string
	memProfile      string
	traceFile       string
	cache           string
	cacheDir        string
	blockSize       int64
	readRandom      bool
	randomSeed      int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes int64
	sinkEntry vfs.Entry
	sinkCount int
)

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	address := cfg.archive
	if cfg.serve {
		url, stop, err := serveArchive(context.Background(), cfg.archive)
		if err != nil {
			log.Fatal(err)
		}
		defer stop()
		address = url
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(context.Background(), cfg, address)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

// session is one FileSystem over the archive under test.
type session struct {
	fsys    *vfs.FileSystem
	cleanup func() error
}

func (s *session) Close() error {
	return errors.Join(s.fsys.Close(), s.cleanup())
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newSession(cfg config) (*session, error) {
	web := httpfs.New(httpfs.WithClient(newHTTPClient(cfg)))
	opts := []vfs.Option{vfs.WithBackend("http", web), vfs.WithBackend("https", web)}
	cleanup := func() error { return nil }
	if cfg.cache != cacheNone {
		c, done, err := newCache(cfg)
		if err != nil {
			return nil, err
		}
		cleanup = done
		opts = append(opts, vfs.WithFolderCache(c))
		if cfg.blockSize > 0 {
			blocks, err := cache.NewBlocks(c, cache.WithBlockSize(cfg.blockSize))
			if err != nil {
				_ = done() //nolint:errcheck // cleanup errors are non-fatal in profiler
				return nil, err
			}
			opts = append(opts, vfs.WithBlockCache(blocks))
		}
	}
	fsys, err := vfs.New(opts...)
	if err != nil {
		_ = cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
		return nil, err
	}
	return &session{fsys: fsys, cleanup: cleanup}, nil
}

//nolint:gocognit,gocyclo,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(ctx context.Context, cfg config, address string) (profileStats, error) {
	s, err := newSession(cfg)
	if err != nil {
		return profileStats{}, err
	}
	defer s.Close() //nolint:errcheck // cleanup errors are non-fatal in profiler

	files, err := collectFiles(ctx, s.fsys, address)
	if err != nil {
		return profileStats{}, err
	}
	if len(files) == 0 && cfg.mode != "list" && cfg.mode != "open" {
		return profileStats{}, fmt.Errorf("%s: no files to read", address)
	}

	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}
	rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks

	switch cfg.mode {
	case "read":
		for shouldContinue() {
			n, err := readFile(ctx, s.fsys, pickPath(files, ops, rng, cfg.readRandom))
			if err != nil {
				return profileStats{}, err
			}
			sinkBytes = n
			byteCount += n
			ops++
		}

	case "read-hit":
		for _, f := range files {
			if _, err := readFile(ctx, s.fsys, f); err != nil {
				return profileStats{}, err
			}
		}
		start = time.Now()
		for shouldContinue() {
			n, err := readFile(ctx, s.fsys, pickPath(files, ops, rng, cfg.readRandom))
			if err != nil {
				return profileStats{}, err
			}
			sinkBytes = n
			byteCount += n
			ops++
		}

	case "stat":
		for shouldContinue() {
			r, err := s.fsys.Open(ctx, pickPath(files, ops, rng, cfg.readRandom))
			if err != nil {
				return profileStats{}, err
			}
			e, err := s.fsys.Stat(ctx, r)
			if err != nil {
				return profileStats{}, err
			}
			sinkEntry = e
			ops++
		}

	case "list":
		for shouldContinue() {
			found, err := collectFiles(ctx, s.fsys, address)
			if err != nil {
				return profileStats{}, err
			}
			sinkCount = len(found)
			ops++
		}

	case "open":
		// Every iteration parses the container from a fresh FileSystem.
		for shouldContinue() {
			cold, err := newSession(cfg)
			if err != nil {
				return profileStats{}, err
			}
			found, err := collectFiles(ctx, cold.fsys, address)
			_ = cold.Close() //nolint:errcheck // cleanup errors are non-fatal in profiler
			if err != nil {
				return profileStats{}, err
			}
			sinkCount = len(found)
			ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

// collectFiles walks the container at address and returns the addresses
// of its files.
func collectFiles(ctx context.Context, fsys *vfs.FileSystem, address string) ([]string, error) {
	root, err := fsys.Open(ctx, address)
	if err != nil {
		return nil, err
	}
	var files []string
	pending := []vfs.Resource{root}
	for len(pending) > 0 {
		dir := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		it, err := fsys.List(ctx, dir)
		if err != nil {
			return nil, err
		}
		entries, err := vfs.Collect(it)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir {
				files = append(files, e.Address.String())
				continue
			}
			sub, err := fsys.Resolve(ctx, e.Address)
			if err != nil {
				return nil, err
			}
			pending = append(pending, sub)
		}
	}
	return files, nil
}

func readFile(ctx context.Context, fsys *vfs.FileSystem, address string) (int64, error) {
	r, err := fsys.Open(ctx, address)
	if err != nil {
		return 0, err
	}
	rc, err := fsys.OpenRead(ctx, r)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.Copy(io.Discard, rc)
}

func parseFlags() config {
	var cfg config
	var dataHTTPBPS string
	flags := pflag.CommandLine
	flags.StringVar(&cfg.mode, "mode", "read", "mode: read, read-hit, stat, list, open")
	flags.StringVar(&cfg.archive, "archive", "", "address of the 7z container to profile (required)")
	flags.BoolVar(&cfg.serve, "serve", false, "serve the archive from a local HTTP server and read it over HTTP")
	flags.DurationVar(&cfg.dataHTTPLatency, "data-http-latency", 0, "per-request latency for HTTP reads")
	flags.StringVar(&dataHTTPBPS, "data-http-bps", "", "bytes/sec throttle for HTTP reads (e.g. 10MBps)")
	flags.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flags.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flags.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flags.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flags.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flags.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flags.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flags.StringVar(&cfg.cache, "cache", "memory", "folder cache: memory, disk, none")
	flags.StringVar(&cfg.cacheDir, "cache-dir", "", "cache directory (disk cache only)")
	flags.Int64Var(&cfg.blockSize, "block-size", 0, "also cache container bytes in blocks of this size")
	flags.BoolVar(&cfg.readRandom, "read-random", true, "randomize file selection")
	flags.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	pflag.Parse()
	if cfg.archive == "" {
		log.Fatal("--archive is required")
	}
	if dataHTTPBPS != "" {
		bps, err := parseBytesPerSecond(dataHTTPBPS)
		if err != nil {
			log.Fatalf("data-http-bps: %v", err)
		}
		cfg.dataHTTPBPS = bps
	}
	return cfg
}

func pickPath(paths []string, idx int, rng *rand.Rand, random bool) string {
	if random {
		return paths[rng.Intn(len(paths))]
	}
	return paths[idx%len(paths)]
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newCache(cfg config) (cache.Cache, func() error, error) {
	switch cfg.cache {
	case "memory":
		return cache.NewMemory(0), func() error { return nil }, nil
	case "disk":
		cacheDir := cfg.cacheDir
		autoDir := false
		if cacheDir == "" {
			dir, err := os.MkdirTemp("", "vfs-profiler-cache-*")
			if err != nil {
				return nil, nil, err
			}
			cacheDir = dir
			autoDir = true
		}
		c, err := disk.New(filepath.Clean(cacheDir))
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			if autoDir {
				return os.RemoveAll(cacheDir)
			}
			return nil
		}
		return c, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache: %s", cfg.cache)
	}
}
