// vfsls lists, inspects and prints resources through a vfs FileSystem.
//
//	vfsls [flags] ls ADDRESS...
//	vfsls [flags] stat ADDRESS...
//	vfsls [flags] cat ADDRESS...
//	vfsls [flags] caps ADDRESS...
//	vfsls [flags] schemes
//
// Addresses inside 7z containers are browsed like directories:
//
//	vfsls ls -R file:///srv/dist/release.7z
//	vfsls cat https://example.com/release.7z/bin/tool > tool
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/meigma/vfs"
	"github.com/meigma/vfs/config"
	"github.com/meigma/vfs/core"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "vfsls: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	logLevel   string
	long       bool
	recursive  bool
	noArchives bool
	cacheDir   string
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("vfsls", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "configuration file (YAML or JSONC)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	flagSet.BoolVarP(&opts.long, "long", "l", false, "long listing: mode, size, time")
	flagSet.BoolVarP(&opts.recursive, "recursive", "R", false, "list directories recursively")
	flagSet.BoolVar(&opts.noArchives, "no-archives", false, "treat archive containers as plain files")
	flagSet.StringVar(&opts.cacheDir, "cache-dir", "", "cache decoded archive folders in this directory")
	flagSet.Usage = func() {
		fmt.Fprintln(stderr, "usage: vfsls [flags] ls|stat|cat|caps ADDRESS... | schemes")
		flagSet.PrintDefaults()
	}
	flagSet.SetInterspersed(true)

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return errors.New("missing command")
	}

	fsys, err := openFileSystem(opts)
	if err != nil {
		return err
	}
	defer fsys.Close()

	cmd, addrs := rest[0], rest[1:]
	c := &cli{ctx: ctx, fsys: fsys, out: stdout, opts: opts}
	if cmd == "schemes" {
		for _, name := range fsys.Schemes() {
			fmt.Fprintln(stdout, name)
		}
		return nil
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%s: missing address", cmd)
	}

	var each func(vfs.Resource) error
	switch cmd {
	case "ls":
		each = c.list
	case "stat":
		each = c.stat
	case "cat":
		each = c.cat
	case "caps":
		each = c.caps
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	var errs []error
	for _, text := range addrs {
		r, err := fsys.Open(ctx, text)
		if err == nil {
			err = each(r)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openFileSystem(opts options) (*vfs.FileSystem, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.noArchives {
		cfg.Archive.Disabled = true
	}
	if opts.cacheDir != "" {
		cfg.Cache = config.CacheConfig{Kind: config.CacheDisk, Dir: opts.cacheDir, MaxBytes: vfs.DefaultDiskCacheSize}
	}
	return vfs.NewFromConfig(cfg)
}

type cli struct {
	ctx  context.Context
	fsys *vfs.FileSystem
	out  io.Writer
	opts options
}

func (c *cli) list(r vfs.Resource) error {
	if !c.fsys.IsContainer(r.Address()) {
		e, err := c.fsys.Stat(c.ctx, r)
		if err != nil {
			return err
		}
		if !e.IsDir {
			c.printEntry(e, r.Address().String())
			return nil
		}
	}
	return c.walk(r, "")
}

func (c *cli) walk(dir vfs.Resource, prefix string) error {
	it, err := c.fsys.List(c.ctx, dir)
	if err != nil {
		return err
	}
	defer it.Close()

	var subdirs []vfs.Entry
	for {
		e, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		c.printEntry(e, prefix+e.Name())
		if c.opts.recursive && e.IsDir {
			subdirs = append(subdirs, e)
		}
	}
	for _, e := range subdirs {
		sub, err := c.fsys.Resolve(c.ctx, e.Address)
		if err != nil {
			return err
		}
		if err := c.walk(sub, prefix+e.Name()+"/"); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) printEntry(e vfs.Entry, name string) {
	if e.IsDir {
		name += "/"
	}
	if !c.opts.long {
		fmt.Fprintln(c.out, name)
		return
	}
	mode := "----------"
	if m, ok := e.Mode(); ok {
		if e.IsDir {
			m |= fs.ModeDir
		}
		mode = m.String()
	} else if e.IsDir {
		mode = "d---------"
	}
	mtime := "-"
	if !e.ModTime.IsZero() {
		mtime = e.ModTime.UTC().Format(time.DateTime)
	}
	fmt.Fprintf(c.out, "%s %12d %s %s\n", mode, e.Size, mtime, name)
}

func (c *cli) stat(r vfs.Resource) error {
	e, err := c.fsys.Stat(c.ctx, r)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "address:  %s\n", r.Address())
	fmt.Fprintf(c.out, "type:     %s\n", kind(e))
	fmt.Fprintf(c.out, "size:     %d\n", e.Size)
	if e.CompressedSize > 0 {
		fmt.Fprintf(c.out, "packed:   %d\n", e.CompressedSize)
	}
	if !e.ModTime.IsZero() {
		fmt.Fprintf(c.out, "modified: %s\n", e.ModTime.UTC().Format(time.RFC3339))
	}
	if m, ok := e.Mode(); ok {
		fmt.Fprintf(c.out, "mode:     %s\n", m)
	}
	if crc, ok := e.CRC(); ok {
		fmt.Fprintf(c.out, "crc32:    %08x\n", crc)
	}
	return nil
}

func kind(e vfs.Entry) string {
	if e.IsDir {
		return "directory"
	}
	return "file"
}

func (c *cli) cat(r vfs.Resource) error {
	rc, err := c.fsys.OpenRead(c.ctx, r)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(c.out, rc)
	return err
}

func (c *cli) caps(r vfs.Resource) error {
	caps, err := r.Capabilities(c.ctx)
	if err != nil {
		return err
	}
	var names []string
	for _, op := range core.AllOperations() {
		if caps.Has(op) {
			names = append(names, op.String())
		}
	}
	fmt.Fprintf(c.out, "%s: %s\n", r.Address(), strings.Join(names, " "))
	return nil
}
