// Package vfs addresses, inspects and manipulates resources on
// heterogeneous backends through one interface, and makes 7z containers
// browsable as directories.
//
// A [FileSystem] maps each scheme to a backend. Local disk (file),
// in-memory trees (mem), read-only HTTP (http, https) and S3 (s3) are
// wired by default:
//
//	fsys, err := vfs.New()
//	if err != nil {
//	    return err
//	}
//	defer fsys.Close()
//
//	r, err := fsys.Open(ctx, "https://example.com/dist/release.7z/bin/tool")
//	if err != nil {
//	    return err
//	}
//	rc, err := fsys.OpenRead(ctx, r)
//
// Any path segment with an archive extension is opened as a container:
// the container lists like a directory and its entries are read-only
// resources.
//
// # Capabilities
//
// Resources report the operations they support. Check [FileSystem.Supports]
// before acting; an unsupported operation fails with
// [ErrOperationUnsupported] and never touches the resource.
//
// # Configuration
//
// [NewFromConfig] builds a FileSystem from a file loaded with the config
// package:
//
//	cfg, err := config.Load("/etc/vfs.yaml")
//	if err != nil {
//	    return err
//	}
//	fsys, err := vfs.NewFromConfig(cfg)
package vfs
