//go:build integration

// Package integration provides end-to-end tests for the vfs FileSystem.
//
// These tests require Docker and spin up a real MinIO server using
// testcontainers. Run with: go test -tags=integration ./integration/...
package integration
