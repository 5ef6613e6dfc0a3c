// Package core holds the backend independent parts of the virtual file system.
//
// An [Address] names a resource on any backend. Addresses are parsed with a
// [Registry] of [SchemeDescriptor] values that is installed once at startup
// with [Install]. A [Backend] turns an address into a [Resource], whose
// operations are gated by a [CapabilitySet]; [Supports] and [Require] are the
// only ways callers and backends should consult it.
//
// Listings of native directories and of archive containers share the
// [EntryIterator] protocol: a lazy, single-pass sequence that ends with
// io.EOF and must be closed.
//
// Errors match the sentinels in this package with errors.Is. Failed
// operations on a resource are reported as [*OpError], which renders the
// address without its secret.
package core
