package vfs

import "github.com/meigma/vfs/core"

// Re-export types from core for the public API.
type (
	// Address locates a resource.
	Address = core.Address

	// Credentials are the login and secret of an address.
	Credentials = core.Credentials

	// Resource is a handle on one addressable item.
	Resource = core.Resource

	// Backend resolves addresses of its schemes into resources.
	Backend = core.Backend

	// Entry describes a listed or stat'ed item.
	Entry = core.Entry

	// EntryIterator produces entries until io.EOF.
	EntryIterator = core.EntryIterator

	// Operation is one capability of a resource.
	Operation = core.Operation

	// CapabilitySet is a set of operations.
	CapabilitySet = core.CapabilitySet

	// SchemeDescriptor holds the static facts of a scheme.
	SchemeDescriptor = core.SchemeDescriptor

	// Registry is an immutable scheme table.
	Registry = core.Registry

	// OpError records a failed operation and the address it failed on.
	OpError = core.OpError
)

// Re-export operation constants.
const (
	OpRead              = core.OpRead
	OpWrite             = core.OpWrite
	OpAppend            = core.OpAppend
	OpCreateDirectory   = core.OpCreateDirectory
	OpDelete            = core.OpDelete
	OpRename            = core.OpRename
	OpRandomRead        = core.OpRandomRead
	OpRandomWrite       = core.OpRandomWrite
	OpGetPermissions    = core.OpGetPermissions
	OpChangePermissions = core.OpChangePermissions
	OpGetDate           = core.OpGetDate
	OpChangeDate        = core.OpChangeDate
	OpGetFreeSpace      = core.OpGetFreeSpace
	OpGetTotalSpace     = core.OpGetTotalSpace
	OpList              = core.OpList
)

// Collect drains it into a slice and closes it.
func Collect(it EntryIterator) ([]Entry, error) {
	return core.Collect(it)
}
