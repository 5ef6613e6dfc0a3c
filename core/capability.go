package core

import (
	"context"
	"fmt"
	"strings"
)

// Operation identifies something a resource may be able to do.
type Operation uint8

// Operations a resource may support.
const (
	OpRead Operation = iota
	OpWrite
	OpAppend
	OpCreateDirectory
	OpDelete
	OpRename
	OpRandomRead
	OpRandomWrite
	OpGetPermissions
	OpChangePermissions
	OpGetDate
	OpChangeDate
	OpGetFreeSpace
	OpGetTotalSpace
	OpList

	numOperations
)

var operationNames = [numOperations]string{
	OpRead:              "read",
	OpWrite:             "write",
	OpAppend:            "append",
	OpCreateDirectory:   "create-directory",
	OpDelete:            "delete",
	OpRename:            "rename",
	OpRandomRead:        "random-read",
	OpRandomWrite:       "random-write",
	OpGetPermissions:    "get-permissions",
	OpChangePermissions: "change-permissions",
	OpGetDate:           "get-date",
	OpChangeDate:        "change-date",
	OpGetFreeSpace:      "get-free-space",
	OpGetTotalSpace:     "get-total-space",
	OpList:              "list",
}

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op < numOperations
}

func (op Operation) String() string {
	if !op.Valid() {
		return fmt.Sprintf("operation(%d)", uint8(op))
	}
	return operationNames[op]
}

// ParseOperation returns the operation named name.
func ParseOperation(name string) (Operation, error) {
	for op, n := range operationNames {
		if n == name {
			return Operation(op), nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}

// AllOperations returns every known operation in declaration order.
func AllOperations() []Operation {
	ops := make([]Operation, numOperations)
	for i := range ops {
		ops[i] = Operation(i)
	}
	return ops
}

// CapabilitySet is a fixed-size set of operations.
type CapabilitySet uint32

// ReadOnlyCapabilities are the read-class operations.
var ReadOnlyCapabilities = NewCapabilitySet(OpRead, OpRandomRead, OpGetDate, OpGetPermissions, OpList)

// NewCapabilitySet returns a set holding ops. Unknown operations are ignored.
func NewCapabilitySet(ops ...Operation) CapabilitySet {
	var s CapabilitySet
	return s.With(ops...)
}

// Has reports whether op is in the set. Unknown operations are never present.
func (s CapabilitySet) Has(op Operation) bool {
	return op.Valid() && s&(1<<op) != 0
}

// With returns a copy of s with ops added.
func (s CapabilitySet) With(ops ...Operation) CapabilitySet {
	for _, op := range ops {
		if op.Valid() {
			s |= 1 << op
		}
	}
	return s
}

// Without returns a copy of s with ops removed.
func (s CapabilitySet) Without(ops ...Operation) CapabilitySet {
	for _, op := range ops {
		if op.Valid() {
			s &^= 1 << op
		}
	}
	return s
}

// Intersect returns the operations present in both sets.
func (s CapabilitySet) Intersect(o CapabilitySet) CapabilitySet {
	return s & o
}

// Operations returns the operations in the set in declaration order.
func (s CapabilitySet) Operations() []Operation {
	var ops []Operation
	for op := range numOperations {
		if s.Has(op) {
			ops = append(ops, op)
		}
	}
	return ops
}

func (s CapabilitySet) String() string {
	ops := s.Operations()
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = op.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Supports reports whether r supports op.
//
// It never fails: a nil resource, an unknown operation, or a capability
// probe that errors all report false.
func Supports(ctx context.Context, r Resource, op Operation) (ok bool) {
	if r == nil || !op.Valid() {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	caps, err := r.Capabilities(ctx)
	if err != nil {
		return false
	}
	return caps.Has(op)
}

// Require returns an *OpError wrapping ErrOperationUnsupported unless r
// supports op. opName names the operation in the error.
func Require(ctx context.Context, r Resource, op Operation, opName string) error {
	if Supports(ctx, r, op) {
		return nil
	}
	var addr Address
	if r != nil {
		addr = r.Address()
	}
	return &OpError{Op: opName, Address: addr, Err: fmt.Errorf("%w: %s", ErrOperationUnsupported, op)}
}
