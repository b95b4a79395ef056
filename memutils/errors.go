package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrInvalidArgument is returned when a pool is created or queried with sizes or counts it
	// cannot honor: zero or negative sizes, requests larger than the largest size class, or
	// an unknown fallback policy
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidBufferSize is returned when a caller-supplied buffer cannot be carved into
	// whole entries, or does not exactly cover every size class of a ranged pool
	ErrInvalidBufferSize = errors.New("invalid preallocated buffer size")
	// ErrOutOfMemory is returned when the heap provider could not supply a region or an
	// overflow block
	ErrOutOfMemory = errors.New("out of memory")
	// ErrPoolExhausted is returned when a pool has no free entries and is not permitted to
	// overflow to the heap
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrUnreleasedEntries is returned from Destroy when entries were still outstanding.
	// The pool is destroyed regardless.
	ErrUnreleasedEntries = errors.New("pool destroyed with unreleased entries")
	// ErrCorruption marks every panic raised after detecting a damaged entry header or free
	// list. It is never returned; it can only be observed by recovering the panic.
	ErrCorruption = errors.New("memory corruption detected")
)
