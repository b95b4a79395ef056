package memutils

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

const (
	// FreshPattern is written across the payload of every entry when a region is first
	// carved up, in builds with the debug_mem_utils tag
	FreshPattern uint8 = 0xCD
	// FreedPattern is written across the payload of an entry when it is returned to its
	// pool, in builds with the debug_mem_utils tag
	FreedPattern uint8 = 0xDD
)
