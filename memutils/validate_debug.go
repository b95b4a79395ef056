//go:build debug_mem_utils

package memutils

// DebugEnabled reports whether the debug_mem_utils build tag is present
const DebugEnabled = true

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}

// FillPattern overwrites data with pattern, so that reads of memory the caller does not own
// stand out. This method no-ops unless the debug_mem_utils build tag is present.
func FillPattern(data []byte, pattern uint8) {
	for i := range data {
		data[i] = pattern
	}
}
