//go:build !debug_mem_utils

package memutils

const (
	// DebugMargin is the number of bytes of debug data that are placed after every payload handed out
	// by a heap
	DebugMargin int = 0
)

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes of data starting at offset.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data []byte, offset int) {
}

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data []byte, offset int) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheck calls check and panics with its error, if any. It is used for preconditions that are
// too expensive to verify in release builds. This method no-ops unless the debug_mem_utils build tag
// is present.
func DebugCheck(check func() error) {
}
