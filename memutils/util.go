package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignmentMargin returns the number of bytes that must be skipped from offset to reach
// the next multiple of alignment
func AlignmentMargin(offset int, alignment uint) int {
	return AlignUp(offset, alignment) - offset
}

// Validatable is implemented by structures that can check their own internal consistency.
// DebugValidate calls Validate when the debug_mem_utils build tag is present.
type Validatable interface {
	Validate() error
}
