package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrRangeOutOfBounds is returned when a memory range falls outside of the block that should contain it
var ErrRangeOutOfBounds error = errors.New("memory range is outside the bounds of its block")
