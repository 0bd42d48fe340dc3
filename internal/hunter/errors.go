package hunter

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoHandler is reported when no handler claims a request.
var ErrNoHandler = errors.New("hunter: no handler for request")

// ResourceError reports that decoding ran out of budget. It carries the memory
// cache occupancy at the time so callers can tell cache pressure apart from an
// oversized source image.
type ResourceError struct {
	CacheSize int
	CacheMax  int
	Err       error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("hunter: out of memory (cache %d/%d bytes): %v", e.CacheSize, e.CacheMax, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// ContractError reports a custom transformation that broke the bitmap
// ownership rules.
type ContractError struct {
	Transformation string
	Reason         string
	Chain          []string
	Err            error
}

func (e *ContractError) Error() string {
	msg := fmt.Sprintf("hunter: transformation %q %s (chain: %s)", e.Transformation, e.Reason, strings.Join(e.Chain, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ContractError) Unwrap() error { return e.Err }

// PanicError wraps a panic recovered while hunting.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("hunter: panic: %v", e.Value) }
