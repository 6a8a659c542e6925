package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failure")
	ErrTransient  = errors.New("transient failure")
	ErrDuplicate  = errors.New("duplicate content")
	ErrGone       = errors.New("soft deleted")
	ErrRateLimit  = errors.New("rate limited")
	ErrStalePhase = errors.New("stale phase")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
