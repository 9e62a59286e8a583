package daemon

// modelNotFoundError signals a reload reference that matches neither the
// registry nor a file on disk.
type modelNotFoundError struct{ ref string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.ref }

// ErrModelNotFound constructs a modelNotFoundError.
func ErrModelNotFound(ref string) error { return modelNotFoundError{ref: ref} }

// IsModelNotFound reports whether the error indicates a missing model
// reference (return 404).
func IsModelNotFound(err error) bool {
	_, ok := err.(modelNotFoundError)
	return ok
}
