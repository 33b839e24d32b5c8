package kernel

// Error describes a kernel error. All kernel errors are declared as global
// variables that point to an Error value so they can be compared by identity
// and returned from code paths that must not allocate.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
