// Package kernelerr provides the sentinel error type shared by every
// allocator in this module. It intentionally carries no stack trace or
// wrapped cause: kernel-level allocators run before a heap exists to hold
// such decorations, so an Error is two strings and nothing else.
package kernelerr

// Error reports a named failure in a specific subsystem. The zero value is
// not a valid error; construct one with New.
type Error struct {
	Module  string
	Message string
}

// New constructs an Error for the given subsystem.
func New(module, message string) *Error {
	return &Error{Module: module, Message: message}
}

func (e *Error) Error() string {
	return e.Module + ": " + e.Message
}

// Is reports whether target names the same module and message, so callers
// can compare against package-level sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	o, ok := target.(*Error)
	if !ok {
		return false
	}
	return o.Module == e.Module && o.Message == e.Message
}
