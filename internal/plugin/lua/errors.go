package lua

import "errors"

// Script errors.
var (
	// ErrScriptClosed is returned when operating on a closed script.
	ErrScriptClosed = errors.New("lua script is closed")

	// ErrNotAFunction is returned when a named global is not callable.
	ErrNotAFunction = errors.New("global is not a function")
)
