// Position-aware error type for instrumentation failures.

package instrument

import (
	"fmt"
	"go/token"
)

// Error is an instrumentation failure tied to a source position.
//
// Example output:
//
//	main.go:42:15: cannot take the address of the assignment target
type Error struct {
	File    string // source file path
	Line    int    // 1-indexed line
	Column  int    // 1-indexed column
	Message string
}

// Error implements the error interface, in file:line:column form.
func (e *Error) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// errorAt builds an Error from a token position.
func errorAt(fset *token.FileSet, pos token.Pos, format string, args ...any) *Error {
	p := fset.Position(pos)
	return &Error{
		File:    p.Filename,
		Line:    p.Line,
		Column:  p.Column,
		Message: fmt.Sprintf(format, args...),
	}
}
