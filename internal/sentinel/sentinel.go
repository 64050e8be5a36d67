// Package sentinel provides a string-backed error type for constant sentinel errors.
package sentinel

var _ error = Error("")

// Error is an immutable error type backed by a string constant.
// Being comparable, it works with errors.Is through wrapped chains.
type Error string

// Error implements the error interface.
func (e Error) Error() string {
	return string(e)
}
