package wsrpc

import (
	"errors"
	"fmt"
)

//	Error codes carried in the "error" member of a response frame.
const (
	ErrCodeUnspecified      = 0
	ErrCodeConnectionClosed = 1
	ErrCodeTimeout          = 2
	ErrCodeParse            = 4
	ErrCodeBadArity         = 5
	ErrCodeUnknownAPI       = 6
	ErrCodeBadCast          = 7
	ErrCodeDepthExceeded    = 8
	ErrCodeUnknownMethod    = 9
	ErrCodeUnknownCallback  = 10
)

//	Value type for every failure produced or transported by the runtime.
//	Errors never unwind past a dispatch loop; they travel as values.
type Error struct {
	Code    int
	Message string
	Data    *Variant
}

func (e *Error) Error() string {
	return e.Message
}

func NewError(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func ParseError(format string, args ...interface{}) *Error {
	return NewError(ErrCodeParse, format, args...)
}

func BadArity(format string, args ...interface{}) *Error {
	return NewError(ErrCodeBadArity, format, args...)
}

func BadCast(index int, want string, got string) *Error {
	return NewError(ErrCodeBadCast, "argument %d: cannot convert %s to %s", index, got, want)
}

func UnknownAPI(handle uint32) *Error {
	return NewError(ErrCodeUnknownAPI, "no api registered under handle %d", handle)
}

func UnknownMethod(name string) *Error {
	return NewError(ErrCodeUnknownMethod, "no method %q in interface", name)
}

func DepthExceeded(maxDepth uint32) *Error {
	return NewError(ErrCodeDepthExceeded, "nesting exceeds maximum depth %d", maxDepth)
}

func ConnectionClosed() *Error {
	return NewError(ErrCodeConnectionClosed, "connection closed")
}

//	An error response returned by the peer.
func RemoteError(code int, message string, data *Variant) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func ErrorCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnspecified
}

func IsConnectionClosed(err error) bool { return ErrorCode(err) == ErrCodeConnectionClosed }
func IsParseError(err error) bool       { return ErrorCode(err) == ErrCodeParse }
func IsBadArity(err error) bool         { return ErrorCode(err) == ErrCodeBadArity }
func IsBadCast(err error) bool          { return ErrorCode(err) == ErrCodeBadCast }
func IsDepthExceeded(err error) bool    { return ErrorCode(err) == ErrCodeDepthExceeded }
func IsUnknownAPI(err error) bool       { return ErrorCode(err) == ErrCodeUnknownAPI }
func IsUnknownMethod(err error) bool    { return ErrorCode(err) == ErrCodeUnknownMethod }
