// Package errors declares the root errors shared by the ledger, the registry
// and the service shell. Every error returned by a state-changing operation
// wraps exactly one of them, so callers can classify failures with Is and map
// them onto transport status codes.
package errors

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

var (
	// ErrDuplicate is returned when creating a stream or a ledger that
	// already exists.
	ErrDuplicate = Register(2, "already exists", codes.AlreadyExists)

	// ErrNotFound is returned when operating on a stream or ledger that
	// does not exist.
	ErrNotFound = Register(3, "not found", codes.NotFound)

	// ErrInvalidArgument covers zero-rate streams, unsupported token
	// precision and malformed commands.
	ErrInvalidArgument = Register(4, "invalid argument", codes.InvalidArgument)

	// ErrOverflow is returned when a computation cannot be completed
	// because the result exceeds its bounded width.
	ErrOverflow = Register(5, "overflow", codes.OutOfRange)

	// ErrInsufficientFunds is returned when a payer in debt tries to
	// reclaim funds or open a stream, or asks for more than it holds.
	ErrInsufficientFunds = Register(6, "insufficient funds", codes.FailedPrecondition)

	// ErrUnauthorized is returned when a caller lacks the right to run
	// an operation.
	ErrUnauthorized = Register(7, "unauthorized", codes.PermissionDenied)

	// ErrTransferFailed is returned when the token collaborator refuses a
	// transfer.
	ErrTransferFailed = Register(8, "token transfer failed", codes.Aborted)

	// ErrInvalidState is returned when persisted or replayed state does
	// not line up with the running core.
	ErrInvalidState = Register(9, "invalid state", codes.Internal)
)

// usedCodes keeps registered codes unique. Code 1 is reserved for errors
// that do not wrap a root error.
var usedCodes = map[uint32]*Error{
	1: nil,
}

// Register returns a root error. It panics if the code is already taken, so
// it must only be called while initialising packages.
func Register(code uint32, description string, grpcCode codes.Code) *Error {
	if e, ok := usedCodes[code]; ok {
		panic(fmt.Sprintf("error with code %d is already registered: %q", code, e.desc))
	}
	err := &Error{code: code, desc: description, grpc: grpcCode}
	usedCodes[code] = err
	return err
}

// Error is a root error.
type Error struct {
	code uint32
	desc string
	grpc codes.Code
}

func (e *Error) Error() string {
	return e.desc
}

// Code returns the numeric code of the root error.
func (e *Error) Code() uint32 {
	return e.code
}

// GRPCCode returns the transport status code for this kind of failure.
func (e *Error) GRPCCode() codes.Code {
	return e.grpc
}

// New returns a new error with this error as its root cause.
func (e *Error) New(description string) error {
	return Wrap(e, description)
}

// Newf is New with formatting.
func (e *Error) Newf(format string, args ...interface{}) error {
	return Wrap(e, fmt.Sprintf(format, args...))
}

// Is reports whether err has kind as one of its causes.
func (kind *Error) Is(err error) bool {
	if kind == nil {
		if err == nil {
			return true
		}
		return reflect.ValueOf(err).IsNil()
	}

	for {
		if err == error(kind) {
			return true
		}
		if c, ok := err.(causer); ok {
			err = c.Cause()
			continue
		}
		if u, ok := err.(interface{ Unwrap() error }); ok {
			err = u.Unwrap()
			if err == nil {
				return false
			}
			continue
		}
		return false
	}
}

// Wrap extends err with a description. A stack trace is attached at the
// innermost wrap. Wrapping nil returns nil.
func Wrap(err error, description string) error {
	if err == nil {
		return nil
	}
	if stackTrace(err) == nil {
		err = errors.WithStack(err)
	}
	return &wrappedError{parent: err, msg: description}
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// Root returns the root error wrapped by err, or nil if err does not wrap
// a registered root.
func Root(err error) *Error {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e
		}
		if c, ok := err.(causer); ok {
			err = c.Cause()
			continue
		}
		if u, ok := err.(interface{ Unwrap() error }); ok {
			err = u.Unwrap()
			continue
		}
		return nil
	}
	return nil
}

// Code returns the code of the root error of err, 1 for foreign errors and
// 0 for nil.
func Code(err error) uint32 {
	if err == nil {
		return 0
	}
	if root := Root(err); root != nil {
		return root.code
	}
	return 1
}

// GRPCCode maps err onto a transport status code.
func GRPCCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if root := Root(err); root != nil {
		return root.grpc
	}
	return codes.Unknown
}

type wrappedError struct {
	msg    string
	parent error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %s", e.msg, e.parent.Error())
}

func (e *wrappedError) Cause() error {
	return e.parent
}

// Unwrap lets the standard library errors.Is and errors.As walk the chain.
func (e *wrappedError) Unwrap() error {
	return e.parent
}

type causer interface {
	Cause() error
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func stackTrace(err error) errors.StackTrace {
	for {
		if st, ok := err.(stackTracer); ok {
			return st.StackTrace()
		}
		c, ok := err.(causer)
		if !ok {
			return nil
		}
		err = c.Cause()
	}
}
