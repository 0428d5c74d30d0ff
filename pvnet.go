package pvnet

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Engine-level errors. These are returned synchronously by the call that
// triggered them.
var (
	ErrNotOpen        = errors.New("pv not open")
	ErrAlreadyOpen    = errors.New("pv already open")
	ErrDuplicateName  = errors.New("duplicate pv name")
	ErrNoSuchChannel  = errors.New("no such channel")
	ErrInvalidRequest = errors.New("invalid field request")
	ErrNoField        = errors.New("no such field")
)

// Operation-level errors. These are delivered as the completion result of a
// specific operation or subscription, never across unrelated operations.
var (
	ErrDisconnected       = errors.New("disconnected")
	ErrTimeout            = errors.New("timeout")
	ErrUnhandledOperation = errors.New("unhandled operation")
	// an operation was completed twice. The second completion is dropped and
	// surfaced to the completer, not the client.
	ErrDoubleCompletion = errors.New("operation completed twice")
)

// HandlerError carries a handler-supplied completion message verbatim to the
// client that issued the operation.
type HandlerError struct {
	Msg string
}

func (self *HandlerError) Error() string {
	return self.Msg
}

func handlerError(format string, a ...any) *HandlerError {
	return &HandlerError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}
