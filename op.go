package pvnet

import (
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

type OpKind string

const (
	OpGet OpKind = "get"
	OpPut OpKind = "put"
	OpRPC OpKind = "rpc"
)

type opResult struct {
	value *Value
	err   error
}

// Operation is one in-flight get/put/rpc exchange between a client and a
// SharedPV. Exactly one completion call is valid; a second completion is an
// engine error surfaced to the completer, never to the client.
type Operation struct {
	opId     Id
	kind     OpKind
	pvName   string
	request  *Value
	selector *Selector

	resultC   chan opResult
	completed atomic.Bool

	// invoked exactly once, on first completion. Set by the owner before the
	// operation is submitted.
	onComplete func(*Operation, opResult)
}

func newOperation(kind OpKind, pvName string, request *Value, selector *Selector) *Operation {
	return &Operation{
		opId:     NewId(),
		kind:     kind,
		pvName:   pvName,
		request:  request,
		selector: selector,
		resultC:  make(chan opResult, 1),
	}
}

func (self *Operation) Kind() OpKind {
	return self.kind
}

// Name is the pv name the operation addresses.
func (self *Operation) Name() string {
	return self.pvName
}

// Value is the request value (put/rpc), already filtered by the request's
// field selector. Nil for get and for rpc calls with no arguments.
func (self *Operation) Value() *Value {
	return self.request
}

func (self *Operation) Selector() *Selector {
	return self.selector
}

// Done completes the operation successfully with no reply value.
func (self *Operation) Done() error {
	return self.complete(opResult{})
}

// DoneValue completes the operation successfully with a reply value (rpc).
func (self *Operation) DoneValue(value *Value) error {
	return self.complete(opResult{value: value})
}

// DoneError completes the operation with a handler error. The message is
// carried verbatim to the client.
func (self *Operation) DoneError(msg string) error {
	return self.complete(opResult{err: &HandlerError{Msg: msg}})
}

func (self *Operation) complete(result opResult) error {
	if !self.completed.CompareAndSwap(false, true) {
		glog.Errorf("[op]%s double completion of %s %q\n", self.opId, self.kind, self.pvName)
		return ErrDoubleCompletion
	}
	if self.onComplete != nil {
		self.onComplete(self, result)
	}
	self.resultC <- result
	return nil
}

// cancel completes the operation with `err` unless it already completed.
// Used by pv close and channel teardown.
func (self *Operation) cancel(err error) {
	if !self.completed.CompareAndSwap(false, true) {
		return
	}
	if self.onComplete != nil {
		self.onComplete(self, opResult{err: err})
	}
	self.resultC <- opResult{err: err}
}

// Wait blocks until the operation completes or `timeout` elapses. A negative
// timeout waits forever. A timeout is local to the caller; the server-side
// operation still runs to completion or is cancelled by teardown.
func (self *Operation) Wait(timeout time.Duration) (*Value, error) {
	if timeout < 0 {
		result := <-self.resultC
		return result.value, result.err
	}
	select {
	case result := <-self.resultC:
		return result.value, result.err
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}
