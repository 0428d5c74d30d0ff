package pvnet

// Handler is the capability set a pv owner may implement. Embed NopHandler to
// pick a subset.
//
// All methods run on the pv's dispatch queue: handler state needs no extra
// locking as long as it is only touched from these callbacks, and a handler
// may synchronously call back into the pv (`pv.Post` from OnPut) without
// deadlocking.
type Handler interface {
	// OnFirstConnect fires on the transition from zero to one attached
	// clients while the pv is open.
	OnFirstConnect(pv *SharedPV)
	// OnLastDisconnect fires when the last attached client detaches, and on
	// pv close.
	OnLastDisconnect(pv *SharedPV)
	// OnPut must complete `op` exactly once. Call pv.Post before op.Done if
	// the stored value should change; validation precedes mutation.
	OnPut(pv *SharedPV, op *Operation)
	// OnRPC must complete `op` exactly once, with op.DoneValue or
	// op.DoneError. The reply is independent of the stored value.
	OnRPC(pv *SharedPV, op *Operation)
}

// NopHandler is the default capability set: connect hooks are no-ops, and
// put/rpc fail with ErrUnhandledOperation. A pv constructed without a handler
// behaves exactly like one holding a NopHandler.
type NopHandler struct {
}

func (self *NopHandler) OnFirstConnect(pv *SharedPV) {
}

func (self *NopHandler) OnLastDisconnect(pv *SharedPV) {
}

func (self *NopHandler) OnPut(pv *SharedPV, op *Operation) {
	op.cancel(ErrUnhandledOperation)
}

func (self *NopHandler) OnRPC(pv *SharedPV, op *Operation) {
	op.cancel(ErrUnhandledOperation)
}

var nopHandler = &NopHandler{}
