package pvnet

import (
	"sync/atomic"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

func DefaultSharedPVSettings() *SharedPVSettings {
	return &SharedPVSettings{
		MapperMode:            MapperMask,
		DispatchBufferSize:    32,
		SubscriptionQueueSize: 16,
	}
}

type SharedPVSettings struct {
	// how field requests are applied to values and monitor deliveries
	MapperMode MapperMode
	// dispatch queue intake buffer. Producers block when full.
	DispatchBufferSize int
	// default bounded delivery queue per subscription
	SubscriptionQueueSize int
}

// SharedPV is a server-side named process variable. It holds the current
// value, the open/closed state and a pluggable Handler. All mutation is
// serialized on a single-threaded dispatch queue owned by the pv: only one of
// {open, close, post, handler put, handler rpc} runs at a time, and handler
// callbacks may call back into the pv (e.g. Post from OnPut) without
// deadlocking.
//
// The handler is shared, not owned: the caller retains ownership.
// Close(destroy=true) severs the pv->handler edge.
type SharedPV struct {
	settings *SharedPVSettings
	queue    *dispatchQueue

	// terminal teardown flag, readable off-queue
	destroyed atomic.Bool

	// state below is confined to the dispatch goroutine
	handler      Handler
	current      *Value
	open         bool
	attachCount  int
	connNotified bool
	pending      []*Operation
	inflight     map[Id]*Operation
	subs         []*Subscription
}

func NewSharedPVWithDefaults(handler Handler) *SharedPV {
	return NewSharedPV(handler, DefaultSharedPVSettings())
}

func NewSharedPV(handler Handler, settings *SharedPVSettings) *SharedPV {
	return &SharedPV{
		settings: settings,
		queue:    newDispatchQueue(settings.DispatchBufferSize),
		handler:  handler,
		inflight: map[Id]*Operation{},
	}
}

func (self *SharedPV) MapperMode() MapperMode {
	return self.settings.MapperMode
}

func (self *SharedPV) handlerOrNop() Handler {
	if self.handler == nil {
		return nopHandler
	}
	return self.handler
}

// Open sets the initial value, marks the pv open, replays operations that
// arrived while closed and delivers the value to live subscriptions. Fails
// with ErrAlreadyOpen if open, ErrDisconnected after a destroying close.
func (self *SharedPV) Open(initial *Value) error {
	if self.destroyed.Load() {
		return ErrDisconnected
	}
	var err error
	self.queue.dispatchWait(func() {
		if self.open {
			err = ErrAlreadyOpen
			return
		}
		value := initial.Clone()
		value.MarkAllChanged()
		self.current = value
		self.open = true
		glog.V(1).Infof("[pv] open %s\n", value)

		// live subscriptions reconnect with the new value
		for _, sub := range self.subs {
			sub.connect(sub.selector.Apply(self.current, self.settings.MapperMode))
		}

		// replay operations parked while closed
		pending := self.pending
		self.pending = nil
		for _, op := range pending {
			self.serve(op)
		}

		if 0 < self.attachCount && !self.connNotified {
			self.fireFirstConnect()
		}
	})
	return err
}

// Close marks the pv closed: pending operations are cancelled with
// ErrDisconnected, subscriptions that opted in receive a disconnect marker,
// and OnLastDisconnect fires. The pv identity survives and a later Open
// resumes delivery to still-live subscriptions.
//
// destroy=true additionally severs the handler reference and stops the
// dispatch queue; subsequent put/rpc fail with ErrUnhandledOperation.
func (self *SharedPV) Close(destroy bool) {
	self.queue.dispatchWait(func() {
		// parked ops never connected; a close rejects them outright
		pending := self.pending
		self.pending = nil
		for _, op := range pending {
			op.cancel(ErrDisconnected)
		}
		if self.open {
			self.open = false
			glog.V(1).Infof("[pv] close destroy=%t\n", destroy)

			for opId, op := range self.inflight {
				delete(self.inflight, opId)
				op.cancel(ErrDisconnected)
			}
			for _, sub := range self.subs {
				sub.disconnect()
			}
			if self.connNotified {
				self.fireLastDisconnect()
			}
		}
		if destroy {
			self.handler = nil
		}
	})
	if destroy {
		self.destroyed.Store(true)
		self.queue.stop()
	}
}

// Post merges the changed fields of `value` into the current value and
// delivers the filtered result to every subscription whose selector
// intersects the change set. The stored change baseline resets to exactly
// this post's change set. Changed paths not declared in the stored schema
// are dropped from the merge.
func (self *SharedPV) Post(value *Value) error {
	if self.destroyed.Load() {
		return ErrNotOpen
	}
	var err error
	self.queue.dispatchWait(func() {
		if !self.open {
			err = ErrNotOpen
			return
		}
		changed := value.ChangedSet()
		if len(changed) == 0 {
			changed = self.current.Diff(value)
		}
		next := self.current.Clone()
		next.ClearChanged()
		for _, path := range changed {
			if v, ok := value.Get(path); ok {
				if err := next.Set(path, v); err != nil {
					glog.V(2).Infof("[pv] post drops undeclared field %q\n", path)
				}
			}
		}
		self.current = next
		glog.V(2).Infof("[pv] post %s\n", next)

		if len(changed) == 0 {
			return
		}
		for _, sub := range self.subs {
			if sub.selector.SelectsAny(changed, self.settings.MapperMode) {
				sub.post(sub.selector.Apply(next, self.settings.MapperMode))
			}
		}
	})
	return err
}

// Fetch returns a copy of the current value, or ErrNotOpen.
func (self *SharedPV) Fetch() (*Value, error) {
	if self.destroyed.Load() {
		return nil, ErrNotOpen
	}
	var value *Value
	var err error
	self.queue.dispatchWait(func() {
		if !self.open {
			err = ErrNotOpen
			return
		}
		value = self.current.Clone()
	})
	return value, err
}

func (self *SharedPV) IsOpen() bool {
	if self.destroyed.Load() {
		return false
	}
	open := false
	self.queue.dispatchWait(func() {
		open = self.open
	})
	return open
}

// attach records one more attached client channel. Fires OnFirstConnect on
// the zero-to-one transition while open.
func (self *SharedPV) attach() {
	self.queue.dispatch(func() {
		self.attachCount += 1
		glog.V(1).Infof("[pv] attach -> %d\n", self.attachCount)
		if self.attachCount == 1 && self.open && !self.connNotified {
			self.fireFirstConnect()
		}
	})
}

// detach records one detached client channel. Fires OnLastDisconnect on the
// one-to-zero transition.
func (self *SharedPV) detach() {
	self.queue.dispatchWait(func() {
		if self.attachCount == 0 {
			return
		}
		self.attachCount -= 1
		glog.V(1).Infof("[pv] detach -> %d\n", self.attachCount)
		if self.attachCount == 0 && self.connNotified {
			self.fireLastDisconnect()
		}
	})
}

func (self *SharedPV) fireFirstConnect() {
	self.connNotified = true
	handler := self.handlerOrNop()
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[pv] OnFirstConnect panic: %v\n", r)
		}
	}()
	handler.OnFirstConnect(self)
}

func (self *SharedPV) fireLastDisconnect() {
	self.connNotified = false
	handler := self.handlerOrNop()
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[pv] OnLastDisconnect panic: %v\n", r)
		}
	}()
	handler.OnLastDisconnect(self)
}

// submit routes one client operation into the pv's dispatch queue.
// Operations arriving while the pv is closed are parked until Open (the
// channel is not yet connected); the caller's Wait timeout bounds how long a
// client blocks on an unopened pv.
func (self *SharedPV) submit(op *Operation) {
	if self.destroyed.Load() {
		switch op.kind {
		case OpPut, OpRPC:
			op.cancel(ErrUnhandledOperation)
		default:
			op.cancel(ErrNotOpen)
		}
		return
	}
	self.queue.dispatch(func() {
		self.serve(op)
	})
}

// serve runs on the dispatch goroutine.
func (self *SharedPV) serve(op *Operation) {
	if op.completed.Load() {
		// cancelled while parked (session teardown); nothing to replay
		return
	}
	if !self.open {
		self.pending = append(self.pending, op)
		return
	}
	glog.V(2).Infof("[pv] serve %s %q\n", op.kind, op.pvName)
	switch op.kind {
	case OpGet:
		op.complete(opResult{
			value: op.selector.Apply(self.current, self.settings.MapperMode),
		})
	case OpPut:
		if op.request != nil {
			op.request = op.selector.Apply(op.request, self.settings.MapperMode)
		}
		self.track(op)
		self.invokePut(op)
	case OpRPC:
		self.track(op)
		self.invokeRPC(op)
	}
}

// track registers an operation handed to the handler so a later Close can
// cancel it if the handler deferred completion.
func (self *SharedPV) track(op *Operation) {
	self.inflight[op.opId] = op
	prev := op.onComplete
	op.onComplete = func(o *Operation, result opResult) {
		if prev != nil {
			prev(o, result)
		}
		self.queue.dispatch(func() {
			delete(self.inflight, o.opId)
		})
	}
}

func (self *SharedPV) invokePut(op *Operation) {
	handler := self.handlerOrNop()
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[pv] put handler panic: %v\n", r)
			op.cancel(handlerError("put handler panic: %v", r))
		}
	}()
	handler.OnPut(self, op)
}

func (self *SharedPV) invokeRPC(op *Operation) {
	handler := self.handlerOrNop()
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[pv] rpc handler panic: %v\n", r)
			op.cancel(handlerError("rpc handler panic: %v", r))
		}
	}()
	handler.OnRPC(self, op)
}

// subscribe registers a live monitor. With notifyDisconnect a synthetic
// Disconnected marker is delivered first (the channel has not yet proven
// connected); if the pv is open the current value follows immediately.
func (self *SharedPV) subscribe(selector *Selector, notifyDisconnect bool, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = self.settings.SubscriptionQueueSize
	}
	sub := newSubscription(selector, self.settings.MapperMode, notifyDisconnect, queueSize)
	sub.detach = func() {
		self.unsubscribe(sub)
	}
	if self.destroyed.Load() {
		sub.disconnect()
		sub.closeLocal()
		return sub
	}
	self.queue.dispatch(func() {
		self.subs = append(self.subs, sub)
		glog.V(1).Infof("[pv] subscribe, %d active\n", len(self.subs))
		if notifyDisconnect {
			sub.disconnect()
		}
		if self.open {
			sub.connect(sub.selector.Apply(self.current, self.settings.MapperMode))
		}
	})
	return sub
}

// unsubscribe removes and finalizes a subscription. Voluntary: no disconnect
// marker is delivered.
func (self *SharedPV) unsubscribe(sub *Subscription) {
	self.queue.dispatchWait(func() {
		self.removeSub(sub)
		sub.closeLocal()
	})
}

// teardownSubscription is the channel-drop path: the subscription sees a
// disconnect marker (if it opted in) before the terminal close.
func (self *SharedPV) teardownSubscription(sub *Subscription) {
	self.queue.dispatchWait(func() {
		self.removeSub(sub)
		sub.disconnect()
		sub.closeLocal()
	})
}

func (self *SharedPV) removeSub(sub *Subscription) {
	if i := slices.Index(self.subs, sub); 0 <= i {
		self.subs = slices.Delete(self.subs, i, i+1)
	}
}
