package pvnet

import (
	"sync"

	"github.com/golang/glog"
)

// subscription state machine:
// SubIdle
//
//	-> SubConnected
//	  -> SubDisconnected
//	    -> SubConnected (pv reopened while the subscription is live)
//	-> SubClosed (terminal)
type SubscriptionState string

const (
	SubIdle         SubscriptionState = "Idle"
	SubConnected    SubscriptionState = "Connected"
	SubDisconnected SubscriptionState = "Disconnected"
	SubClosed       SubscriptionState = "Closed"
)

func (self SubscriptionState) IsTerminal() bool {
	return self == SubClosed
}

// Update is one delivered monitor item: either a value or a synthetic
// Disconnected marker (only delivered when the subscriber opted in with
// notify_disconnect).
type Update struct {
	Value        *Value
	Disconnected bool
}

// Subscription is a live monitor registration. Deliveries preserve post order
// per subscription; across subscriptions no order is guaranteed. The delivery
// queue is bounded and the producer blocks when it is full (backpressure by
// design, never dropping), so a slow consumer stalls its pv's dispatch queue
// rather than losing updates.
//
// All deliveries and the terminal close of one subscription happen on a
// single goroutine (the owning pv's dispatch queue, or the owning client
// session's read loop for remote monitors).
type Subscription struct {
	subId            Id
	selector         *Selector
	mode             MapperMode
	notifyDisconnect bool

	updates chan Update

	stateLock sync.Mutex
	state     SubscriptionState
	closeErr  error

	// routes Close back to the owner (pv unsubscribe, or a remote
	// unsubscribe frame)
	detach    func()
	closeOnce sync.Once
}

func newSubscription(selector *Selector, mode MapperMode, notifyDisconnect bool, queueSize int) *Subscription {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Subscription{
		subId:            NewId(),
		selector:         selector,
		mode:             mode,
		notifyDisconnect: notifyDisconnect,
		updates:          make(chan Update, queueSize),
		state:            SubIdle,
	}
}

// Updates is the delivery channel. It is closed when the subscription
// reaches SubClosed; no deliveries follow.
func (self *Subscription) Updates() <-chan Update {
	return self.updates
}

func (self *Subscription) State() SubscriptionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// Err reports why the subscription closed. Nil for a voluntary or clean
// close.
func (self *Subscription) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closeErr
}

// fail records the reason for a peer-initiated close, read back via Err.
func (self *Subscription) fail(err error) {
	self.stateLock.Lock()
	self.closeErr = err
	self.stateLock.Unlock()
}

func (self *Subscription) setState(state SubscriptionState) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state.IsTerminal() {
		return false
	}
	self.state = state
	return true
}

// Close destroys the subscription. Idempotent. A voluntary close delivers no
// disconnect marker.
func (self *Subscription) Close() {
	self.closeOnce.Do(func() {
		if self.detach != nil {
			self.detach()
		} else {
			self.closeLocal()
		}
	})
}

func (self *Subscription) deliver(update Update) {
	if self.State().IsTerminal() {
		return
	}
	self.updates <- update
}

// connect delivers `value` and (re)enters SubConnected.
func (self *Subscription) connect(value *Value) {
	if !self.setState(SubConnected) {
		return
	}
	glog.V(2).Infof("[sub]%s connect\n", self.subId)
	self.deliver(Update{Value: value})
}

// post delivers a value update while connected.
func (self *Subscription) post(value *Value) {
	self.deliver(Update{Value: value})
}

// disconnect enters SubDisconnected and, if the subscriber opted in,
// delivers a synthetic marker in-order with value updates.
func (self *Subscription) disconnect() {
	if self.State() == SubDisconnected {
		return
	}
	if !self.setState(SubDisconnected) {
		return
	}
	glog.V(1).Infof("[sub]%s disconnect\n", self.subId)
	if self.notifyDisconnect {
		self.deliver(Update{Disconnected: true})
	}
}

// forward replays an update delivered by a remote peer, tracking the state
// transition it implies. Used by the websocket client.
func (self *Subscription) forward(update Update) {
	if update.Disconnected {
		self.setState(SubDisconnected)
	} else {
		self.setState(SubConnected)
	}
	self.deliver(update)
}

// closeLocal finalizes the subscription. Must run on the same goroutine as
// deliveries.
func (self *Subscription) closeLocal() {
	self.stateLock.Lock()
	alreadyClosed := self.state.IsTerminal()
	self.state = SubClosed
	self.stateLock.Unlock()
	if alreadyClosed {
		return
	}
	glog.V(1).Infof("[sub]%s closed\n", self.subId)
	close(self.updates)
}
