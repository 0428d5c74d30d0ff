package pvnet

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// dispatchQueue is a single-threaded FIFO task executor. Each SharedPV owns
// one; all pv mutation runs on it, which gives the "at most one concurrent
// mutation" guarantee without locks around handler state.
//
// The queue is reentrant by construction: a task that calls `dispatch` or
// `dispatchWait` from the worker goroutine runs the new task inline. This is
// the contract that lets Handler.OnPut call pv.Post without deadlocking.
type dispatchQueue struct {
	tasks chan func()
	doneC chan struct{}

	// worker goroutine id, for reentrancy detection
	gid atomic.Uint64

	// intake gate. `stopped` is checked under the lock so a dispatch either
	// lands in the channel before it closes or runs caller-side, never lost.
	stateLock sync.Mutex
	stopped   bool
}

func newDispatchQueue(buffer int) *dispatchQueue {
	queue := &dispatchQueue{
		tasks: make(chan func(), buffer),
		doneC: make(chan struct{}),
	}
	go queue.run()
	return queue
}

func (self *dispatchQueue) run() {
	defer close(self.doneC)

	self.gid.Store(curGoroutineId())
	for task := range self.tasks {
		task()
	}
}

// dispatch enqueues `task` in FIFO order. When the buffer is full the caller
// blocks (backpressure). Called from the worker goroutine itself, the task
// runs inline. After stop the task runs caller-side so waiters still
// complete.
func (self *dispatchQueue) dispatch(task func()) {
	if self.onWorker() {
		task()
		return
	}

	self.stateLock.Lock()
	if self.stopped {
		self.stateLock.Unlock()
		glog.V(2).Infof("[dispatch] task after stop runs caller-side\n")
		task()
		return
	}
	self.tasks <- task
	self.stateLock.Unlock()
}

// dispatchWait enqueues `task` and blocks until it has run.
func (self *dispatchQueue) dispatchWait(task func()) {
	if self.onWorker() {
		task()
		return
	}
	ranC := make(chan struct{})
	self.dispatch(func() {
		defer close(ranC)
		task()
	})
	<-ranC
}

// stop closes intake, drains queued tasks and joins the worker. Idempotent.
func (self *dispatchQueue) stop() {
	self.stateLock.Lock()
	if !self.stopped {
		self.stopped = true
		close(self.tasks)
	}
	self.stateLock.Unlock()

	if !self.onWorker() {
		<-self.doneC
	}
}

func (self *dispatchQueue) onWorker() bool {
	gid := self.gid.Load()
	return gid != 0 && gid == curGoroutineId()
}

// curGoroutineId parses the current goroutine id out of the runtime.Stack
// header ("goroutine N [...").
func curGoroutineId() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	i := strings.IndexByte(header, ' ')
	if i < 0 {
		return 0
	}
	gid, err := strconv.ParseUint(header[:i], 10, 64)
	if err != nil {
		return 0
	}
	return gid
}
