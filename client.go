package pvnet

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

func DefaultClientContextSettings() *ClientContextSettings {
	return &ClientContextSettings{
		Timeout:               5 * time.Second,
		WsHandshakeTimeout:    2 * time.Second,
		WsWriteTimeout:        5 * time.Second,
		SubscriptionQueueSize: 16,
	}
}

type ClientContextSettings struct {
	// default wait for get/put/rpc. Local to the caller: expiry does not
	// cancel the server-side operation.
	Timeout time.Duration

	WsHandshakeTimeout    time.Duration
	WsWriteTimeout        time.Duration
	SubscriptionQueueSize int
}

// ClientContext is a blocking client binding: get/put/rpc calls block until
// the operation completes or the context timeout expires. It reaches a
// server either in-process (loopback) or over the websocket endpoint named
// by the server's Conf().
type ClientContext struct {
	settings *ClientContextSettings

	sess *session
	ws   *wsClient
}

// NewLoopbackClientContext attaches in-process to a server in the same
// process, bypassing the network endpoint.
func NewLoopbackClientContext(server *Server) (*ClientContext, error) {
	return NewLoopbackClientContextWithSettings(server, DefaultClientContextSettings())
}

func NewLoopbackClientContextWithSettings(server *Server, settings *ClientContextSettings) (*ClientContext, error) {
	sess, err := server.Connect()
	if err != nil {
		return nil, err
	}
	return &ClientContext{
		settings: settings,
		sess:     sess,
	}, nil
}

// NewClientContext dials the websocket endpoint in `conf`.
func NewClientContext(conf ServerConf, settings *ClientContextSettings) (*ClientContext, error) {
	if settings == nil {
		settings = DefaultClientContextSettings()
	}
	ws, err := dialWsClient(conf, settings)
	if err != nil {
		return nil, err
	}
	return &ClientContext{
		settings: settings,
		ws:       ws,
	}, nil
}

func (self *ClientContext) Close() {
	if self.sess != nil {
		self.sess.close()
	}
	if self.ws != nil {
		self.ws.close()
	}
}

func (self *ClientContext) submitGet(name string, request string) (*Operation, error) {
	if self.sess != nil {
		return self.sess.get(name, request)
	}
	return self.ws.submit(frameGet, name, nil, request)
}

func (self *ClientContext) submitPut(name string, value *Value, request string) (*Operation, error) {
	if self.sess != nil {
		return self.sess.put(name, value, request)
	}
	return self.ws.submit(framePut, name, value, request)
}

func (self *ClientContext) Get(name string) (*Value, error) {
	return self.GetRequest(name, "")
}

func (self *ClientContext) GetRequest(name string, request string) (*Value, error) {
	return self.GetWithTimeout(name, request, self.settings.Timeout)
}

func (self *ClientContext) GetWithTimeout(name string, request string, timeout time.Duration) (*Value, error) {
	op, err := self.submitGet(name, request)
	if err != nil {
		return nil, err
	}
	return op.Wait(timeout)
}

// GetAll issues gets for all names concurrently and returns the results in
// request order, independent of per-pv dispatch interleaving. The first
// error is returned alongside the values collected so far.
func (self *ClientContext) GetAll(names []string) ([]*Value, error) {
	ops := make([]*Operation, len(names))
	for i, name := range names {
		op, err := self.submitGet(name, "")
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}
	values := make([]*Value, len(names))
	for i, op := range ops {
		value, err := op.Wait(self.settings.Timeout)
		if err != nil {
			return values, err
		}
		values[i] = value
	}
	return values, nil
}

func (self *ClientContext) Put(name string, value *Value) error {
	return self.PutRequest(name, value, "")
}

func (self *ClientContext) PutRequest(name string, value *Value, request string) error {
	op, err := self.submitPut(name, value, request)
	if err != nil {
		return err
	}
	_, err = op.Wait(self.settings.Timeout)
	return err
}

// PutAll issues puts for all names concurrently and waits for each.
func (self *ClientContext) PutAll(names []string, values []*Value) error {
	if len(names) != len(values) {
		return fmt.Errorf("%w: %d names, %d values", ErrInvalidRequest, len(names), len(values))
	}
	ops := make([]*Operation, len(names))
	for i, name := range names {
		op, err := self.submitPut(name, values[i], "")
		if err != nil {
			return err
		}
		ops[i] = op
	}
	for _, op := range ops {
		if _, err := op.Wait(self.settings.Timeout); err != nil {
			return err
		}
	}
	return nil
}

// RPC issues an rpc exchange. `args` may be nil.
func (self *ClientContext) RPC(name string, args *Value) (*Value, error) {
	var op *Operation
	var err error
	if self.sess != nil {
		op, err = self.sess.rpc(name, args)
	} else {
		op, err = self.ws.submit(frameRPC, name, args, "")
	}
	if err != nil {
		return nil, err
	}
	return op.Wait(self.settings.Timeout)
}

// Monitor subscribes to value updates for `name`. With notifyDisconnect the
// subscription delivers synthetic Disconnected markers in-order with values.
func (self *ClientContext) Monitor(name string, request string, notifyDisconnect bool) (*Subscription, error) {
	if self.sess != nil {
		return self.sess.monitor(name, request, notifyDisconnect)
	}
	return self.ws.monitor(name, request, notifyDisconnect)
}

// wsClient is the remote leg of a ClientContext: one websocket connection,
// one read loop, request/result correlation by sequence number.
type wsClient struct {
	settings *ClientContextSettings
	conn     *websocket.Conn

	writeLock sync.Mutex

	stateLock  sync.Mutex
	nextSeq    uint64
	pendingOps map[uint64]*Operation
	subs       map[string]*Subscription
	closed     bool
}

func dialWsClient(conf ServerConf, settings *ClientContextSettings) (*wsClient, error) {
	if conf.Addr == "" {
		return nil, fmt.Errorf("%w: server has no endpoint address", ErrNoSuchChannel)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.Dial(fmt.Sprintf("ws://%s/pva", conf.Addr), nil)
	if err != nil {
		return nil, err
	}
	ws := &wsClient{
		settings:   settings,
		conn:       conn,
		pendingOps: map[uint64]*Operation{},
		subs:       map[string]*Subscription{},
	}
	go ws.readLoop()
	return ws, nil
}

func (self *wsClient) submit(ft frameType, name string, value *Value, request string) (*Operation, error) {
	var kind OpKind
	switch ft {
	case frameGet:
		kind = OpGet
	case framePut:
		kind = OpPut
	case frameRPC:
		kind = OpRPC
	}
	op := newOperation(kind, name, value, nil)

	wv, err := encodeWireValue(value)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil, ErrDisconnected
	}
	self.nextSeq += 1
	seq := self.nextSeq
	self.pendingOps[seq] = op
	self.stateLock.Unlock()

	self.writeFrame(&frame{
		Type:    ft,
		Seq:     seq,
		Pv:      name,
		Request: request,
		Value:   wv,
	})
	return op, nil
}

func (self *wsClient) monitor(name string, request string, notifyDisconnect bool) (*Subscription, error) {
	// validate the request locally before it goes on the wire
	selector, err := ParseRequest(request)
	if err != nil {
		return nil, err
	}

	subId := NewId().String()
	sub := newSubscription(selector, MapperMask, notifyDisconnect, self.settings.SubscriptionQueueSize)
	sub.detach = func() {
		self.unsubscribe(subId)
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil, ErrDisconnected
	}
	self.subs[subId] = sub
	self.stateLock.Unlock()

	self.writeFrame(&frame{
		Type:             frameMonitor,
		Sub:              subId,
		Pv:               name,
		Request:          request,
		NotifyDisconnect: notifyDisconnect,
	})
	return sub, nil
}

func (self *wsClient) unsubscribe(subId string) {
	self.writeFrame(&frame{
		Type: frameUnsub,
		Sub:  subId,
	})
}

// readLoop owns all deliveries to this context's subscriptions; closing them
// happens here too, which keeps delivery and close on one goroutine.
func (self *wsClient) readLoop() {
	defer func() {
		self.conn.Close()

		self.stateLock.Lock()
		self.closed = true
		pendingOps := maps.Values(self.pendingOps)
		maps.Clear(self.pendingOps)
		subs := maps.Values(self.subs)
		maps.Clear(self.subs)
		self.stateLock.Unlock()

		for _, op := range pendingOps {
			op.cancel(ErrDisconnected)
		}
		for _, sub := range subs {
			sub.disconnect()
			sub.closeLocal()
		}
	}()

	for {
		f := &frame{}
		if err := self.conn.ReadJSON(f); err != nil {
			glog.V(2).Infof("[wsc] read: %v\n", err)
			return
		}

		switch f.Type {
		case frameResult:
			self.stateLock.Lock()
			op, ok := self.pendingOps[f.Seq]
			delete(self.pendingOps, f.Seq)
			self.stateLock.Unlock()
			if !ok {
				continue
			}
			if err := decodeWireError(f.ErrorKind, f.Error); err != nil {
				op.cancel(err)
				continue
			}
			value, err := decodeWireValue(f.Value)
			if err != nil {
				op.cancel(err)
				continue
			}
			op.complete(opResult{value: value})

		case frameUpdate:
			self.stateLock.Lock()
			sub, ok := self.subs[f.Sub]
			self.stateLock.Unlock()
			if !ok {
				continue
			}
			if f.Disconnected {
				sub.forward(Update{Disconnected: true})
				continue
			}
			value, err := decodeWireValue(f.Value)
			if err != nil {
				glog.Warningf("[wsc] update decode: %v\n", err)
				continue
			}
			sub.forward(Update{Value: value})

		case frameSubClosed:
			self.stateLock.Lock()
			sub, ok := self.subs[f.Sub]
			delete(self.subs, f.Sub)
			self.stateLock.Unlock()
			if ok {
				// a server-side rejection (e.g. no such channel) arrives as a
				// close carrying the reason
				if err := decodeWireError(f.ErrorKind, f.Error); err != nil {
					sub.fail(err)
				}
				sub.closeLocal()
			}

		default:
			glog.V(1).Infof("[wsc] unknown frame type %q\n", f.Type)
		}
	}
}

// close drops the connection; the read loop cancels pending operations and
// finalizes subscriptions.
func (self *wsClient) close() {
	self.writeLock.Lock()
	self.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(self.settings.WsWriteTimeout),
	)
	self.writeLock.Unlock()
	self.conn.Close()
}

func (self *wsClient) writeFrame(f *frame) {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WsWriteTimeout))
	if err := self.conn.WriteJSON(f); err != nil {
		glog.V(2).Infof("[wsc] write: %v\n", err)
	}
}
