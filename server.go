package pvnet

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/maps"
)

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		ListenAddr:            "",
		Isolate:               false,
		WriteTimeout:          5 * time.Second,
		SubscriptionQueueSize: 16,
	}
}

type ServerSettings struct {
	// websocket endpoint bind address. Empty means in-process only.
	ListenAddr string
	// bind a private loopback listener on an ephemeral port. Used by tests
	// to keep a server off the shared network surface.
	Isolate bool

	WriteTimeout          time.Duration
	SubscriptionQueueSize int
}

// ServerConf is the connectable descriptor a client context uses to reach
// this server instance.
type ServerConf struct {
	Addr string `json:"addr"`
}

// Server owns one or more Providers, optionally binds a websocket endpoint,
// accepts channels and routes channel operations to the correct SharedPV.
//
// Stopping a server tears down its channels (pending operations cancel with
// ErrDisconnected, opted-in monitors see a disconnect marker, attach counts
// drop) but leaves every pv open: "server stop" is not "pv close", and the
// pvs remain usable by a new server.
type Server struct {
	settings  *ServerSettings
	providers []Provider
	metrics   *serverMetrics

	listener   net.Listener
	httpServer *http.Server

	stateLock sync.Mutex
	sessions  map[Id]*session
	stopped   bool
}

func NewServerWithDefaults(providers []Provider) (*Server, error) {
	return NewServer(providers, DefaultServerSettings())
}

func NewServer(providers []Provider, settings *ServerSettings) (*Server, error) {
	server := &Server{
		settings:  settings,
		providers: providers,
		metrics:   newServerMetrics(),
		sessions:  map[Id]*session{},
	}

	addr := settings.ListenAddr
	if settings.Isolate {
		addr = "127.0.0.1:0"
	}
	if addr != "" {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		server.listener = listener

		router := chi.NewRouter()
		router.Get("/pva", server.serveWs)
		router.Method("GET", "/metrics", promhttp.HandlerFor(
			server.metrics.registry,
			promhttp.HandlerOpts{},
		))
		server.httpServer = &http.Server{
			Handler: router,
		}
		go func() {
			if err := server.httpServer.Serve(listener); err != http.ErrServerClosed {
				glog.V(1).Infof("[server] http serve exit: %v\n", err)
			}
		}()
		glog.V(1).Infof("[server] listening on %s\n", listener.Addr())
	}
	return server, nil
}

// Conf returns the connectable descriptor for this instance. The address is
// empty for an in-process only server.
func (self *Server) Conf() ServerConf {
	if self.listener == nil {
		return ServerConf{}
	}
	return ServerConf{
		Addr: self.listener.Addr().String(),
	}
}

// lookup resolves a pv name across providers in construction order: first
// match wins. Duplicate names across providers are allowed; a later provider
// is shadowed (policy, not enforced uniqueness).
func (self *Server) lookup(name string) (*SharedPV, error) {
	for _, provider := range self.providers {
		if pv, ok := provider.Lookup(name); ok {
			return pv, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoSuchChannel, name)
}

// Connect opens an in-process client session against this server.
func (self *Server) Connect() (*session, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.stopped {
		return nil, ErrDisconnected
	}
	sess := &session{
		server:    self,
		sessionId: NewId(),
		channels:  map[string]*sessionChannel{},
		ops:       map[Id]*Operation{},
	}
	self.sessions[sess.sessionId] = sess
	return sess, nil
}

func (self *Server) dropSession(sess *session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.sessions, sess.sessionId)
}

// Stop tears down the endpoint and every session. Idempotent.
func (self *Server) Stop() {
	var sessions []*session
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.stopped {
			return
		}
		self.stopped = true
		sessions = maps.Values(self.sessions)
		maps.Clear(self.sessions)
	}()

	if self.httpServer != nil {
		self.httpServer.Close()
	}
	for _, sess := range sessions {
		sess.teardown()
	}
	glog.V(1).Infof("[server] stopped, %d sessions torn down\n", len(sessions))
}

// session is one client attachment (in-process, or the server end of a
// websocket connection). It owns the channels the client created.
type session struct {
	server    *Server
	sessionId Id

	stateLock sync.Mutex
	channels  map[string]*sessionChannel
	ops       map[Id]*Operation
	closed    bool
}

type sessionChannel struct {
	name string
	pv   *SharedPV
	subs []*Subscription
}

func (self *session) channel(name string) (*sessionChannel, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil, ErrDisconnected
	}
	if ch, ok := self.channels[name]; ok {
		return ch, nil
	}
	pv, err := self.server.lookup(name)
	if err != nil {
		return nil, err
	}
	ch := &sessionChannel{
		name: name,
		pv:   pv,
	}
	self.channels[name] = ch
	pv.attach()
	self.server.metrics.activeChannels.Inc()
	glog.V(1).Infof("[session]%s channel %q\n", self.sessionId, name)
	return ch, nil
}

// track registers an operation with the session so teardown can cancel it
// (it may be parked on an unopened pv, or held by a handler that deferred
// completion).
func (self *session) track(op *Operation) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return ErrDisconnected
	}
	self.ops[op.opId] = op
	prev := op.onComplete
	op.onComplete = func(o *Operation, result opResult) {
		if prev != nil {
			prev(o, result)
		}
		self.stateLock.Lock()
		delete(self.ops, o.opId)
		self.stateLock.Unlock()
	}
	return nil
}

func (self *session) get(name string, request string) (*Operation, error) {
	selector, err := ParseRequest(request)
	if err != nil {
		return nil, err
	}
	ch, err := self.channel(name)
	if err != nil {
		return nil, err
	}
	op := newOperation(OpGet, name, nil, selector)
	if err := self.track(op); err != nil {
		return nil, err
	}
	self.server.metrics.observe(op)
	ch.pv.submit(op)
	return op, nil
}

func (self *session) put(name string, value *Value, request string) (*Operation, error) {
	selector, err := ParseRequest(request)
	if err != nil {
		return nil, err
	}
	ch, err := self.channel(name)
	if err != nil {
		return nil, err
	}
	op := newOperation(OpPut, name, value, selector)
	if err := self.track(op); err != nil {
		return nil, err
	}
	self.server.metrics.observe(op)
	ch.pv.submit(op)
	return op, nil
}

func (self *session) rpc(name string, args *Value) (*Operation, error) {
	ch, err := self.channel(name)
	if err != nil {
		return nil, err
	}
	op := newOperation(OpRPC, name, args, &Selector{all: true})
	if err := self.track(op); err != nil {
		return nil, err
	}
	self.server.metrics.observe(op)
	ch.pv.submit(op)
	return op, nil
}

func (self *session) monitor(name string, request string, notifyDisconnect bool) (*Subscription, error) {
	selector, err := ParseRequest(request)
	if err != nil {
		return nil, err
	}
	ch, err := self.channel(name)
	if err != nil {
		return nil, err
	}
	sub := ch.pv.subscribe(selector, notifyDisconnect, self.server.settings.SubscriptionQueueSize)

	self.stateLock.Lock()
	ch.subs = append(ch.subs, sub)
	self.stateLock.Unlock()

	self.server.metrics.monitorsTotal.Inc()
	return sub, nil
}

// close is the voluntary path (client context close).
func (self *session) close() {
	self.server.dropSession(self)
	self.teardown()
}

// teardown cascades the channel-drop notifications: the session's in-flight
// and parked operations cancel with ErrDisconnected, opted-in monitors see a
// disconnect marker then close, and each pv detaches (possibly firing
// OnLastDisconnect). The pvs themselves stay open.
func (self *session) teardown() {
	var channels []*sessionChannel
	var ops []*Operation
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return
		}
		self.closed = true
		channels = maps.Values(self.channels)
		maps.Clear(self.channels)
		ops = maps.Values(self.ops)
		maps.Clear(self.ops)
	}()

	for _, op := range ops {
		op.cancel(ErrDisconnected)
	}
	for _, ch := range channels {
		for _, sub := range ch.subs {
			ch.pv.teardownSubscription(sub)
		}
		ch.pv.detach()
		self.server.metrics.activeChannels.Dec()
	}
}
