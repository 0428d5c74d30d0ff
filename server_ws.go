package pvnet

import (
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWs bridges one websocket connection onto a session: request frames
// become channel operations, monitor subscriptions are pumped back as update
// frames.
func (self *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[ws] upgrade: %v\n", err)
		return
	}
	sess, err := self.Connect()
	if err != nil {
		conn.Close()
		return
	}
	wsSess := &wsServerSession{
		server: self,
		sess:   sess,
		conn:   conn,
		subs:   map[string]*Subscription{},
	}
	wsSess.readLoop()
}

type wsServerSession struct {
	server *Server
	sess   *session
	conn   *websocket.Conn

	writeLock sync.Mutex

	stateLock sync.Mutex
	subs      map[string]*Subscription
}

func (self *wsServerSession) readLoop() {
	defer func() {
		self.conn.Close()
		self.sess.close()
	}()

	for {
		f := &frame{}
		if err := self.conn.ReadJSON(f); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				glog.V(1).Infof("[ws] read: %v\n", err)
			}
			return
		}

		switch f.Type {
		case frameGet:
			op, err := self.sess.get(f.Pv, f.Request)
			self.reply(f.Seq, op, err)
		case framePut:
			value, err := decodeWireValue(f.Value)
			if err != nil {
				self.replyError(f.Seq, err)
				continue
			}
			op, err := self.sess.put(f.Pv, value, f.Request)
			self.reply(f.Seq, op, err)
		case frameRPC:
			args, err := decodeWireValue(f.Value)
			if err != nil {
				self.replyError(f.Seq, err)
				continue
			}
			op, err := self.sess.rpc(f.Pv, args)
			self.reply(f.Seq, op, err)
		case frameMonitor:
			self.handleMonitor(f)
		case frameUnsub:
			self.handleUnsub(f)
		default:
			glog.V(1).Infof("[ws] unknown frame type %q\n", f.Type)
		}
	}
}

// reply completes a request frame: synchronous errors immediately, otherwise
// when the operation completes.
func (self *wsServerSession) reply(seq uint64, op *Operation, err error) {
	if err != nil {
		self.replyError(seq, err)
		return
	}
	go func() {
		value, err := op.Wait(-1)
		if err != nil {
			self.replyError(seq, err)
			return
		}
		wv, err := encodeWireValue(value)
		if err != nil {
			self.replyError(seq, err)
			return
		}
		self.writeFrame(&frame{
			Type:  frameResult,
			Seq:   seq,
			Value: wv,
		})
	}()
}

func (self *wsServerSession) replyError(seq uint64, err error) {
	kind, msg := encodeWireError(err)
	self.writeFrame(&frame{
		Type:      frameResult,
		Seq:       seq,
		Error:     msg,
		ErrorKind: kind,
	})
}

func (self *wsServerSession) handleMonitor(f *frame) {
	sub, err := self.sess.monitor(f.Pv, f.Request, f.NotifyDisconnect)
	if err != nil {
		kind, msg := encodeWireError(err)
		self.writeFrame(&frame{
			Type:      frameSubClosed,
			Sub:       f.Sub,
			Error:     msg,
			ErrorKind: kind,
		})
		return
	}

	self.stateLock.Lock()
	self.subs[f.Sub] = sub
	self.stateLock.Unlock()

	// pump updates until the subscription closes
	go func() {
		for update := range sub.Updates() {
			uf := &frame{
				Type:         frameUpdate,
				Sub:          f.Sub,
				Disconnected: update.Disconnected,
			}
			if update.Value != nil {
				wv, err := encodeWireValue(update.Value)
				if err != nil {
					glog.Warningf("[ws] update encode: %v\n", err)
					continue
				}
				uf.Value = wv
			}
			self.writeFrame(uf)
		}
		self.writeFrame(&frame{
			Type: frameSubClosed,
			Sub:  f.Sub,
		})
	}()
}

func (self *wsServerSession) handleUnsub(f *frame) {
	self.stateLock.Lock()
	sub, ok := self.subs[f.Sub]
	delete(self.subs, f.Sub)
	self.stateLock.Unlock()
	if ok {
		sub.Close()
	}
}

func (self *wsServerSession) writeFrame(f *frame) {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.conn.SetWriteDeadline(time.Now().Add(self.server.settings.WriteTimeout))
	if err := self.conn.WriteJSON(f); err != nil {
		glog.V(2).Infof("[ws] write: %v\n", err)
	}
}
