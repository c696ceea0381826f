package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/leaguechat/auth"
	"github.com/mqy/leaguechat/chat"
	"github.com/mqy/leaguechat/feed"
	"github.com/mqy/leaguechat/scope"
	"github.com/mqy/leaguechat/store"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read: a message of max text plus the envelope.
	readLimit = store.MaxTextBytes + 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// When the node is behind nginx: host=ws-backend.
		// TODO: check origin against a configured allow list.
		return true
	},
}

// Handler manages an active connection to end user.
// Every new websocket connection creates a new handler, holding one chat session per
// subscribed scope.
type Handler struct {
	sync.Mutex

	api *Api
	hub *Hub

	sid        string
	caller     *auth.Caller
	ip         string
	createTime time.Time
	conn       *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	dataChan chan *SessionData
	done     chan struct{}
	closing  bool

	sessions map[scope.Key]*chat.Session
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError `json:"error,omitempty"`
	ServerMsg *ServerMsg   `json:"resp,omitempty"`
}

func newHandler(hub *Hub, conn *websocket.Conn, sid string, caller *auth.Caller, ip string) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		api:        hub.api,
		hub:        hub,
		sid:        sid,
		caller:     caller,
		ip:         ip,
		createTime: time.Now(),
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		dataChan:   make(chan *SessionData, 16),
		done:       make(chan struct{}),
		sessions:   make(map[scope.Key]*chat.Session),
	}
}

func (h *Handler) String() string {
	return fmt.Sprintf("%s(%s@%s)", h.sid, h.caller.Identity, h.ip)
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	h.closing = true
	close(h.done)
	sessions := h.sessions
	h.sessions = nil
	h.Unlock()

	h.cancel()
	for _, s := range sessions {
		s.Close()
	}

	code := websocket.CloseNormalClosure
	switch cause {
	case BadRequest:
		code = websocket.ClosePolicyViolation
	case ServerStop:
		code = websocket.CloseGoingAway
	}
	_ = h.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
	h.conn.Close()

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask for hub to remove this handler.
		h.hub.delHandler(h.sid)
	}
}

func (h *Handler) appendDataChan(v *SessionData) {
	select {
	case h.dataChan <- v:
	case <-h.done:
	}
}

func (h *Handler) appendServerMsg(msg *ServerMsg) {
	h.appendDataChan(&SessionData{ServerMsg: msg})
}

func sendServerMsg(conn *websocket.Conn, msg *ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.V(5).Infof("recvLoop(): closed by peer, session: %s", h)
			} else {
				glog.Errorf("recvLoop(): read error: %v", err)
			}
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendServerMsg(newBadRequestMsg(nil, "websocket only supports TextMessage"))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendServerMsg(newBadRequestMsg(nil, fmt.Sprintf("unmarshal error: %v", err)))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		switch req.Type {
		case TypeSubscribe:
			h.subscribe(&req)
		case TypeUnsubscribe:
			h.unsubscribe(&req)
		case TypeLoadOlder:
			h.loadOlder(&req)
		case TypeSend, TypeEdit, TypeDelete, TypeReact:
			h.appendServerMsg(h.api.Mutate(h.ctx, h.caller, &req))
		default:
			glog.Errorf("recvLoop(): unsupported request: %s", req.Type)
			h.appendServerMsg(newBadRequestMsg(&req, "unsupported request"))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}
	}
}

// subscribe opens a chat session on the requested scope, replacing the one already open.
// Live events are held back until the snapshot is queued.
func (h *Handler) subscribe(req *ClientMsg) {
	gate := make(chan struct{})
	defer close(gate)

	s, err := h.api.NewSession(h.caller, req, func(e *feed.Event) {
		select {
		case <-gate:
		case <-h.done:
			return
		}
		h.appendServerMsg(newEventMsg(e))
	})
	if err != nil {
		h.appendServerMsg(newErrorMsg(req, err))
		return
	}
	key := s.Scope().Key
	s.OnError(func(err error) {
		h.Lock()
		if h.sessions[key] == s {
			delete(h.sessions, key)
		}
		h.Unlock()

		msg := newErrorMsg(req, err)
		msg.ReqID, msg.Scope = "", key
		h.appendServerMsg(msg)
	})

	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	old := h.sessions[key]
	if old == nil && len(h.sessions) >= h.api.conf.MaxScopes {
		h.Unlock()
		h.appendServerMsg(newErrorMsg(req, store.Errorf(store.KindValidation, req.Type,
			"too many subscriptions, limit: %d", h.api.conf.MaxScopes)))
		return
	}
	delete(h.sessions, key)
	h.Unlock()
	if old != nil {
		old.Close()
	}

	if err := s.Open(h.ctx); err != nil {
		h.appendServerMsg(newErrorMsg(req, err))
		return
	}

	h.Lock()
	if h.closing {
		h.Unlock()
		s.Close()
		return
	}
	h.sessions[key] = s
	h.Unlock()

	h.appendServerMsg(newSnapshotMsg(req, s))
}

func (h *Handler) session(req *ClientMsg) (*chat.Session, error) {
	f, err := h.api.facade(h.caller, req)
	if err != nil {
		return nil, err
	}
	h.Lock()
	defer h.Unlock()
	if s := h.sessions[f.Config().Key]; s != nil {
		return s, nil
	}
	return nil, chat.ErrNotReady
}

func (h *Handler) unsubscribe(req *ClientMsg) {
	s, err := h.session(req)
	if err != nil {
		h.appendServerMsg(newErrorMsg(req, err))
		return
	}
	key := s.Scope().Key

	h.Lock()
	if h.sessions[key] == s {
		delete(h.sessions, key)
	}
	h.Unlock()
	s.Close()

	h.appendServerMsg(&ServerMsg{ReqID: req.ReqID, Type: TypeAck, Scope: key})
}

func (h *Handler) loadOlder(req *ClientMsg) {
	s, err := h.session(req)
	if err != nil {
		h.appendServerMsg(newErrorMsg(req, err))
		return
	}
	msgs, err := s.LoadMore(h.ctx)
	if err != nil {
		h.appendServerMsg(newErrorMsg(req, err))
		return
	}
	h.appendServerMsg(newPageMsg(req, s, msgs))
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case <-h.done:
			return
		case v := <-h.dataChan:
			if v.Error > 0 {
				h.close(v.Error)
				return
			}

			if glog.V(5) {
				dataJson, _ := json.Marshal(v)
				logValue := string(dataJson)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h)
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
