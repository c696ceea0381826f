package ws

import (
	"context"
	"errors"

	"github.com/mqy/leaguechat/auth"
	"github.com/mqy/leaguechat/chat"
	"github.com/mqy/leaguechat/feed"
	"github.com/mqy/leaguechat/scope"
	"github.com/mqy/leaguechat/store"
)

const (
	ErrorCodeBadRequest = "bad_request"
	ErrorCodeBusy       = "busy"
	ErrorCodeInternal   = "internal"
	// ErrorCodeLagged tells the client its subscription was dropped; subscribe again.
	ErrorCodeLagged = "lagged"
)

type Conf struct {
	// Window is the snapshot size of a subscription unless the client asks for one.
	Window int
	// PageSize is the size of a load_older page.
	PageSize int
	// DirectReplies enables reply_to in direct chats.
	DirectReplies bool
	// MaxScopes bounds the subscriptions of one connection.
	MaxScopes int
}

// Api serves websocket client requests.
type Api struct {
	svc  *chat.Service
	conf *Conf
}

func NewApi(svc *chat.Service, conf *Conf) *Api {
	c := *conf
	if c.Window <= 0 {
		c.Window = chat.DefaultWindow
	}
	if c.PageSize <= 0 {
		c.PageSize = chat.DefaultWindow
	}
	if c.MaxScopes <= 0 {
		c.MaxScopes = 16
	}
	return &Api{svc: svc, conf: &c}
}

// facade resolves the conversation addressed by req.
func (a *Api) facade(caller *auth.Caller, req *ClientMsg) (*chat.Facade, error) {
	switch req.Scope {
	case scope.KindGlobal:
		return a.svc.Global(), nil
	case scope.KindLeague:
		if req.LeagueID == "" {
			return nil, store.Errorf(store.KindValidation, req.Type, "league_id: should not be empty")
		}
		if _, _, err := scope.Parse(scope.League(req.LeagueID)); err != nil {
			return nil, store.Errorf(store.KindValidation, req.Type, "league_id: %v", err)
		}
		return a.svc.League(req.LeagueID), nil
	case scope.KindDirect:
		if req.Peer == "" {
			return nil, store.Errorf(store.KindValidation, req.Type, "peer: should not be empty")
		}
		if req.Peer == caller.Identity {
			return nil, store.Errorf(store.KindValidation, req.Type, "peer: should not be yourself")
		}
		cfg := chat.DirectScope(caller.Identity, req.Peer)
		if a.conf.DirectReplies {
			cfg = cfg.WithReplies(true)
		}
		return a.svc.Facade(cfg), nil
	default:
		return nil, store.Errorf(store.KindValidation, req.Type, "scope: unsupported `%s`", req.Scope)
	}
}

// Mutate serves send, edit, delete and react, replying with an ack or an error.
func (a *Api) Mutate(ctx context.Context, caller *auth.Caller, req *ClientMsg) *ServerMsg {
	f, err := a.facade(caller, req)
	if err != nil {
		return newErrorMsg(req, err)
	}

	var m *store.Message
	switch req.Type {
	case TypeSend:
		m, err = f.Send(ctx, caller, req.Text, req.ReplyTo)
	case TypeEdit:
		m, err = f.Edit(ctx, caller, req.ID, req.Text)
	case TypeDelete:
		m, err = f.Delete(ctx, caller, req.ID)
	case TypeReact:
		m, err = f.React(ctx, caller, req.ID, req.Emoji)
	default:
		return newBadRequestMsg(req, "unsupported request")
	}
	if err != nil {
		return newErrorMsg(req, err)
	}
	return &ServerMsg{ReqID: req.ReqID, Type: TypeAck, Scope: f.Config().Key, Message: m}
}

// NewSession creates the chat session behind a subscribe request.
func (a *Api) NewSession(caller *auth.Caller, req *ClientMsg, listener chat.Listener) (*chat.Session, error) {
	f, err := a.facade(caller, req)
	if err != nil {
		return nil, err
	}
	window := req.Window
	if window <= 0 {
		window = a.conf.Window
	}
	return f.NewSession(caller, window, a.conf.PageSize, listener), nil
}

func newSnapshotMsg(req *ClientMsg, s *chat.Session) *ServerMsg {
	return &ServerMsg{
		ReqID:    req.ReqID,
		Type:     TypeSnapshot,
		Scope:    s.Scope().Key,
		Messages: s.Messages(),
		Cursor:   s.Cursor().Encode(),
		HasMore:  s.HasMore(),
	}
}

func newPageMsg(req *ClientMsg, s *chat.Session, msgs []*store.Message) *ServerMsg {
	return &ServerMsg{
		ReqID:    req.ReqID,
		Type:     TypePage,
		Scope:    s.Scope().Key,
		Messages: msgs,
		Cursor:   s.Cursor().Encode(),
		HasMore:  s.HasMore(),
	}
}

func newEventMsg(e *feed.Event) *ServerMsg {
	return &ServerMsg{Type: TypeEvent, Scope: e.Scope, Event: e.Type, Message: e.Message}
}

func newBadRequestMsg(req *ClientMsg, msg string) *ServerMsg {
	out := &ServerMsg{Type: TypeError, Error: &Error{Code: ErrorCodeBadRequest, Message: msg}}
	if req != nil {
		out.ReqID = req.ReqID
	}
	return out
}

func newErrorMsg(req *ClientMsg, err error) *ServerMsg {
	e := &Error{
		Code:      ErrorCodeInternal,
		Message:   chat.UserMessage(req.Type, err),
		Retryable: chat.IsRetryable(req.Type, err),
	}
	if kind := store.KindOf(err); kind != 0 {
		e.Code = kind.String()
	} else if errors.Is(err, chat.ErrBusy) {
		e.Code = ErrorCodeBusy
		e.Message = "A load is already in progress"
		e.Retryable = true
	} else if errors.Is(err, feed.ErrLagged) {
		e.Code = ErrorCodeLagged
		e.Message = "Live updates fell behind, please subscribe again"
		e.Retryable = true
	} else if errors.Is(err, chat.ErrNotReady) {
		e.Code = ErrorCodeBadRequest
		e.Message = "Not subscribed"
	}
	return &ServerMsg{ReqID: req.ReqID, Type: TypeError, Error: e}
}
