package ws

import (
	"github.com/mqy/leaguechat/feed"
	"github.com/mqy/leaguechat/scope"
	"github.com/mqy/leaguechat/store"
)

// Client message types. The mutating ones share the chat op names.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSend        = "send"
	TypeEdit        = "edit"
	TypeDelete      = "delete"
	TypeReact       = "react"
	TypeLoadOlder   = "load_older"
)

// Server message types.
const (
	TypeSnapshot = "snapshot"
	TypeEvent    = "event"
	TypePage     = "page"
	TypeAck      = "ack"
	TypeError    = "error"
)

// ClientMsg is a request from the websocket peer. Scope, LeagueID and Peer address the
// conversation: a league needs LeagueID, a direct chat needs Peer.
type ClientMsg struct {
	ReqID    string     `json:"req_id,omitempty"`
	Type     string     `json:"type"`
	Scope    scope.Kind `json:"scope"`
	LeagueID string     `json:"league_id,omitempty"`
	Peer     string     `json:"peer,omitempty"`
	Window   int        `json:"window,omitempty"`

	ID      string `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
	Emoji   string `json:"emoji,omitempty"`
}

type ServerMsg struct {
	ReqID string    `json:"req_id,omitempty"`
	Type  string    `json:"type"`
	Scope scope.Key `json:"scope,omitempty"`

	// snapshot, page
	Messages []*store.Message `json:"messages,omitempty"`
	Cursor   string           `json:"cursor,omitempty"`
	HasMore  bool             `json:"has_more,omitempty"`

	// event, ack
	Event   feed.EventType `json:"event,omitempty"`
	Message *store.Message `json:"message,omitempty"`

	Error *Error `json:"error,omitempty"`
}

type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}
