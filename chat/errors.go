package chat

import (
	"context"
	"errors"

	"github.com/mqy/leaguechat/store"
)

const (
	OpSend      = "send"
	OpEdit      = "edit"
	OpDelete    = "delete"
	OpReact     = "react"
	OpSubscribe = "subscribe"
	OpLoadOlder = "load_older"
)

// normalizeError maps err of op into the error taxonomy. Typed errors keep their kind;
// timeouts and untyped store/network failures become transient.
func normalizeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if store.KindOf(err) != 0 {
		return store.Wrap(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return store.Wrap(op, err)
	}
	msg := "store unavailable"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "timed out"
	}
	return &store.Error{Kind: store.KindTransient, Op: op, Msg: msg, Err: err}
}

// UserMessage returns the message shown to a user for a failed op.
func UserMessage(op string, err error) string {
	switch store.KindOf(err) {
	case store.KindAuthorization:
		return "Missing or insufficient permissions"
	case store.KindNotFound:
		return "Message not found"
	case store.KindConflict:
		return "Reaction update conflicted, please retry"
	case store.KindValidation:
		var e *store.Error
		if errors.As(err, &e) && e.Msg != "" {
			return e.Msg
		}
		return "Invalid request"
	}

	switch op {
	case OpSend:
		return "Failed to send message"
	case OpEdit:
		return "Failed to edit message"
	case OpDelete:
		return "Failed to delete message"
	case OpReact:
		return "Failed to update reaction"
	case OpSubscribe:
		return "Failed to load messages"
	case OpLoadOlder:
		return "Failed to load older messages"
	default:
		return "Something went wrong"
	}
}

// IsRetryable reports whether op may be retried after err. A reaction toggle is never
// retried: if the first attempt was applied, the retry reverts it.
func IsRetryable(op string, err error) bool {
	if op == OpReact {
		return false
	}
	switch store.KindOf(err) {
	case store.KindTransient, store.KindConflict:
		return true
	default:
		return false
	}
}
