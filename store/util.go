package store

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/pborman/uuid"
)

const (
	MaxTextBytes = 4096

	maxEmojiRunes = 16
	maxEmojiBytes = 64
)

// Clock is the time source of a store. Created times are never below the newest message of
// the scope, so the order of a scope does not depend on the clock of the writer.
type Clock interface {
	Now() int64
}

// monotonicClock returns unix nanoseconds, strictly increasing within the process.
type monotonicClock struct {
	sync.Mutex
	last int64
}

func NewMonotonicClock() Clock {
	return &monotonicClock{}
}

func (c *monotonicClock) Now() int64 {
	now := time.Now().UnixNano()
	c.Lock()
	defer c.Unlock()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

func newID() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

// NormalizeText trims text and checks it is non-empty and within limit.
func NormalizeText(op, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", newError(KindValidation, op, "text: should not be empty")
	}
	if len(text) > MaxTextBytes {
		return "", newError(KindValidation, op, "text: exceeds limit of %d bytes", MaxTextBytes)
	}
	if !utf8.ValidString(text) {
		return "", newError(KindValidation, op, "text: invalid UTF-8")
	}
	return text, nil
}

// ValidateEmoji rejects empty, oversized, or whitespace/control containing emoji.
func ValidateEmoji(op, emoji string) error {
	if emoji == "" {
		return newError(KindValidation, op, "emoji: should not be empty")
	}
	if len(emoji) > maxEmojiBytes || utf8.RuneCountInString(emoji) > maxEmojiRunes {
		return newError(KindValidation, op, "emoji: too long")
	}
	if !utf8.ValidString(emoji) {
		return newError(KindValidation, op, "emoji: invalid UTF-8")
	}
	for _, r := range emoji {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return newError(KindValidation, op, "emoji: malformed")
		}
	}
	return nil
}

// ToggleReaction toggles participant in the emoji entry of list and returns the new list.
// The input is not modified. An entry whose count drops to zero is removed.
func ToggleReaction(list []ReactionEntry, emoji, participant string) []ReactionEntry {
	out := cloneReactions(list)

	for i := range out {
		e := &out[i]
		if e.Emoji != emoji {
			continue
		}
		for j, u := range e.Users {
			if u == participant {
				e.Users = append(e.Users[:j], e.Users[j+1:]...)
				e.Count = len(e.Users)
				if e.Count == 0 {
					out = append(out[:i], out[i+1:]...)
				}
				return out
			}
		}
		e.Users = append(e.Users, participant)
		e.Count = len(e.Users)
		return out
	}

	return append(out, ReactionEntry{Emoji: emoji, Users: []string{participant}, Count: 1})
}

func cloneReactions(list []ReactionEntry) []ReactionEntry {
	out := make([]ReactionEntry, 0, len(list)+1)
	for _, e := range list {
		users := make([]string, len(e.Users))
		copy(users, e.Users)
		out = append(out, ReactionEntry{Emoji: e.Emoji, Users: users, Count: e.Count})
	}
	return out
}

// stamp returns now, but never before floor, so that edited/deleted times are >= created time.
func stamp(c Clock, floor int64) int64 {
	if now := c.Now(); now > floor {
		return now
	}
	return floor
}
