package chat

import (
	"context"

	"github.com/mqy/leaguechat/auth"
	"github.com/mqy/leaguechat/scope"
	"github.com/mqy/leaguechat/store"
)

// Access is the kind of scope access an operation requires.
type Access int

const (
	AccessRead Access = iota + 1
	AccessWrite
	AccessModerate
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessModerate:
		return "moderate"
	default:
		return "unknown"
	}
}

// ScopeConfig is what distinguishes the global, league and direct chats.
type ScopeConfig struct {
	Kind scope.Kind
	Key  scope.Key

	// AllowReply enables `Draft.ReplyTo`.
	AllowReply bool

	// Participants restricts the scope to exactly these identities when non-empty.
	Participants []string
}

func GlobalScope() *ScopeConfig {
	return &ScopeConfig{Kind: scope.KindGlobal, Key: scope.Global(), AllowReply: true}
}

func LeagueScope(leagueID string) *ScopeConfig {
	return &ScopeConfig{Kind: scope.KindLeague, Key: scope.League(leagueID), AllowReply: true}
}

// DirectScope is the conversation of a and b. Replies are off, see WithReplies.
func DirectScope(a, b string) *ScopeConfig {
	return &ScopeConfig{
		Kind:         scope.KindDirect,
		Key:          scope.Direct(a, b),
		Participants: []string{a, b},
	}
}

func (c *ScopeConfig) WithReplies(allow bool) *ScopeConfig {
	out := *c
	out.AllowReply = allow
	return &out
}

func (c *ScopeConfig) isParticipant(identity string) bool {
	if len(c.Participants) == 0 {
		return true
	}
	for _, p := range c.Participants {
		if p == identity {
			return true
		}
	}
	return false
}

// authorize checks the scope predicate, then asks the external authorizer.
func (c *ScopeConfig) authorize(ctx context.Context, authz auth.Authorizer, op string, caller *auth.Caller, access Access) error {
	if caller == nil || caller.Identity == "" {
		return store.Errorf(store.KindAuthorization, op, "unauthenticated caller")
	}
	if c.Kind == scope.KindDirect && (len(c.Participants) != 2 || c.Participants[0] == c.Participants[1]) {
		return store.Errorf(store.KindValidation, op, "direct chat needs two distinct participants")
	}
	if !c.isParticipant(caller.Identity) {
		return store.Errorf(store.KindAuthorization, op, "`%s` is not a participant of `%s`", caller.Identity, c.Key)
	}

	var ok bool
	var err error
	switch access {
	case AccessRead:
		ok, err = authz.MayRead(ctx, caller.Identity, c.Key)
	case AccessWrite:
		ok, err = authz.MayWrite(ctx, caller.Identity, c.Key)
	case AccessModerate:
		ok, err = authz.MayModerate(ctx, caller.Identity, c.Key)
	}
	if err != nil {
		return err
	}
	if !ok {
		return store.Errorf(store.KindAuthorization, op, "`%s` may not %s `%s`", caller.Identity, access, c.Key)
	}
	return nil
}
