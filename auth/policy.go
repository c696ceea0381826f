package auth

import (
	"context"
	"fmt"

	"github.com/mqy/leaguechat/scope"
)

// Policy is the default `Authorizer`:
//   - global: any authenticated identity;
//   - league: members of the league;
//   - dm: any authenticated identity, the chat layer restricts a conversation to its pair.
//
// Moderators may read, write and moderate every scope.
type Policy struct {
	Members    LeagueMembers
	Moderators map[string]bool
}

func (p *Policy) access(ctx context.Context, identity string, key scope.Key) (bool, error) {
	if identity == "" {
		return false, nil
	}
	if p.Moderators[identity] {
		return true, nil
	}

	kind, id, err := scope.Parse(key)
	if err != nil {
		return false, err
	}
	switch kind {
	case scope.KindGlobal, scope.KindDirect:
		return true, nil
	case scope.KindLeague:
		if p.Members == nil {
			return false, nil
		}
		return p.Members.IsMember(ctx, id, identity)
	default:
		return false, fmt.Errorf("auth: unsupported scope kind `%s`", kind)
	}
}

func (p *Policy) MayRead(ctx context.Context, identity string, key scope.Key) (bool, error) {
	return p.access(ctx, identity, key)
}

func (p *Policy) MayWrite(ctx context.Context, identity string, key scope.Key) (bool, error) {
	return p.access(ctx, identity, key)
}

func (p *Policy) MayModerate(ctx context.Context, identity string, key scope.Key) (bool, error) {
	return identity != "" && p.Moderators[identity], nil
}
