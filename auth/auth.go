package auth

import (
	"context"
	"net/http"

	"github.com/mqy/leaguechat/scope"
)

// Caller is an authenticated participant.
type Caller struct {
	Identity string // e.g. email, unique
	Name     string // display name
}

type Client interface {
	// Auth authenticates current user.
	Auth(r *http.Request) (*Caller, error)
}

// Authorizer answers scope access questions for a caller identity.
type Authorizer interface {
	MayRead(ctx context.Context, identity string, key scope.Key) (bool, error)
	MayWrite(ctx context.Context, identity string, key scope.Key) (bool, error)
	MayModerate(ctx context.Context, identity string, key scope.Key) (bool, error)
}
