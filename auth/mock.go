package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// MockClient trusts the `x-identity` and `x-name` cookies. For development only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (*Caller, error) {
	var identity, name string

	if c, err := r.Cookie("x-identity"); err == nil {
		identity = strings.TrimSpace(c.Value)
	}
	if identity == "" {
		return nil, fmt.Errorf("empty x-identity from cookie")
	}
	if strings.ContainsAny(identity, "\x00 \t\r\n") {
		return nil, fmt.Errorf("malformed x-identity: %q", identity)
	}

	if c, err := r.Cookie("x-name"); err == nil {
		name = strings.TrimSpace(c.Value)
	}
	if name == "" {
		name = identity
		if i := strings.IndexByte(identity, '@'); i > 0 {
			name = identity[:i]
		}
	}
	return &Caller{Identity: identity, Name: name}, nil
}
