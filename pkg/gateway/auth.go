package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthenticated = errors.New("request is not authenticated")

// Authenticator maps an inbound request to a stable user ID. The gateway does
// not own sessions; the surrounding application decides what identity means.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuth trusts an upstream reverse proxy to inject the user identity as
// a request header. This is the default for deployments where the gateway
// sits behind the application's own session layer.
type HeaderAuth struct {
	Header string
}

func (a HeaderAuth) Authenticate(r *http.Request) (string, error) {
	name := a.Header
	if name == "" {
		name = "X-User-ID"
	}
	userID := strings.TrimSpace(r.Header.Get(name))
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

type userIDKey struct{}

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}
