package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RequestIDHeader carries a per-call id for correlating client and backend logs.
const RequestIDHeader = "X-Request-ID"

// TokenSource yields the current session token, or "" when there is none. It
// is consulted immediately before every request.
type TokenSource interface {
	Token(ctx context.Context) string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) string

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) string { return f(ctx) }

type bearerKey struct{}

// WithBearer returns a context whose requests present token instead of the
// token source's value.
func WithBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerKey{}, token)
}

func bearerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(bearerKey{}).(string); ok {
		return v
	}
	return ""
}

// Transport is the credential middleware of the gateway. It sets
// "Authorization: Bearer <token>" when a token is available and strips the
// header otherwise, stamps a request id, and applies the optional rate limit.
type Transport struct {
	Base   http.RoundTripper
	Tokens TokenSource
	// Host, when set, is the only host that receives the credential. Requests
	// to any other host, redirect hops included, go out without it.
	Host    string
	Limiter *rate.Limiter
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			if req.Body != nil {
				req.Body.Close()
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// The limiter refuses waits that would overrun the deadline.
			return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
	}

	out := req.Clone(ctx)

	var token string
	if t.Host == "" || strings.EqualFold(out.URL.Host, t.Host) {
		token = bearerFromContext(ctx)
		if token == "" && t.Tokens != nil {
			token = t.Tokens.Token(ctx)
		}
	}
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}

	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.NewString())
	}

	return t.base().RoundTrip(out)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
