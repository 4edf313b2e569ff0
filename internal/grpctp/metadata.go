package grpctp

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/metadata"
)

// AuthorizationKey is the metadata key carrying client credentials to the
// backends.
const AuthorizationKey = "authorization"

// Authorization returns the bearer token forwarded in ctx's outgoing
// metadata, without the "Bearer " prefix.
func Authorization(ctx context.Context) (string, bool) {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return "", false
	}
	for _, v := range md.Get(AuthorizationKey) {
		token := strings.TrimSpace(v)
		if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
			token = strings.TrimSpace(token[7:])
		}
		if token != "" {
			return token, true
		}
	}
	return "", false
}

// WithAuthorization returns a context whose outgoing metadata carries token
// as a bearer credential.
func WithAuthorization(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, AuthorizationKey, "Bearer "+token)
}

type callTimeKey struct{}

// WithCallTimer returns a context that accumulates the time spent in unary
// backend calls made with it, and a function reading the total.
func WithCallTimer(ctx context.Context) (context.Context, func() time.Duration) {
	total := new(atomic.Int64)
	return context.WithValue(ctx, callTimeKey{}, total), func() time.Duration {
		return time.Duration(total.Load())
	}
}

func addCallTime(ctx context.Context, d time.Duration) {
	if total, ok := ctx.Value(callTimeKey{}).(*atomic.Int64); ok {
		total.Add(int64(d))
	}
}
