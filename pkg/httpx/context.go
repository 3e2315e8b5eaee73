package httpx

import (
	"context"

	"github.com/aussiebroadwan/relay/pkg/jwtx"
)

type ctxKey string

const (
	CtxKeySubject ctxKey = "subject"
	CtxKeyClaims  ctxKey = "claims"
	CtxKeyToken   ctxKey = "token" // raw bearer token, for logout
)

func contextWithAuth(ctx context.Context, raw string, c jwtx.Claims) context.Context {
	ctx = context.WithValue(ctx, CtxKeySubject, c.Subject)
	ctx = context.WithValue(ctx, CtxKeyClaims, c)
	ctx = context.WithValue(ctx, CtxKeyToken, raw)
	return ctx
}

// SubjectFromContext returns the authenticated subject, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(CtxKeySubject).(string)
	return s, ok && s != ""
}

func ClaimsFromContext(ctx context.Context) (jwtx.Claims, bool) {
	c, ok := ctx.Value(CtxKeyClaims).(jwtx.Claims)
	return c, ok
}

// BearerFromContext returns the raw token the request authenticated with.
func BearerFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(CtxKeyToken).(string)
	return t, ok && t != ""
}
