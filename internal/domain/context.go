package domain

import "context"

// ExecutionContext is the host's request context (sales channel, language,
// version). It is carried through untouched.
type ExecutionContext struct {
	ContextToken   string
	SalesChannelID string
	LanguageID     string
	VersionID      string
	Source         string
}

type executionContextKey struct{}

func WithExecutionContext(ctx context.Context, ec ExecutionContext) context.Context {
	return context.WithValue(ctx, executionContextKey{}, ec)
}

func ExecutionContextFrom(ctx context.Context) (ExecutionContext, bool) {
	ec, ok := ctx.Value(executionContextKey{}).(ExecutionContext)
	return ec, ok
}
