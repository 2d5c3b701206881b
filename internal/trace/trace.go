// Package trace carries the profile trace slug and run binding through
// context so enqueued jobs can be tagged for observability.
package trace

import "context"

type slugKey struct{}
type runKey struct{}

// WithSlug returns a context carrying the trace slug.
func WithSlug(ctx context.Context, slug string) context.Context {
	if slug == "" {
		return ctx
	}
	return context.WithValue(ctx, slugKey{}, slug)
}

// Slug returns the trace slug bound to ctx, or "".
func Slug(ctx context.Context) string {
	s, _ := ctx.Value(slugKey{}).(string)
	return s
}

// WithRun returns a context carrying the active run id.
func WithRun(ctx context.Context, runid string) context.Context {
	if runid == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey{}, runid)
}

// Run returns the run id bound to ctx, or "".
func Run(ctx context.Context) string {
	r, _ := ctx.Value(runKey{}).(string)
	return r
}
