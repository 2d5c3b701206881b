package trace

import (
	"context"
	"testing"
)

func TestSlugRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if got := Slug(ctx); got != "" {
		t.Errorf("Slug on bare context = %q, want empty", got)
	}

	ctx = WithSlug(ctx, "req-42")
	if got := Slug(ctx); got != "req-42" {
		t.Errorf("Slug = %q, want req-42", got)
	}
}

func TestRunRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := WithRun(context.Background(), "falcon-creek")
	if got := Run(ctx); got != "falcon-creek" {
		t.Errorf("Run = %q, want falcon-creek", got)
	}
	if got := Run(context.Background()); got != "" {
		t.Errorf("Run on bare context = %q, want empty", got)
	}
}

func TestEmptyValuesAreNotBound(t *testing.T) {
	t.Parallel()
	ctx := WithRun(WithSlug(context.Background(), ""), "")
	if Slug(ctx) != "" || Run(ctx) != "" {
		t.Error("empty slug or run must not be carried")
	}
}
