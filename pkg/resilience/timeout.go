package resilience

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/tutorverse/ingest-platform/pkg/errors"
)

// WithTimeout runs fn under a derived context that expires after the given
// budget. A zero or negative budget means no limit. When the budget is
// exhausted before fn returns, the error wraps ErrTimeout; a cancelled parent
// context is reported as such instead.
func WithTimeout(ctx context.Context, budget time.Duration, name string, fn func(ctx context.Context) error) error {
	if budget <= 0 {
		return fn(ctx)
	}

	bounded, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- fn(bounded)
	}()

	select {
	case err := <-result:
		return err
	case <-bounded.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s exceeded budget of %v: %w", name, budget, apperrors.ErrTimeout)
	}
}
