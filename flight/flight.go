// Package flight coalesces concurrent work for the same key. Every caller
// waits on its own context, but the work itself runs on a context detached
// from all of them, so an abandoned caller never cancels a build or fetch
// that others are still waiting for.
package flight

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Func does the work for one key. The context it receives is never
// cancelled by callers.
type Func[T any] func(ctx context.Context) (T, error)

// Group deduplicates in-flight calls by key.
type Group[T any] struct {
	group singleflight.Group
}

// Do runs fn once for all concurrent callers of key. It returns the result,
// whether it was shared with another caller, and any error.
//
// If ctx ends first, Do returns ctx.Err() and the work carries on.
func (g *Group[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget drops key so the next call starts new work instead of joining the
// current flight.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}
