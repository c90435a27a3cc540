/*
Copyright The ORAS Authors.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package syncutil holds the two concurrency primitives the image assembler
// needs and the standard library doesn't hand you directly: Go, a bounded
// fan-out over a fixed item list (the parallel base-layer mount-or-copy),
// and Once, a single-flight cache fill used by the auth token cache to
// collapse concurrent requests for the same scope into one fetch.
package syncutil

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// LimitedRegion gates entry to a block of code behind a weighted semaphore,
// the way (*semaphore.Weighted).Acquire/Release would if they composed with
// defer as cleanly as a mutex does.
type LimitedRegion struct {
	ctx     context.Context
	limiter *semaphore.Weighted
	ended   bool
}

// LimitRegion prepares a region bound to limiter. A nil limiter (unbounded
// concurrency) yields a nil *LimitedRegion whose Start/End are no-ops.
func LimitRegion(ctx context.Context, limiter *semaphore.Weighted) *LimitedRegion {
	if limiter == nil {
		return nil
	}
	return &LimitedRegion{ctx: ctx, limiter: limiter, ended: true}
}

// Start blocks until the region's permit is acquired, or ctx is done.
func (lr *LimitedRegion) Start() error {
	if lr == nil || !lr.ended {
		return nil
	}
	if err := lr.limiter.Acquire(lr.ctx, 1); err != nil {
		return err
	}
	lr.ended = false
	return nil
}

// End releases the region's permit if held.
func (lr *LimitedRegion) End() {
	if lr == nil || lr.ended {
		return
	}
	lr.limiter.Release(1)
	lr.ended = true
}

// GoFunc is one unit of fanned-out work: it receives the cancelable context,
// the (already-acquired) region it's running under, and the item to process.
type GoFunc[T any] func(ctx context.Context, region *LimitedRegion, item T) error

// Go runs fn over items with at most limiter's weight running concurrently,
// used by the image assembler to upload base-image layers without opening
// one outbound connection per layer. The first non-nil error fn returns
// cancels the remaining work and is what Go itself returns; items still
// waiting on a permit when that happens are skipped rather than started.
func Go[T any](ctx context.Context, limiter *semaphore.Weighted, fn GoFunc[T], items ...T) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	var recordErr sync.Once
	var firstErr error

	for _, item := range items {
		region := LimitRegion(egCtx, limiter)
		if err := region.Start(); err != nil {
			recordErr.Do(func() { firstErr = err })
			cancel()
			// Keep iterating so goroutines already scheduled still run their
			// deferred region.End(), rather than abandoning their permits.
			continue
		}

		item, region := item, region
		eg.Go(func() error {
			defer region.End()

			select {
			case <-egCtx.Done():
				// A sibling already failed; don't surface context.Canceled
				// as if this item were the cause.
				return nil
			default:
			}

			if err := fn(egCtx, region, item); err != nil {
				recordErr.Do(func() { firstErr = err })
				cancel()
				return err
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		if firstErr != nil {
			return firstErr
		}
		return err
	}
	return nil
}
