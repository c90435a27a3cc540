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

package syncutil

import "context"

// Once performs exactly one action and shares its result, like sync.Once but
// for a function that returns a (value, error) pair instead of nothing. The
// auth token cache uses one per (scheme, scope) key so that a burst of
// concurrent requests for the same scope triggers a single token fetch
// instead of one per goroutine.
type Once struct {
	result any
	err    error
	status chan bool
}

// NewOnce returns a Once ready to run its first action.
func NewOnce() *Once {
	status := make(chan bool, 1)
	status <- true
	return &Once{status: status}
}

// Do runs f the first time Do is called, or again after every prior call was
// cancelled, deadline-exceeded, or panicked before completing. Later calls,
// once a result is cached, return that cached (value, error) without
// re-running f. The bool return reports whether this call is the one that
// actually ran (and committed) f.
func (o *Once) Do(ctx context.Context, f func() (any, error)) (bool, any, error) {
	defer func() {
		if r := recover(); r != nil {
			o.status <- true
			panic(r)
		}
	}()
	for {
		select {
		case inProgress := <-o.status:
			if !inProgress {
				return false, o.result, o.err
			}
			result, err := f()
			if err == context.Canceled || err == context.DeadlineExceeded || (err != nil && ctx.Err() != nil) {
				o.status <- true
				return false, nil, err
			}
			o.result, o.err = result, err
			close(o.status)
			return true, result, err
		case <-ctx.Done():
			return false, nil, ctx.Err()
		}
	}
}
