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

package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// headerRetryAfter is the header key for Retry-After.
const headerRetryAfter = "Retry-After"

// DefaultPolicy retries connection resets and 5xx responses (except 501,
// which means "not implemented" and will never succeed on retry), plus 408
// and 429, with an exponential backoff of base 500ms, factor 2, jitter ±25%,
// capped at 8s, for at most 5 retries.
var DefaultPolicy Policy = &GenericPolicy{
	Retryable: DefaultPredicate,
	Backoff:   DefaultBackoff,
	MinWait:   500 * time.Millisecond,
	MaxWait:   8 * time.Second,
	MaxRetry:  5,
}

// DefaultPredicate is a predicate that retries on transport errors, 408
// Request Timeout, 429 Too Many Requests, and 5xx errors except 501 Not
// Implemented.
var DefaultPredicate Predicate = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if err != nil {
		// a transport-level error, such as a connection reset, is retryable.
		return true, err
	}

	switch resp.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true, nil
	case http.StatusNotImplemented:
		return false, nil
	}

	if resp.StatusCode == 0 || resp.StatusCode >= 500 {
		return true, fmt.Errorf("unexpected HTTP status %s", resp.Status)
	}

	return false, nil
}

// DefaultBackoff is a backoff that uses an exponential backoff with jitter.
// It uses a base of 500ms, a factor of 2 and a jitter of ±25%.
var DefaultBackoff Backoff = ExponentialBackoff(500*time.Millisecond, 2, 0.25)

// Policy is a retry policy.
type Policy interface {
	// Retry returns the duration to wait before retrying the request.
	Retry(ctx context.Context, attempt int, resp *http.Response, err error) (time.Duration, error)
}

// Predicate is a function that returns true if the request should be retried.
type Predicate func(ctx context.Context, resp *http.Response, err error) (bool, error)

// Backoff is a function that returns the duration to wait before retrying the
// request. The attempt, is the next attempt number. The response is the
// response from the previous request.
type Backoff func(attempt int, resp *http.Response) time.Duration

// ExponentialBackoff returns a Backoff that uses an exponential backoff with
// signed jitter. The backoff is calculated as:
//
//	backoff * factor ^ attempt * (1 + jitter_fraction)
//
// where jitter_fraction is drawn uniformly from [-jitter, +jitter].
//
// If the response carries a Retry-After header and the status is 408 or 429,
// the header value (seconds) is used as the backoff instead, with the same
// jitter applied.
func ExponentialBackoff(backoff time.Duration, factor int, jitter float64) Backoff {
	return func(attempt int, resp *http.Response) time.Duration {
		rnd := rand.New(rand.NewSource(int64(time.Now().Nanosecond())))
		jitterFraction := 1 + jitter*(2*rnd.Float64()-1)

		if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout) {
			if v := resp.Header.Get(headerRetryAfter); v != "" {
				if retryAfter, err := strconv.ParseInt(v, 10, 64); err == nil && retryAfter > 0 {
					return time.Duration(float64(time.Duration(retryAfter)*time.Second) * jitterFraction)
				}
			}
		}

		b := float64(backoff) * math.Pow(float64(factor), float64(attempt))
		return time.Duration(b * jitterFraction)
	}
}

// GenericPolicy is a generic retry policy.
type GenericPolicy struct {
	// Retryable is a predicate that returns true if the request should be
	// retried.
	Retryable Predicate

	// Backoff is a function that returns the duration to wait before retrying.
	Backoff Backoff

	// MinWait is the minimum duration to wait before retrying.
	MinWait time.Duration

	// MaxWait is the maximum duration to wait before retrying.
	MaxWait time.Duration

	// MaxRetry is the maximum number of retries.
	MaxRetry int
}

// Retry returns the duration to wait before retrying the request.
// It returns -1 if the request should not be retried.
func (p *GenericPolicy) Retry(ctx context.Context, attempt int, resp *http.Response, err error) (time.Duration, error) {
	if attempt >= p.MaxRetry {
		return -1, err
	}
	if ok, err := p.Retryable(ctx, resp, err); !ok {
		return -1, err
	}
	backoff := p.Backoff(attempt, resp)
	if backoff < p.MinWait {
		backoff = p.MinWait
	}
	if backoff > p.MaxWait {
		backoff = p.MaxWait
	}
	return backoff, nil
}
