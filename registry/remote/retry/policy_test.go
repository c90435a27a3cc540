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
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultPredicate(t *testing.T) {
	ctx := context.Background()

	retryable, err := DefaultPredicate(ctx, &http.Response{StatusCode: http.StatusServiceUnavailable}, nil)
	require.True(t, retryable)
	require.Error(t, err)

	retryable, err = DefaultPredicate(ctx, &http.Response{StatusCode: http.StatusNotImplemented}, nil)
	require.False(t, retryable)
	require.NoError(t, err)

	retryable, _ = DefaultPredicate(ctx, &http.Response{StatusCode: http.StatusTooManyRequests}, nil)
	require.True(t, retryable)

	retryable, _ = DefaultPredicate(ctx, &http.Response{StatusCode: http.StatusOK}, nil)
	require.False(t, retryable)

	retryable, err = DefaultPredicate(ctx, nil, context.DeadlineExceeded)
	require.True(t, retryable)
	require.Error(t, err)
}

func TestGenericPolicy_MaxRetry(t *testing.T) {
	policy := &GenericPolicy{
		Retryable: DefaultPredicate,
		Backoff:   DefaultBackoff,
		MinWait:   time.Millisecond,
		MaxWait:   time.Second,
		MaxRetry:  2,
	}
	resp := &http.Response{StatusCode: http.StatusServiceUnavailable}

	d, err := policy.Retry(context.Background(), 0, resp, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, d, time.Millisecond)

	d, err = policy.Retry(context.Background(), 2, resp, nil)
	require.NoError(t, err)
	require.Equal(t, time.Duration(-1), d)
}

func TestGenericPolicy_RetryAfter(t *testing.T) {
	policy := &GenericPolicy{
		Retryable: DefaultPredicate,
		Backoff:   DefaultBackoff,
		MinWait:   time.Millisecond,
		MaxWait:   10 * time.Second,
		MaxRetry:  5,
	}
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": {"2"}}}
	d, err := policy.Retry(context.Background(), 0, resp, nil)
	require.NoError(t, err)
	require.InDelta(t, 2*time.Second, d, float64(600*time.Millisecond))
}

func TestGenericPolicy_NotRetryable(t *testing.T) {
	policy := &GenericPolicy{Retryable: DefaultPredicate, Backoff: DefaultBackoff, MaxRetry: 5}
	d, err := policy.Retry(context.Background(), 0, &http.Response{StatusCode: http.StatusOK}, nil)
	require.NoError(t, err)
	require.Equal(t, time.Duration(-1), d)
}
