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

// Package errdef defines the sentinel errors and typed error kinds returned
// throughout klt.
package errdef

import (
	"errors"
	"fmt"

	digest "github.com/opencontainers/go-digest"
)

// Common errors used in klt.
var (
	ErrInvalidDigest      = errors.New("invalid digest")
	ErrInvalidReference   = errors.New("invalid reference")
	ErrInvalidMediaType   = errors.New("invalid media type")
	ErrMissingReference   = errors.New("missing reference")
	ErrNotFound           = errors.New("not found")
	ErrUnsupported        = errors.New("unsupported")
	ErrUnsupportedVersion = errors.New("unsupported version")

	// ErrRecipeInvalid marks a recipe that failed validation before any
	// network I/O was attempted.
	ErrRecipeInvalid = errors.New("recipe invalid")

	// ErrUnauthorized marks an authentication failure surfacing after a
	// token-refresh attempt was already made.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPlatformNotFound marks an image index with no platform-matching entry.
	ErrPlatformNotFound = errors.New("platform not found")

	// ErrLayerBuildFailure marks an I/O error or tar invariant violation while
	// building the application layer.
	ErrLayerBuildFailure = errors.New("layer build failure")

	// ErrTransient marks a retryable failure that was retried until the
	// retry budget was exhausted.
	ErrTransient = errors.New("transient failure, retries exhausted")

	// ErrDigestMismatch is the sentinel identity for DigestMismatchError,
	// allowing errors.Is checks without importing the concrete type.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrUnsupportedMediaType is the sentinel identity for
	// UnsupportedMediaTypeError.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
)

// DigestMismatchError reports that bytes read from, or written to, the wire
// did not hash to the digest their descriptor promised.
type DigestMismatchError struct {
	Expected digest.Digest
	Actual   digest.Digest
	Size     int64
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s (%d bytes)", e.Expected, e.Actual, e.Size)
}

func (e *DigestMismatchError) Is(target error) bool {
	return target == ErrDigestMismatch
}

// NewDigestMismatchError reports a digest that differs from what was expected.
func NewDigestMismatchError(expected, actual digest.Digest, size int64) error {
	return &DigestMismatchError{Expected: expected, Actual: actual, Size: size}
}

// UnsupportedMediaTypeError reports a manifest or index media type outside
// the accepted set.
type UnsupportedMediaTypeError struct {
	MediaType string
}

func (e *UnsupportedMediaTypeError) Error() string {
	return fmt.Sprintf("unsupported media type: %q", e.MediaType)
}

func (e *UnsupportedMediaTypeError) Is(target error) bool {
	return target == ErrUnsupportedMediaType
}

// NewUnsupportedMediaTypeError builds an UnsupportedMediaTypeError.
func NewUnsupportedMediaTypeError(mediaType string) error {
	return &UnsupportedMediaTypeError{MediaType: mediaType}
}

// PlatformNotFoundError reports an index with no platform-matching entry,
// listing the platforms that were actually available.
type PlatformNotFoundError struct {
	Wanted    string
	Available []string
}

func (e *PlatformNotFoundError) Error() string {
	return fmt.Sprintf("no manifest for platform %s found among %v", e.Wanted, e.Available)
}

func (e *PlatformNotFoundError) Is(target error) bool {
	return target == ErrPlatformNotFound
}

// NewPlatformNotFoundError builds a PlatformNotFoundError.
func NewPlatformNotFoundError(wanted string, available []string) error {
	return &PlatformNotFoundError{Wanted: wanted, Available: available}
}
