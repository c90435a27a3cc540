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

// Package errcode models the OCI Distribution Specification's error envelope
// (`{"errors":[{"code","message","detail"}]}`), the shape every registry klt
// talks to is expected to return on a non-2xx manifest or blob response.
// ParseErrorResponse (errutil.go) is the only entry point; everything here is
// the data it builds and the error-interface plumbing that makes the result
// readable and errors.Is/As-friendly.
package errcode

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode"
)

// Error is a single entry of a registry's error envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// Error renders the code in lower-cased, space-separated form (e.g.
// "NAME_UNKNOWN" becomes "name unknown"), followed by the message and detail
// when present.
func (e Error) Error() string {
	code := strings.Map(func(r rune) rune {
		if r == '_' {
			return ' '
		}
		return unicode.ToLower(r)
	}, e.Code)
	switch {
	case e.Message == "":
		return code
	case e.Detail == nil:
		return fmt.Sprintf("%s: %s", code, e.Message)
	default:
		return fmt.Sprintf("%s: %s: %v", code, e.Message, e.Detail)
	}
}

// Errors is the "errors" array of a distribution-spec error response. A
// registry may report more than one failure for a single request (e.g. both
// a digest mismatch and a size mismatch on the same blob PUT).
type Errors []Error

// Error joins every entry's message with "; ", or reports "<nil>" for an
// empty list (a malformed or non-conforming error body).
func (errs Errors) Error() string {
	switch len(errs) {
	case 0:
		return "<nil>"
	case 1:
		return errs[0].Error()
	default:
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return strings.Join(msgs, "; ")
	}
}

// Unwrap exposes the single underlying Error so that errors.As can reach it;
// ambiguous when there's more than one, so it only unwraps the singleton case.
func (errs Errors) Unwrap() error {
	if len(errs) == 1 {
		return errs[0]
	}
	return nil
}

// ErrorResponse is what ParseErrorResponse builds from a failed registry
// call: the request that failed, its status code, and whatever error
// envelope (if any) the response body carried.
type ErrorResponse struct {
	Method     string
	URL        *url.URL
	StatusCode int
	Errors     Errors
}

// Error reports the method, URL, and status code of the failed call,
// followed by the registry's own error messages when the body parsed as a
// distribution-spec envelope, or the bare HTTP status text otherwise.
func (err *ErrorResponse) Error() string {
	detail := http.StatusText(err.StatusCode)
	if len(err.Errors) > 0 {
		detail = err.Errors.Error()
	}
	return fmt.Sprintf("%s %q: response status code %d: %s", err.Method, err.URL, err.StatusCode, detail)
}

// Unwrap exposes Errors so a caller can errors.As into a specific Error
// without string-matching Error()'s rendered text.
func (err *ErrorResponse) Unwrap() error {
	if len(err.Errors) == 0 {
		return nil
	}
	return err.Errors
}
