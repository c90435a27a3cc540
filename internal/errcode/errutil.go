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

package errcode

import (
	"encoding/json"
	"io"
	"net/http"
)

// maxErrorBytes limits how much of a non-2xx response body is read when
// parsing its error payload.
const maxErrorBytes = 64 * 1024

// ParseErrorResponse parses the response body of a request that is already
// known to have failed (non-2xx status) into an *ErrorResponse. If the body
// does not conform to the distribution spec error envelope
// (`{"errors":[{"code","message","detail"}]}`), the returned ErrorResponse
// still carries Method/URL/StatusCode, and Error() falls back to the HTTP
// status text.
func ParseErrorResponse(resp *http.Response) error {
	defer resp.Body.Close()

	var parsed struct {
		Errors Errors `json:"errors"`
	}
	lr := io.LimitReader(resp.Body, maxErrorBytes)
	_ = json.NewDecoder(lr).Decode(&parsed)

	return &ErrorResponse{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL,
		StatusCode: resp.StatusCode,
		Errors:     parsed.Errors,
	}
}
