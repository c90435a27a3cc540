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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func Test_ParseErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := `{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"},{"code":"NAME_UNKNOWN","message":"repository name not known to registry"}]}`
		w.WriteHeader(http.StatusUnauthorized)
		if _, err := w.Write([]byte(msg)); err != nil {
			t.Errorf("failed to write %q: %v", r.URL, err)
		}
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("failed to do request: %v", err)
	}
	err = ParseErrorResponse(resp)

	var errResp *ErrorResponse
	if ok := errors.As(err, &errResp); !ok {
		t.Fatalf("errors.As(err, &ErrorResponse) = false")
	}
	if errResp.Method != http.MethodGet {
		t.Errorf("Method = %v, want %v", errResp.Method, http.MethodGet)
	}
	if errResp.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %v, want %v", errResp.StatusCode, http.StatusUnauthorized)
	}
	if len(errResp.Errors) != 2 {
		t.Fatalf("Errors length = %d, want 2", len(errResp.Errors))
	}
	if errResp.Errors[0].Code != "UNAUTHORIZED" {
		t.Errorf("Errors[0].Code = %v, want UNAUTHORIZED", errResp.Errors[0].Code)
	}

	errmsg := err.Error()
	for _, want := range []string{"401", "unauthorized", "authentication required"} {
		if !strings.Contains(errmsg, want) {
			t.Errorf("error message %q does not contain %q", errmsg, want)
		}
	}
}

func Test_ParseErrorResponse_plain(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("failed to do request: %v", err)
	}
	err = ParseErrorResponse(resp)
	errmsg := err.Error()
	if want := "401"; !strings.Contains(errmsg, want) {
		t.Errorf("error message %q does not contain %q", errmsg, want)
	}
	if want := http.StatusText(http.StatusUnauthorized); !strings.Contains(errmsg, want) {
		t.Errorf("error message %q does not contain %q", errmsg, want)
	}
}
