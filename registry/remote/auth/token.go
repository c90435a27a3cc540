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

package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// gracePeriodSeconds is subtracted from a token's reported lifetime so a
// bearer token fetched once per upload isn't used right up to the edge of
// expiry on the final chunk of a large base-layer PATCH sequence.
// defaultExpirationSeconds is assumed for a token whose actual lifetime this
// tool can't determine (a non-JWT bearer token, or a JWT with no "exp").
const (
	gracePeriodSeconds       = 10
	defaultExpirationSeconds = 60
)

// tokenEntry is one bearer token held in a Cache, keyed by scope.
type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// jwtClaims is the subset of RFC 7519 registered claims this tool reads off
// a bearer token to learn when it expires; everything else in the payload
// (scope, subject, issuer) is opaque to the client and left unparsed.
type jwtClaims struct {
	Exp int64 `json:"exp"`
	Iat int64 `json:"iat,omitempty"`
	Nbf int64 `json:"nbf,omitempty"`
}

// parseTokenExpiration reads the "exp" claim out of token if it looks like a
// JWT (header.payload.signature, per RFC 7519 §3), falling back to
// defaultExpirationSeconds from now for a basic-auth token, an opaque bearer
// token, or a JWT whose payload doesn't decode or carries no "exp".
func parseTokenExpiration(token string) time.Time {
	fallback := time.Now().Add(defaultExpirationSeconds * time.Second)

	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return fallback
	}

	payload, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return fallback
	}

	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return fallback
	}
	if claims.Exp <= 0 {
		return fallback
	}
	return time.Unix(claims.Exp, 0)
}

// isExpired reports whether te's token should no longer be reused, treating
// a zero expiresAt as "never expires" and padding real expirations with
// gracePeriodSeconds so a request started just before expiry doesn't land
// at the registry just after it.
func (te *tokenEntry) isExpired() bool {
	if te.expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(gracePeriodSeconds * time.Second).After(te.expiresAt)
}

// newTokenEntry wraps token with its inferred expiration, ready to be stored
// in a Cache keyed by scope.
func newTokenEntry(token string) *tokenEntry {
	return &tokenEntry{
		token:     token,
		expiresAt: parseTokenExpiration(token),
	}
}
