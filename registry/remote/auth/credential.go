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

import "context"

// Credential is the (username, secret) pair a recipe attaches to a registry
// endpoint. The zero value, EmptyCredential, means anonymous access.
//
// Credential deliberately has no String/GoString/MarshalJSON method: the
// default "%v"/"%+v" formatting of the struct would print Password verbatim,
// so every caller that logs a Credential must do so through Redacted(),
// never by formatting the struct directly.
type Credential struct {
	// Username is the username used for basic auth and token fetches.
	Username string

	// Password is the password or personal access token.
	Password string
}

// EmptyCredential represents an empty credential.
var EmptyCredential Credential

// IsEmpty returns true if the credential has no field set.
func (c Credential) IsEmpty() bool {
	return c == EmptyCredential
}

// Redacted returns a copy of the credential with the secret replaced by a
// fixed placeholder, safe to place in a log field or error message.
func (c Credential) Redacted() Credential {
	redacted := Credential{Username: c.Username}
	if c.Password != "" {
		redacted.Password = "****"
	}
	return redacted
}

// CredentialFunc resolves a Credential for the given registry host.
// EmptyCredential is a valid return value and is not an error.
type CredentialFunc func(ctx context.Context, registry string) (Credential, error)

// StaticCredential returns a CredentialFunc that returns the same credential
// for every host, as used when the recipe supplies one (user, secret) pair
// per target.
func StaticCredential(cred Credential) CredentialFunc {
	return func(context.Context, string) (Credential, error) {
		return cred, nil
	}
}
