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

import "fmt"

// Actions recognized in a repository scope string.
// Reference: https://distribution.github.io/distribution/spec/auth/scope/
const (
	ActionPull = "pull"
	ActionPush = "push"
)

// ScopeRepository builds a distribution-spec repository scope string, e.g.
// "repository:library/alpine:pull,push".
func ScopeRepository(repository string, actions ...string) string {
	scope := fmt.Sprintf("repository:%s:", repository)
	for i, action := range actions {
		if i > 0 {
			scope += ","
		}
		scope += action
	}
	return scope
}
