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

// Package registry provides the reference type shared by both the source and
// target sides of a build: a parsed, defaulted (registry, repository,
// selector) triple.
package registry

import (
	"fmt"
	"regexp"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/kleinladungstraeger/klt/errdef"
)

// defaultRegistry and defaultNamespace are substituted when a bare image
// string omits them, matching the conventions used by docker/moby clients.
const (
	defaultRegistry  = "docker.io"
	defaultNamespace = "library"
	defaultTag       = "latest"
)

// regular expressions for components.
var (
	registryRegexp   = regexp.MustCompile(`^(?:[a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9])(?:\.(?:[a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]))*(?::[0-9]+)?$`)
	repositoryRegexp = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|[-]*)[a-z0-9]+)*(?:/[a-z0-9]+(?:(?:[._]|__|[-]*)[a-z0-9]+)*)*$`)
	tagRegexp        = regexp.MustCompile(`^[\w][\w.-]{0,127}$`)
)

// Reference references to a descriptor in the registry.
type Reference struct {
	// Registry is the name of the registry.
	// It is usually the domain name of the registry optionally with a port.
	Registry string

	// Repository is the name of the repository.
	Repository string

	// Reference is the reference of the object in the repository.
	// A reference can be a tag or a digest.
	Reference string
}

// looksLikeRegistry reports whether the first path segment of a bare image
// string should be treated as a registry host rather than the start of a
// repository path, per the same heuristic docker's reference parser uses:
// a registry host contains a '.', a ':' (port), or is exactly "localhost".
func looksLikeRegistry(segment string) bool {
	return segment == "localhost" || strings.ContainsAny(segment, ".:")
}

// ParseReference parses a string into a reference, applying the defaulting
// rules for an image string that omits its registry host, its namespace, or
// its tag: an absent registry defaults to "docker.io", a single-segment
// repository on "docker.io" is prefixed with "library/", and an absent tag
// defaults to "latest".
//
// If the reference contains both the tag and the digest, the tag is dropped.
// Digest is recognized only if the corresponding algorithm is available.
func ParseReference(raw string) (Reference, error) {
	var registryHost, path string
	if parts := strings.SplitN(raw, "/", 2); len(parts) == 2 && looksLikeRegistry(parts[0]) {
		registryHost, path = parts[0], parts[1]
	} else {
		registryHost, path = defaultRegistry, raw
	}

	var repository, reference string
	if index := strings.Index(path, "@"); index != -1 {
		// digest found
		repository = path[:index]
		reference = path[index+1:]

		// drop tag since the digest is present.
		if index := strings.Index(repository, ":"); index != -1 {
			repository = repository[:index]
		}
	} else if index := strings.Index(path, ":"); index != -1 {
		// tag found
		repository = path[:index]
		reference = path[index+1:]
	} else {
		// empty reference
		repository = path
	}

	if registryHost == defaultRegistry && !strings.Contains(repository, "/") {
		repository = defaultNamespace + "/" + repository
	}
	if reference == "" {
		reference = defaultTag
	}

	res := Reference{
		Registry:   registryHost,
		Repository: repository,
		Reference:  reference,
	}
	if err := res.Validate(); err != nil {
		return Reference{}, err
	}
	return res, nil
}

// Validate validates the reference.
func (r Reference) Validate() error {
	if !registryRegexp.MatchString(r.Registry) {
		return fmt.Errorf("%w: invalid registry %q", errdef.ErrInvalidReference, r.Registry)
	}
	if !repositoryRegexp.MatchString(r.Repository) {
		return fmt.Errorf("%w: invalid repository %q", errdef.ErrInvalidReference, r.Repository)
	}
	if r.Reference == "" {
		return nil
	}
	if _, err := r.Digest(); err == nil {
		return nil
	}
	if !tagRegexp.MatchString(r.Reference) {
		return fmt.Errorf("%w: invalid tag %q", errdef.ErrInvalidReference, r.Reference)
	}
	return nil
}

// Host returns the host name of the registry.
func (r Reference) Host() string {
	if r.Registry == "docker.io" {
		return "registry-1.docker.io"
	}
	return r.Registry
}

// ReferenceOrDefault returns the reference or the default reference if empty.
func (r Reference) ReferenceOrDefault() string {
	if r.Reference == "" {
		return defaultTag
	}
	return r.Reference
}

// Digest returns the reference as a digest.
func (r Reference) Digest() (digest.Digest, error) {
	return digest.Parse(r.Reference)
}

// WithReference returns a copy of r with its selector replaced, leaving the
// registry and repository untouched. Used to re-resolve an index entry's
// manifest by digest after platform selection.
func (r Reference) WithReference(selector string) Reference {
	r.Reference = selector
	return r
}

// String implements `fmt.Stringer` and returns the reference string.
func (r Reference) String() string {
	ref := r.Registry + "/" + r.Repository
	if r.Reference == "" {
		return ref
	}
	if d, err := r.Digest(); err == nil {
		return ref + "@" + d.String()
	}
	return ref + ":" + r.Reference
}
