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

// Package recipe loads and validates the TOML recipe file describing a
// single build: base and target coordinates, credentials, the application
// layer's source directory, execution-config overrides, and manifest
// annotations. Recipe is the raw parsed form; Validate
// normalizes it into a Validated value that is all the image package ever
// sees, following the Validate()-returns-a-normalized-struct idiom the
// registry-tooling corpus uses for config validation.
package recipe

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/kleinladungstraeger/klt/errdef"
	"github.com/kleinladungstraeger/klt/image"
	"github.com/kleinladungstraeger/klt/registry"
	"github.com/kleinladungstraeger/klt/registry/remote/auth"
)

// Recipe is the raw, as-parsed recipe document, before $ENV expansion or
// reference parsing.
type Recipe struct {
	Base         Base         `toml:"base"`
	Target       Target       `toml:"target"`
	Modification Modification `toml:"modification"`
}

// Base describes the image a build starts from.
type Base struct {
	// Image is a full reference (host/repo[:tag|@digest]). If set, it takes
	// precedence over Registry/Repo/Tag.
	Image    string `toml:"image"`
	Registry string `toml:"registry"`
	Repo     string `toml:"repo"`
	Tag      string `toml:"tag"`

	// Auth is [user, secret-or-$ENV], or absent for anonymous pulls.
	Auth []string `toml:"auth"`
}

// Target describes where the built image is published.
type Target struct {
	Registry string   `toml:"registry"`
	Repo     string   `toml:"repo"`
	Tags     []string `toml:"tags"`

	// Auth is [user, secret-or-$ENV], or absent for anonymous pushes.
	Auth []string `toml:"auth"`
}

// ExecutionConfig mirrors image.ExecutionConfig with TOML tags; Load keeps
// the wire-format concern out of the image package.
type ExecutionConfig struct {
	Cmd        []string          `toml:"Cmd"`
	User       string            `toml:"User"`
	WorkingDir string            `toml:"WorkingDir"`
	StopSignal string            `toml:"StopSignal"`
	Env        []string          `toml:"Env"`
	Volumes    []string          `toml:"Volumes"`
	Labels     map[string]string `toml:"Labels"`
}

// Modification describes the one application layer a build adds and the
// execution-config/annotation overrides applied on top of the base.
type Modification struct {
	AppLayerFolder  string            `toml:"app_layer_folder"`
	AppLayerPrefix  string            `toml:"app_layer_prefix"`
	ExecutionConfig ExecutionConfig   `toml:"execution_config"`
	Annotations     map[string]string `toml:"annotations"`
}

// Load reads and parses the TOML recipe file at path. It does not validate
// field values or expand $ENV references; call Validate on the result for
// that.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", errdef.ErrRecipeInvalid, path, err)
	}
	var r Recipe
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", errdef.ErrRecipeInvalid, path, err)
	}
	return &r, nil
}

// Validated is the normalized, build-ready form of a Recipe: references
// parsed and defaulted, $ENV placeholders expanded, and credentials resolved
// into auth.Credential values. It is the only form the image package
// consumes.
type Validated struct {
	BaseRef  registry.Reference
	BaseAuth auth.Credential

	TargetRegistry string
	TargetRepo     string
	TargetTags     []string
	TargetAuth     auth.Credential

	AppLayerDir     string
	AppLayerPrefix  string
	ExecutionConfig image.ExecutionConfig
	Annotations     map[string]string
}

// Validate expands every $ENV reference in r, resolves its references and
// credentials, and returns the normalized Validated value. Every failure
// here is an errdef.ErrRecipeInvalid, and none of it performs network I/O:
// a bad recipe fails before the first byte goes on the wire.
func (r *Recipe) Validate() (*Validated, error) {
	expanded, err := expandRecipe(r)
	if err != nil {
		return nil, err
	}

	baseRef, err := resolveBaseReference(expanded.Base)
	if err != nil {
		return nil, err
	}
	baseAuth, err := credentialFromPair(expanded.Base.Auth)
	if err != nil {
		return nil, fmt.Errorf("base.auth: %w", err)
	}

	if expanded.Target.Registry == "" || expanded.Target.Repo == "" {
		return nil, fmt.Errorf("%w: target.registry and target.repo are required", errdef.ErrRecipeInvalid)
	}
	if len(expanded.Target.Tags) == 0 {
		return nil, fmt.Errorf("%w: target.tags must name at least one tag", errdef.ErrRecipeInvalid)
	}
	targetAuth, err := credentialFromPair(expanded.Target.Auth)
	if err != nil {
		return nil, fmt.Errorf("target.auth: %w", err)
	}

	if expanded.Modification.AppLayerFolder == "" {
		return nil, fmt.Errorf("%w: modification.app_layer_folder is required", errdef.ErrRecipeInvalid)
	}
	if info, statErr := os.Stat(expanded.Modification.AppLayerFolder); statErr != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: modification.app_layer_folder %q is not a directory", errdef.ErrRecipeInvalid, expanded.Modification.AppLayerFolder)
	}

	return &Validated{
		BaseRef:         baseRef,
		BaseAuth:        baseAuth,
		TargetRegistry:  expanded.Target.Registry,
		TargetRepo:      expanded.Target.Repo,
		TargetTags:      expanded.Target.Tags,
		TargetAuth:      targetAuth,
		AppLayerDir:     expanded.Modification.AppLayerFolder,
		AppLayerPrefix:  expanded.Modification.AppLayerPrefix,
		ExecutionConfig: expanded.Modification.ExecutionConfig.toImage(),
		Annotations:     expanded.Modification.Annotations,
	}, nil
}

func (e ExecutionConfig) toImage() image.ExecutionConfig {
	return image.ExecutionConfig{
		Cmd:        e.Cmd,
		User:       e.User,
		WorkingDir: e.WorkingDir,
		StopSignal: e.StopSignal,
		Env:        e.Env,
		Volumes:    e.Volumes,
		Labels:     e.Labels,
	}
}

// resolveBaseReference builds the base image reference from either
// base.image directly, or the base.registry/repo/tag triple.
func resolveBaseReference(b Base) (registry.Reference, error) {
	if b.Image != "" {
		ref, err := registry.ParseReference(b.Image)
		if err != nil {
			return registry.Reference{}, fmt.Errorf("%w: base.image: %v", errdef.ErrRecipeInvalid, err)
		}
		return ref, nil
	}
	if b.Registry == "" || b.Repo == "" {
		return registry.Reference{}, fmt.Errorf("%w: base.image or base.registry/base.repo is required", errdef.ErrRecipeInvalid)
	}
	raw := b.Registry + "/" + b.Repo
	if b.Tag != "" {
		raw += ":" + b.Tag
	}
	ref, err := registry.ParseReference(raw)
	if err != nil {
		return registry.Reference{}, fmt.Errorf("%w: base.registry/base.repo/base.tag: %v", errdef.ErrRecipeInvalid, err)
	}
	return ref, nil
}

// credentialFromPair turns a recipe [user, secret] pair into a Credential.
// An empty pair means anonymous access.
func credentialFromPair(pair []string) (auth.Credential, error) {
	switch len(pair) {
	case 0:
		return auth.EmptyCredential, nil
	case 2:
		return auth.Credential{Username: pair[0], Password: pair[1]}, nil
	default:
		return auth.Credential{}, fmt.Errorf("%w: auth must be a [user, secret] pair, got %d element(s)", errdef.ErrRecipeInvalid, len(pair))
	}
}

// expandEnvString replaces a string prefixed "$" with the value of the
// named environment variable; an unset variable is fatal.
// Strings not prefixed "$" are returned unchanged.
func expandEnvString(s string) (string, error) {
	if !strings.HasPrefix(s, "$") {
		return s, nil
	}
	name := strings.TrimPrefix(s, "$")
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: environment variable %q referenced by recipe is not set", errdef.ErrRecipeInvalid, name)
	}
	return v, nil
}

func expandEnvSlice(in []string) ([]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		v, err := expandEnvString(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func expandEnvMap(in map[string]string) (map[string]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		ev, err := expandEnvString(v)
		if err != nil {
			return nil, err
		}
		out[k] = ev
	}
	return out, nil
}

// expandRecipe returns a copy of r with every string field passed through
// expandEnvString.
func expandRecipe(r *Recipe) (*Recipe, error) {
	out := *r
	var err error

	if out.Base.Image, err = expandEnvString(r.Base.Image); err != nil {
		return nil, err
	}
	if out.Base.Registry, err = expandEnvString(r.Base.Registry); err != nil {
		return nil, err
	}
	if out.Base.Repo, err = expandEnvString(r.Base.Repo); err != nil {
		return nil, err
	}
	if out.Base.Tag, err = expandEnvString(r.Base.Tag); err != nil {
		return nil, err
	}
	if out.Base.Auth, err = expandEnvSlice(r.Base.Auth); err != nil {
		return nil, err
	}

	if out.Target.Registry, err = expandEnvString(r.Target.Registry); err != nil {
		return nil, err
	}
	if out.Target.Repo, err = expandEnvString(r.Target.Repo); err != nil {
		return nil, err
	}
	if out.Target.Tags, err = expandEnvSlice(r.Target.Tags); err != nil {
		return nil, err
	}
	if out.Target.Auth, err = expandEnvSlice(r.Target.Auth); err != nil {
		return nil, err
	}

	if out.Modification.AppLayerFolder, err = expandEnvString(r.Modification.AppLayerFolder); err != nil {
		return nil, err
	}
	if out.Modification.AppLayerPrefix, err = expandEnvString(r.Modification.AppLayerPrefix); err != nil {
		return nil, err
	}
	if out.Modification.ExecutionConfig.Cmd, err = expandEnvSlice(r.Modification.ExecutionConfig.Cmd); err != nil {
		return nil, err
	}
	if out.Modification.ExecutionConfig.User, err = expandEnvString(r.Modification.ExecutionConfig.User); err != nil {
		return nil, err
	}
	if out.Modification.ExecutionConfig.WorkingDir, err = expandEnvString(r.Modification.ExecutionConfig.WorkingDir); err != nil {
		return nil, err
	}
	if out.Modification.ExecutionConfig.StopSignal, err = expandEnvString(r.Modification.ExecutionConfig.StopSignal); err != nil {
		return nil, err
	}
	if out.Modification.ExecutionConfig.Env, err = expandEnvSlice(r.Modification.ExecutionConfig.Env); err != nil {
		return nil, err
	}
	if out.Modification.ExecutionConfig.Volumes, err = expandEnvSlice(r.Modification.ExecutionConfig.Volumes); err != nil {
		return nil, err
	}
	if out.Modification.ExecutionConfig.Labels, err = expandEnvMap(r.Modification.ExecutionConfig.Labels); err != nil {
		return nil, err
	}
	if out.Modification.Annotations, err = expandEnvMap(r.Modification.Annotations); err != nil {
		return nil, err
	}

	return &out, nil
}
