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

package image

import (
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ExecutionConfig is the subset of an OCI image config the recipe is allowed
// to override. A nil slice/map means "not supplied by the recipe, keep the
// base value"; an empty-but-non-nil slice/map is a deliberate override to
// empty. Scalar fields use the empty string for "not supplied", so a recipe
// cannot explicitly reset User, WorkingDir, or StopSignal to "" without also
// clearing it on the base image by omission.
type ExecutionConfig struct {
	Cmd        []string
	User       string
	WorkingDir string
	StopSignal string
	Env        []string
	Volumes    []string
	Labels     map[string]string
}

// PatchConfig derives a new image config from base, applying exec's
// overrides, appending diffID to rootfs.diff_ids and a new history entry,
// and stamping created at createdAt. architecture, os, and every field exec
// leaves unset are carried over unchanged.
func PatchConfig(base ocispec.Image, exec ExecutionConfig, diffID digest.Digest, createdAt time.Time) ocispec.Image {
	cfg := base

	if exec.Cmd != nil {
		cfg.Config.Cmd = exec.Cmd
	}
	if exec.User != "" {
		cfg.Config.User = exec.User
	}
	if exec.WorkingDir != "" {
		cfg.Config.WorkingDir = exec.WorkingDir
	}
	if exec.StopSignal != "" {
		cfg.Config.StopSignal = exec.StopSignal
	}
	if exec.Env != nil {
		cfg.Config.Env = mergeEnv(base.Config.Env, exec.Env)
	}
	if exec.Labels != nil {
		cfg.Config.Labels = mergeLabels(base.Config.Labels, exec.Labels)
	}
	if exec.Volumes != nil {
		cfg.Config.Volumes = unionVolumes(base.Config.Volumes, exec.Volumes)
	}

	cfg.RootFS.Type = "layers"
	cfg.RootFS.DiffIDs = append(append([]digest.Digest{}, base.RootFS.DiffIDs...), diffID)

	created := createdAt
	cfg.History = append(append([]ocispec.History{}, base.History...), ocispec.History{
		Created:    &created,
		CreatedBy:  "klt",
		EmptyLayer: false,
	})
	cfg.Created = &created

	return cfg
}

// mergeEnv overwrites entries in base whose KEY= prefix matches an entry in
// overrides, preserving the relative order of retained base entries, and
// appends override entries with no matching base key in their own relative
// order at the end.
func mergeEnv(base, overrides []string) []string {
	overrideByKey := make(map[string]string, len(overrides))
	var overrideOrder []string
	for _, o := range overrides {
		k := envKey(o)
		if _, exists := overrideByKey[k]; !exists {
			overrideOrder = append(overrideOrder, k)
		}
		overrideByKey[k] = o
	}

	used := make(map[string]bool, len(overrides))
	result := make([]string, 0, len(base)+len(overrides))
	for _, b := range base {
		k := envKey(b)
		if v, ok := overrideByKey[k]; ok {
			result = append(result, v)
			used[k] = true
			continue
		}
		result = append(result, b)
	}
	for _, k := range overrideOrder {
		if !used[k] {
			result = append(result, overrideByKey[k])
		}
	}
	return result
}

func envKey(entry string) string {
	if i := strings.IndexByte(entry, '='); i >= 0 {
		return entry[:i]
	}
	return entry
}

// mergeLabels merges overrides into base by key, with overrides winning.
func mergeLabels(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// unionVolumes adds overrides to the set of base volume mount points.
func unionVolumes(base map[string]struct{}, overrides []string) map[string]struct{} {
	merged := make(map[string]struct{}, len(base)+len(overrides))
	for k := range base {
		merged[k] = struct{}{}
	}
	for _, v := range overrides {
		merged[v] = struct{}{}
	}
	return merged
}
