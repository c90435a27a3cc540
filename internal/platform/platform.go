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

// Package platform selects the platform-matching manifest entry out of a
// base image index. It is used exactly once, by image.SelectPlatform, after
// resolving a base reference that turned out to be an index rather than a
// single manifest.
package platform

import (
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Match reports whether an index entry's platform (got) satisfies the
// platform the assembler wants to build for (want).
//
// OS and Architecture must match exactly. OSVersion, Variant, and
// OSFeatures are compared too, but only when want actually sets them; a
// recipe or caller
// that only cares about os/arch (the default, "linux/amd64") leaves those
// fields zero, and a zero field never rejects a candidate entry. This
// mirrors how an OCI image index is consumed in practice: most indexes only
// vary by os/arch, but entries for a single os/arch pair occasionally also
// vary by Variant (arm/v6 vs arm/v7) or OSFeatures, and a selector that
// ignored those when the caller did specify them would risk matching the
// wrong entry.
func Match(got *ocispec.Platform, want *ocispec.Platform) bool {
	if got.OS != want.OS || got.Architecture != want.Architecture {
		return false
	}
	if want.OSVersion != "" && got.OSVersion != want.OSVersion {
		return false
	}
	if want.Variant != "" && got.Variant != want.Variant {
		return false
	}
	if len(want.OSFeatures) != 0 && !featuresSatisfied(want.OSFeatures, got.OSFeatures) {
		return false
	}
	return true
}

// featuresSatisfied reports whether every feature wanted is present among
// the features the candidate entry offers.
func featuresSatisfied(wanted, offered []string) bool {
	has := make(map[string]bool, len(offered))
	for _, f := range offered {
		has[f] = true
	}
	for _, f := range wanted {
		if !has[f] {
			return false
		}
	}
	return true
}
