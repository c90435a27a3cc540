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
	"fmt"

	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kleinladungstraeger/klt/errdef"
	"github.com/kleinladungstraeger/klt/internal/platform"
)

// ComposeManifest builds the published manifest: always the OCI image
// manifest media type, regardless of whether the base was itself OCI or
// Docker schema 2.
func ComposeManifest(config ocispec.Descriptor, layers []ocispec.Descriptor, annotations map[string]string) ocispec.Manifest {
	return ocispec.Manifest{
		Versioned:   specs.Versioned{SchemaVersion: 2},
		MediaType:   ocispec.MediaTypeImageManifest,
		Config:      config,
		Layers:      layers,
		Annotations: annotations,
	}
}

// SelectPlatform finds the manifest descriptor in idx matching want.
// Entries with no platform attached are skipped; failing to find a match is
// a fatal PlatformNotFoundError listing every platform that was available.
func SelectPlatform(idx ocispec.Index, want ocispec.Platform) (ocispec.Descriptor, error) {
	var available []string
	for _, m := range idx.Manifests {
		if m.Platform == nil {
			continue
		}
		available = append(available, platformString(*m.Platform))
		if platform.Match(m.Platform, &want) {
			return m, nil
		}
	}
	return ocispec.Descriptor{}, errdef.NewPlatformNotFoundError(platformString(want), available)
}

func platformString(p ocispec.Platform) string {
	if p.Variant != "" {
		return fmt.Sprintf("%s/%s/%s", p.OS, p.Architecture, p.Variant)
	}
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}
