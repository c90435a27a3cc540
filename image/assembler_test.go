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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/kleinladungstraeger/klt/registry"
	"github.com/kleinladungstraeger/klt/registry/remote"
)

func mustRepository(t *testing.T, rawURL, path string) *remote.Repository {
	t.Helper()
	ref, err := registry.ParseReference(strings.TrimPrefix(rawURL, "http://") + "/" + path)
	require.NoError(t, err)
	return &remote.Repository{Reference: ref, PlainHTTP: true, Client: http.DefaultClient}
}

// fakeBaseRegistry serves one fixed manifest/config/layer set, unconditionally,
// by digest or by the "latest" tag.
func fakeBaseRegistry(t *testing.T, manifest, config []byte, layerContent []byte, layerDigest digest.Digest) *httptest.Server {
	t.Helper()
	manifestDigest := digest.FromBytes(manifest)
	configDigest := digest.FromBytes(config)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/manifests/"):
			w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
			w.Header().Set("Docker-Content-Digest", manifestDigest.String())
			w.Write(manifest)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/blobs/"+configDigest.String()):
			w.Write(config)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/blobs/"+layerDigest.String()):
			w.Write(layerContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

// fakeTargetRegistry accepts a mount for every blob digest in mountable,
// and a full chunked upload otherwise; it records every manifest PUT.
type fakeTargetRegistry struct {
	mu        sync.Mutex
	manifests map[string][]byte
	uploaded  map[digest.Digest][]byte
}

func newFakeTargetRegistry() *fakeTargetRegistry {
	return &fakeTargetRegistry{manifests: make(map[string][]byte), uploaded: make(map[digest.Digest][]byte)}
}

func (f *fakeTargetRegistry) server(mountable map[digest.Digest]bool) *httptest.Server {
	var sessions sync.Map // sessionID -> *bytes buffer (collected chunks)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead && strings.Contains(r.URL.Path, "/blobs/"):
			d := digest.Digest(strings.TrimPrefix(r.URL.Path, pathUpTo(r.URL.Path, "/blobs/")))
			f.mu.Lock()
			_, ok := f.uploaded[d]
			f.mu.Unlock()
			if ok {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}

		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/blobs/uploads/"):
			q := r.URL.Query()
			if mountDigest := q.Get("mount"); mountDigest != "" {
				if mountable[digest.Digest(mountDigest)] {
					f.mu.Lock()
					f.uploaded[digest.Digest(mountDigest)] = nil
					f.mu.Unlock()
					w.WriteHeader(http.StatusCreated)
					return
				}
			}
			sessionID := fmt.Sprintf("session-%d", time.Now().UnixNano())
			sessions.Store(sessionID, &sessionBuf{})
			w.Header().Set("Location", "/v2/target/repo/blobs/uploads/"+sessionID)
			w.WriteHeader(http.StatusAccepted)

		case r.Method == http.MethodPatch && strings.Contains(r.URL.Path, "/blobs/uploads/"):
			sessionID := lastSegment(r.URL.Path)
			v, _ := sessions.Load(sessionID)
			buf := v.(*sessionBuf)
			body, _ := io.ReadAll(r.Body)
			buf.mu.Lock()
			buf.data = append(buf.data, body...)
			buf.mu.Unlock()
			w.Header().Set("Location", "/v2/target/repo/blobs/uploads/"+sessionID)
			w.WriteHeader(http.StatusAccepted)

		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/blobs/uploads/"):
			sessionID := lastSegment(strings.SplitN(r.URL.Path, "?", 2)[0])
			v, _ := sessions.Load(sessionID)
			buf := v.(*sessionBuf)
			d := digest.Digest(r.URL.Query().Get("digest"))
			f.mu.Lock()
			f.uploaded[d] = append([]byte{}, buf.data...)
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)

		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/manifests/"):
			body, _ := io.ReadAll(r.Body)
			tag := lastSegment(r.URL.Path)
			f.mu.Lock()
			f.manifests[tag] = body
			f.mu.Unlock()
			w.Header().Set("Docker-Content-Digest", digest.FromBytes(body).String())
			w.WriteHeader(http.StatusCreated)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

type sessionBuf struct {
	mu   sync.Mutex
	data []byte
}

func lastSegment(p string) string {
	parts := strings.Split(strings.TrimRight(p, "/"), "/")
	return parts[len(parts)-1]
}

func pathUpTo(full, marker string) string {
	idx := strings.Index(full, marker)
	return full[:idx+len(marker)]
}

func TestAssembler_BuildAndPublish_HappyPath(t *testing.T) {
	layerContent := []byte("base layer content")
	layerDigest := digest.FromBytes(layerContent)

	baseConfig, err := json.Marshal(ocispec.Image{
		Platform: ocispec.Platform{Architecture: "amd64", OS: "linux"},
		Config:   ocispec.ImageConfig{Env: []string{"PATH=/usr/bin"}},
		RootFS:   ocispec.RootFS{Type: "layers", DiffIDs: []digest.Digest{digest.FromString("base-diff-id")}},
	})
	require.NoError(t, err)
	configDigest := digest.FromBytes(baseConfig)

	baseManifest, err := json.Marshal(ocispec.Manifest{
		Config: ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: configDigest, Size: int64(len(baseConfig))},
		Layers: []ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: layerDigest, Size: int64(len(layerContent))},
		},
	})
	require.NoError(t, err)

	baseSrv := fakeBaseRegistry(t, baseManifest, baseConfig, layerContent, layerDigest)
	defer baseSrv.Close()

	target := newFakeTargetRegistry()
	targetSrv := target.server(map[digest.Digest]bool{layerDigest: true})
	defer targetSrv.Close()

	appDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "app"), []byte("application binary"), 0o755))

	asm := &Assembler{
		Base:   Source{Repo: mustRepository(t, baseSrv.URL, "library/base:latest"), Selector: "latest"},
		Target: Target{Repo: mustRepository(t, targetSrv.URL, "target/repo:latest"), Tags: []string{"latest", "v1"}},
		Now:    func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}

	published, err := asm.BuildAndPublish(context.Background(), BuildOptions{
		AppLayerDir:    appDir,
		AppLayerPrefix: "usr/bin",
	})
	require.NoError(t, err)
	require.NotEmpty(t, published)

	target.mu.Lock()
	defer target.mu.Unlock()
	require.Len(t, target.manifests, 2)
	var publishedConfig digest.Digest
	for _, tag := range []string{"latest", "v1"} {
		m, ok := target.manifests[tag]
		require.True(t, ok)
		require.Equal(t, digest.FromBytes(m), published)

		var manifest ocispec.Manifest
		require.NoError(t, json.Unmarshal(m, &manifest))
		require.Len(t, manifest.Layers, 2)
		require.Equal(t, layerDigest, manifest.Layers[0].Digest)
		publishedConfig = manifest.Config.Digest
	}

	// The patched config, not the base one, is what lands on the target.
	_, configUploaded := target.uploaded[publishedConfig]
	require.True(t, configUploaded)
}

// The base reference resolves to an image index: the assembler must pick
// the linux/amd64 entry by default, re-resolve that entry's manifest by
// digest, and build from it.
func TestAssembler_BuildAndPublish_IndexBase(t *testing.T) {
	layerContent := []byte("amd64 layer content")
	layerDigest := digest.FromBytes(layerContent)

	baseConfig, err := json.Marshal(ocispec.Image{
		Platform: ocispec.Platform{Architecture: "amd64", OS: "linux"},
		RootFS:   ocispec.RootFS{Type: "layers", DiffIDs: []digest.Digest{digest.FromString("amd64-diff-id")}},
	})
	require.NoError(t, err)
	configDigest := digest.FromBytes(baseConfig)

	baseManifest, err := json.Marshal(ocispec.Manifest{
		Config: ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: configDigest, Size: int64(len(baseConfig))},
		Layers: []ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: layerDigest, Size: int64(len(layerContent))},
		},
	})
	require.NoError(t, err)
	manifestDigest := digest.FromBytes(baseManifest)

	index, err := json.Marshal(ocispec.Index{
		Manifests: []ocispec.Descriptor{
			{
				MediaType: ocispec.MediaTypeImageManifest,
				Digest:    digest.FromString("unrelated arm64 manifest"),
				Size:      10,
				Platform:  &ocispec.Platform{OS: "linux", Architecture: "arm64"},
			},
			{
				MediaType: ocispec.MediaTypeImageManifest,
				Digest:    manifestDigest,
				Size:      int64(len(baseManifest)),
				Platform:  &ocispec.Platform{OS: "linux", Architecture: "amd64"},
			},
		},
	})
	require.NoError(t, err)

	baseSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/manifests/latest"):
			w.Header().Set("Content-Type", ocispec.MediaTypeImageIndex)
			w.Write(index)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/manifests/"+manifestDigest.String()):
			w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
			w.Write(baseManifest)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/blobs/"+configDigest.String()):
			w.Write(baseConfig)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/blobs/"+layerDigest.String()):
			w.Write(layerContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer baseSrv.Close()

	target := newFakeTargetRegistry()
	targetSrv := target.server(map[digest.Digest]bool{layerDigest: true})
	defer targetSrv.Close()

	appDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "app"), []byte("application binary"), 0o755))

	asm := &Assembler{
		Base:   Source{Repo: mustRepository(t, baseSrv.URL, "library/base:latest"), Selector: "latest"},
		Target: Target{Repo: mustRepository(t, targetSrv.URL, "target/repo:latest"), Tags: []string{"latest"}},
		Now:    func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}

	published, err := asm.BuildAndPublish(context.Background(), BuildOptions{AppLayerDir: appDir})
	require.NoError(t, err)

	target.mu.Lock()
	defer target.mu.Unlock()
	m, ok := target.manifests["latest"]
	require.True(t, ok)
	require.Equal(t, digest.FromBytes(m), published)

	var manifest ocispec.Manifest
	require.NoError(t, json.Unmarshal(m, &manifest))
	require.Len(t, manifest.Layers, 2)
	require.Equal(t, layerDigest, manifest.Layers[0].Digest)
}

func TestAssembler_BuildAndPublish_NoTargetTags(t *testing.T) {
	asm := &Assembler{
		Base:   Source{},
		Target: Target{},
	}
	_, err := asm.BuildAndPublish(context.Background(), BuildOptions{})
	require.Error(t, err)
}
