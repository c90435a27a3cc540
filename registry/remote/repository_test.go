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

package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/kleinladungstraeger/klt/errdef"
	"github.com/kleinladungstraeger/klt/registry"
)

func testRepository(t *testing.T, ts *httptest.Server) *Repository {
	t.Helper()
	ref, err := registry.ParseReference(strings.TrimPrefix(ts.URL, "http://") + "/library/app:latest")
	require.NoError(t, err)
	return &Repository{Reference: ref, PlainHTTP: true, Client: http.DefaultClient}
}

func TestRepository_ResolveManifest(t *testing.T) {
	manifest := []byte(`{"schemaVersion":2}`)
	wantDigest := digest.FromBytes(manifest)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, "/manifests/latest") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
		w.Header().Set(dockerContentDigestHeader, wantDigest.String())
		w.Write(manifest)
	}))
	defer ts.Close()

	repo := testRepository(t, ts)
	raw, mediaType, dgst, err := repo.ResolveManifest(context.Background(), "latest")
	require.NoError(t, err)
	require.Equal(t, manifest, raw)
	require.Equal(t, ocispec.MediaTypeImageManifest, mediaType)
	require.Equal(t, wantDigest, dgst)
}

func TestRepository_ResolveManifest_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	repo := testRepository(t, ts)
	_, _, _, err := repo.ResolveManifest(context.Background(), "missing")
	require.ErrorIs(t, err, errdef.ErrNotFound)
}

func TestRepository_ResolveManifest_UnsupportedMediaType(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.example.unknown+json")
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	repo := testRepository(t, ts)
	_, _, _, err := repo.ResolveManifest(context.Background(), "latest")
	require.ErrorIs(t, err, errdef.ErrUnsupportedMediaType)
}

func TestRepository_FetchBlob(t *testing.T) {
	content := bytes.Repeat([]byte("a"), 4096)
	desc := ocispec.Descriptor{Digest: digest.FromBytes(content), Size: int64(len(content))}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer ts.Close()

	repo := testRepository(t, ts)
	rc, err := repo.FetchBlob(context.Background(), desc)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, content, got)
}

func TestRepository_FetchBlob_DigestMismatch(t *testing.T) {
	content := []byte("real content")
	desc := ocispec.Descriptor{Digest: digest.FromString("not the real content"), Size: int64(len(content))}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer ts.Close()

	repo := testRepository(t, ts)
	rc, err := repo.FetchBlob(context.Background(), desc)
	require.NoError(t, err)
	_, _ = io.ReadAll(rc)
	err = rc.Close()
	require.Error(t, err)
	var mismatch *errdef.DigestMismatchError
	require.True(t, errors.As(err, &mismatch))
}

func TestRepository_BlobExists(t *testing.T) {
	present := digest.FromString("present")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if strings.HasSuffix(r.URL.Path, present.String()) {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	repo := testRepository(t, ts)
	ok, err := repo.BlobExists(context.Background(), present)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.BlobExists(context.Background(), digest.FromString("absent"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRepository_MountBlob_Mounted(t *testing.T) {
	d := digest.FromString("layer")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		if q.Get("mount") != d.String() || q.Get("from") != "library/base" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	repo := testRepository(t, ts)
	mounted, uploadURL, err := repo.MountBlob(context.Background(), d, "library/base")
	require.NoError(t, err)
	require.True(t, mounted)
	require.Empty(t, uploadURL)
}

func TestRepository_MountBlob_FallsBackToUpload(t *testing.T) {
	d := digest.FromString("layer")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v2/library/app/blobs/uploads/session-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	repo := testRepository(t, ts)
	mounted, uploadURL, err := repo.MountBlob(context.Background(), d, "library/base")
	require.NoError(t, err)
	require.False(t, mounted)
	require.Contains(t, uploadURL, "session-1")
}

func TestRepository_UploadBlob(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 100)
	d := digest.FromBytes(content)

	var uploaded bytes.Buffer
	var started, patched, put bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/uploads/"):
			started = true
			w.Header().Set("Location", "/v2/library/app/blobs/uploads/session-1?state=0")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPatch:
			patched = true
			body, _ := io.ReadAll(r.Body)
			uploaded.Write(body)
			w.Header().Set("Location", "/v2/library/app/blobs/uploads/session-1?state=1")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut:
			put = true
			if r.URL.Query().Get("digest") != d.String() {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	repo := testRepository(t, ts)
	err := repo.UploadBlob(context.Background(), d, int64(len(content)), bytes.NewReader(content), "")
	require.NoError(t, err)
	require.True(t, started)
	require.True(t, patched)
	require.True(t, put)
	require.Equal(t, content, uploaded.Bytes())
}

// A PATCH fails partway through (e.g. a dropped connection on a large
// base-layer copy), and UploadBlob must recover by reading the upload
// session's Range cursor and resuming from the byte the registry actually
// kept, not re-sending the whole chunk from byte zero.
func TestRepository_UploadBlob_ResumesAfterTransientPatchFailure(t *testing.T) {
	content := bytes.Repeat([]byte("r"), 20)
	d := digest.FromBytes(content)

	const sessionPath = "/v2/library/app/blobs/uploads/session-resume"

	var uploaded bytes.Buffer
	var patchAttempts, cursorReads int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/uploads/"):
			w.Header().Set("Location", sessionPath+"?state=0")
			w.WriteHeader(http.StatusAccepted)

		case r.Method == http.MethodPatch:
			patchAttempts++
			if patchAttempts == 1 {
				// Transient failure: the server drops the connection after
				// having durably stored only the first 10 of the 20 bytes
				// sent in this chunk.
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			// Second attempt: must be the resumed tail, not the full chunk.
			body, _ := io.ReadAll(r.Body)
			if got, want := r.Header.Get("Content-Range"), "10-19"; got != want {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			uploaded.Write(body)
			w.Header().Set("Location", sessionPath+"?state=1")
			w.WriteHeader(http.StatusAccepted)

		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, sessionPath):
			cursorReads++
			// Range is inclusive-end per the distribution spec: 0-9 reports
			// the first 10 bytes as durably received.
			w.Header().Set("Range", "0-9")
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodPut:
			if r.URL.Query().Get("digest") != d.String() {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	repo := testRepository(t, ts)
	err := repo.UploadBlob(context.Background(), d, int64(len(content)), bytes.NewReader(content), "")
	require.NoError(t, err)
	require.Equal(t, 2, patchAttempts, "expected one failed PATCH and one resumed PATCH")
	require.Equal(t, 1, cursorReads)
	require.Equal(t, content[10:], uploaded.Bytes(), "resumed PATCH must only resend the unconfirmed tail")
}

func TestRepository_PutManifest(t *testing.T) {
	manifest := []byte(`{"schemaVersion":2}`)
	wantDigest := digest.FromBytes(manifest)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !bytes.Equal(body, manifest) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set(dockerContentDigestHeader, wantDigest.String())
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	repo := testRepository(t, ts)
	got, err := repo.PutManifest(context.Background(), "v1", manifest, ocispec.MediaTypeImageManifest)
	require.NoError(t, err)
	require.Equal(t, wantDigest, got)
}

func TestRepository_PutManifest_DigestMismatch(t *testing.T) {
	manifest := []byte(`{"schemaVersion":2}`)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(dockerContentDigestHeader, digest.FromString("something else").String())
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	repo := testRepository(t, ts)
	_, err := repo.PutManifest(context.Background(), "v1", manifest, ocispec.MediaTypeImageManifest)
	require.ErrorIs(t, err, errdef.ErrDigestMismatch)
}
