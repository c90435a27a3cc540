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

// Package remote implements the OCI Distribution v2 operations klt needs
// against a single (registry, repository) pair: manifest and index
// resolution, blob fetch/exists/mount/chunked-upload, and manifest publish.
// It exposes a concrete Repository type bound to one (registry, repository)
// pair rather than a pluggable generic storage interface: klt only ever
// talks to a remote registry, in two roles (base and target), so there is
// no storage backend to abstract over.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kleinladungstraeger/klt/errdef"
	"github.com/kleinladungstraeger/klt/internal/digestutil"
	"github.com/kleinladungstraeger/klt/internal/errcode"
	"github.com/kleinladungstraeger/klt/registry"
	"github.com/kleinladungstraeger/klt/registry/remote/auth"
	"github.com/kleinladungstraeger/klt/registry/remote/retry"
)

// dockerContentDigestHeader carries the registry-assigned canonical digest of
// a pushed manifest or fetched blob/manifest.
// Reference: https://docs.docker.com/registry/spec/api/#digest-header
const dockerContentDigestHeader = "Docker-Content-Digest"

// Docker schema 2 manifest and list media types, accepted alongside the OCI
// ones when resolving a base image.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// AcceptManifestMediaTypes is the Accept header value sent with every
// manifest GET: both OCI and Docker v2 manifest and index types.
var AcceptManifestMediaTypes = strings.Join([]string{
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
}, ", ")

// defaultChunkSize is the PATCH chunk size used for blob uploads. 8 MiB is
// large enough to amortize round trips, small enough to re-send cheaply when
// a chunk has to be resumed.
const defaultChunkSize = 8 * 1024 * 1024

// maxManifestBytes bounds how much of a manifest/index response is read
// into memory; real manifests are a few KiB to a few hundred KiB.
const maxManifestBytes = 16 * 1024 * 1024

// Client is the minimal HTTP surface Repository needs. *auth.Client
// satisfies it and additionally handles the bearer/basic auth handshake.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// Repository is a stateless-per-call client bound to one (registry,
// repository) pair.
type Repository struct {
	// Reference identifies the registry host and repository path this
	// Repository talks to. Its Reference field (tag/digest) is ignored;
	// callers pass a selector explicitly to each method.
	Reference registry.Reference

	// PlainHTTP forces unencrypted HTTP, for loopback or explicitly
	// plain-HTTP-configured registries.
	PlainHTTP bool

	// Client sends the requests. If nil, auth.DefaultClient is used.
	Client Client
}

// NewRepository returns a Repository for ref, authenticating with client
// (nil means auth.DefaultClient, anonymous unless a CredentialFunc is set on
// it by the caller).
func NewRepository(ref registry.Reference, client Client, plainHTTP bool) *Repository {
	return &Repository{Reference: ref, PlainHTTP: plainHTTP, Client: client}
}

func (r *Repository) client() Client {
	if r.Client == nil {
		return auth.DefaultClient
	}
	return r.Client
}

func (r *Repository) manifestURL(selector string) string {
	return buildRepositoryManifestURL(r.PlainHTTP, r.Reference, selector)
}

func (r *Repository) blobURL(d digest.Digest) string {
	return buildRepositoryBlobURL(r.PlainHTTP, r.Reference, d.String())
}

func (r *Repository) blobUploadURL() string {
	return buildRepositoryBlobUploadURL(r.PlainHTTP, r.Reference)
}

// pullScope hints the auth client that pull access will be needed against
// this repository; pushScope, used on the target side of a build, hints pull
// and push together, so a single token fetch can cover the whole sequence of
// requests.
func (r *Repository) pullScope(ctx context.Context) context.Context {
	return auth.WithScopesForHost(ctx, r.Reference.Host(), auth.ScopeRepository(r.Reference.Repository, auth.ActionPull))
}

func (r *Repository) pushScope(ctx context.Context) context.Context {
	return auth.WithScopesForHost(ctx, r.Reference.Host(),
		auth.ScopeRepository(r.Reference.Repository, auth.ActionPull, auth.ActionPush))
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// do sends req, wrapping a transport-level failure with the request's method
// and URL. A response of any status is returned as-is; callers pass a
// non-2xx one to statusError.
func (r *Repository) do(req *http.Request) (*http.Response, error) {
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", req.Method, req.URL, err)
	}
	return resp, nil
}

// statusError translates a non-2xx response into a typed error. 404 becomes
// errdef.ErrNotFound, 401 becomes errdef.ErrUnauthorized, everything else is
// parsed from the distribution-spec error envelope.
func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		defer resp.Body.Close()
		return fmt.Errorf("%s %q: %w", resp.Request.Method, resp.Request.URL, errdef.ErrNotFound)
	case http.StatusUnauthorized:
		defer resp.Body.Close()
		return fmt.Errorf("%s %q: %w", resp.Request.Method, resp.Request.URL, errdef.ErrUnauthorized)
	default:
		return errcode.ParseErrorResponse(resp)
	}
}

// ResolveManifest fetches the manifest or index identified by selector (a
// tag or digest) and returns its raw bytes exactly as received, so the
// caller can hash and re-upload them bit-identically.
func (r *Repository) ResolveManifest(ctx context.Context, selector string) (raw []byte, mediaType string, dgst digest.Digest, err error) {
	ctx, cancel := withTimeout(r.pullScope(ctx), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.manifestURL(selector), nil)
	if err != nil {
		return nil, "", "", err
	}
	req.Header.Set("Accept", AcceptManifestMediaTypes)

	resp, err := r.do(req)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", "", statusError(resp)
	}

	mediaType = resp.Header.Get("Content-Type")
	if !isAcceptedManifestMediaType(mediaType) {
		return nil, "", "", errdef.NewUnsupportedMediaTypeError(mediaType)
	}

	lr := io.LimitReader(resp.Body, maxManifestBytes+1)
	raw, err = io.ReadAll(lr)
	if err != nil {
		return nil, "", "", fmt.Errorf("reading manifest body: %w", err)
	}
	if int64(len(raw)) > maxManifestBytes {
		return nil, "", "", fmt.Errorf("manifest exceeds %d bytes", maxManifestBytes)
	}

	computed := digest.FromBytes(raw)
	if hdr := resp.Header.Get(dockerContentDigestHeader); hdr != "" {
		want, err := digest.Parse(hdr)
		if err == nil && want != computed {
			return nil, "", "", errdef.NewDigestMismatchError(want, computed, int64(len(raw)))
		}
	}
	return raw, mediaType, computed, nil
}

func isAcceptedManifestMediaType(mt string) bool {
	mt, _, _ = mime.ParseMediaType(mt)
	switch mt {
	case ocispec.MediaTypeImageManifest, ocispec.MediaTypeImageIndex,
		MediaTypeDockerManifest, MediaTypeDockerManifestList:
		return true
	default:
		return false
	}
}

// FetchBlob streams the blob named by desc, verifying on the fly that the
// bytes hash to desc.Digest. The returned ReadCloser's Close reports
// errdef.ErrDigestMismatch if verification failed; the caller must read to
// EOF before Close for verification to be meaningful.
func (r *Repository) FetchBlob(ctx context.Context, desc ocispec.Descriptor) (io.ReadCloser, error) {
	ctx = r.pullScope(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.blobURL(desc.Digest), nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	if resp.ContentLength >= 0 && resp.ContentLength != desc.Size {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch blob %s: size mismatch: expected %d, got %d", desc.Digest, desc.Size, resp.ContentLength)
	}

	vr := digestutil.NewVerifyingReader(resp.Body, desc.Digest)
	return &verifiedBlobReader{vr: vr, body: resp.Body, want: desc.Digest, size: desc.Size}, nil
}

type verifiedBlobReader struct {
	vr   *digestutil.VerifyingReader
	body io.ReadCloser
	want digest.Digest
	size int64
}

func (v *verifiedBlobReader) Read(p []byte) (int, error) { return v.vr.Read(p) }

func (v *verifiedBlobReader) Close() error {
	err := v.body.Close()
	if err != nil {
		return err
	}
	if !v.vr.Verified() {
		return errdef.NewDigestMismatchError(v.want, "", v.vr.N())
	}
	return nil
}

// BlobExists reports whether a blob with the given digest is already present
// in the repository.
func (r *Repository) BlobExists(ctx context.Context, d digest.Digest) (bool, error) {
	ctx, cancel := withTimeout(r.pullScope(ctx), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.blobURL(d), nil)
	if err != nil {
		return false, err
	}
	resp, err := r.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(resp)
	}
}

// MountBlob attempts a cross-repository mount of d from fromRepo. If the
// registry mounted it directly, mounted is true. Otherwise mounted is false
// and uploadURL is the session URL the caller must resume with UploadBlob.
func (r *Repository) MountBlob(ctx context.Context, d digest.Digest, fromRepo string) (mounted bool, uploadURL string, err error) {
	ctx, cancel := withTimeout(r.pushScope(ctx), 30*time.Second)
	defer cancel()

	u := r.blobUploadURL() + "?" + url.Values{"mount": {d.String()}, "from": {fromRepo}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return false, "", err
	}
	resp, err := r.do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, "", nil
	case http.StatusAccepted:
		loc, err := resolveLocation(req, resp)
		if err != nil {
			return false, "", err
		}
		return false, loc, nil
	default:
		return false, "", statusError(resp)
	}
}

// resolveLocation resolves the (possibly relative) Location header against
// the request URL, preserving any query parameters the server set (e.g. the
// upload session token).
func resolveLocation(req *http.Request, resp *http.Response) (string, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("%s %q: missing Location header", req.Method, req.URL)
	}
	u, err := resp.Request.URL.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("%s %q: invalid Location header %q: %w", req.Method, req.URL, loc, err)
	}
	return u.String(), nil
}

// startUpload begins a new blob upload session and returns its session URL.
func (r *Repository) startUpload(ctx context.Context) (string, error) {
	ctx, cancel := withTimeout(r.pushScope(ctx), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.blobUploadURL(), nil)
	if err != nil {
		return "", err
	}
	resp, err := r.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", statusError(resp)
	}
	return resolveLocation(req, resp)
}

// UploadBlob uploads size bytes read from content as the blob named by d,
// using sessionURL if already started (e.g. returned by MountBlob), or
// starting a fresh session otherwise. Content is uploaded in
// defaultChunkSize PATCH requests followed by a finalizing PUT. A transient
// failure mid-chunk is retried once against the offset the server reports
// via the upload session's Range cursor.
func (r *Repository) UploadBlob(ctx context.Context, d digest.Digest, size int64, content io.Reader, sessionURL string) error {
	if sessionURL == "" {
		u, err := r.startUpload(ctx)
		if err != nil {
			return fmt.Errorf("starting blob upload for %s: %w", d, err)
		}
		sessionURL = u
	}

	// overall deadline proportional to size, floor 2x size/1MiB/s.
	deadline := 2 * time.Duration(size/1_000_000+1) * time.Second
	if deadline < 30*time.Second {
		deadline = 30 * time.Second
	}
	ctx, cancel := withTimeout(r.pushScope(ctx), deadline)
	defer cancel()

	var offset int64
	buf := make([]byte, defaultChunkSize)
	for {
		n, readErr := io.ReadFull(content, buf)
		if n > 0 {
			chunk := buf[:n]
			nextURL, err := r.patchChunk(ctx, sessionURL, offset, chunk)
			if err != nil {
				return fmt.Errorf("uploading blob %s at offset %d: %w", d, offset, err)
			}
			sessionURL = nextURL
			offset += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading blob content for %s: %w", d, readErr)
		}
	}
	if offset != size {
		return fmt.Errorf("uploading blob %s: read %d bytes, expected %d", d, offset, size)
	}

	return r.finalizeUpload(ctx, sessionURL, d)
}

// patchChunk PATCHes a single chunk starting at offset, retrying once
// against the server-reported Range cursor on a transient failure, and
// returns the session URL to use for the next chunk.
func (r *Repository) patchChunk(ctx context.Context, sessionURL string, offset int64, chunk []byte) (string, error) {
	ctx, cancel := withTimeout(ctx, 60*time.Second)
	defer cancel()

	nextURL, err := r.sendPatch(ctx, sessionURL, offset, chunk)
	if err == nil {
		return nextURL, nil
	}

	// GET the session URL to read the Range cursor and resume from the
	// next byte, or restart the chunk if the server doesn't report one.
	resumeOffset, rerr := r.uploadCursor(ctx, sessionURL)
	if rerr != nil || resumeOffset < offset || resumeOffset >= offset+int64(len(chunk)) {
		return r.sendPatch(ctx, sessionURL, offset, chunk)
	}
	skip := resumeOffset - offset
	return r.sendPatch(ctx, sessionURL, resumeOffset, chunk[skip:])
}

func (r *Repository) sendPatch(ctx context.Context, sessionURL string, offset int64, chunk []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, sessionURL, bytes.NewReader(chunk))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", offset, offset+int64(len(chunk))-1))
	req.ContentLength = int64(len(chunk))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(chunk)), nil
	}

	resp, err := r.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return "", statusError(resp)
	}
	return resolveLocation(req, resp)
}

// uploadCursor reads the upload session's current Range cursor (the last
// confirmed byte offset, exclusive) by issuing a GET on the session URL.
func (r *Repository) uploadCursor(ctx context.Context, sessionURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sessionURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		return 0, fmt.Errorf("unexpected status %d reading upload cursor", resp.StatusCode)
	}
	rng := resp.Header.Get("Range")
	if rng == "" {
		return 0, fmt.Errorf("registry does not report an upload Range cursor")
	}
	parts := strings.SplitN(rng, "-", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed Range header %q", rng)
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header %q: %w", rng, err)
	}
	return end + 1, nil
}

func (r *Repository) finalizeUpload(ctx context.Context, sessionURL string, d digest.Digest) error {
	ctx, cancel := withTimeout(ctx, 30*time.Second)
	defer cancel()

	u, err := url.Parse(sessionURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("digest", d.String())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), http.NoBody)
	if err != nil {
		return err
	}
	resp, err := r.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

// PutManifest publishes data under selector (a tag), returning the digest
// the registry assigns, which must equal SHA-256 of data.
func (r *Repository) PutManifest(ctx context.Context, selector string, data []byte, mediaType string) (digest.Digest, error) {
	ctx, cancel := withTimeout(r.pushScope(ctx), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.manifestURL(selector), bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mediaType)
	req.ContentLength = int64(len(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	resp, err := r.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", statusError(resp)
	}

	want := digest.FromBytes(data)
	if hdr := resp.Header.Get(dockerContentDigestHeader); hdr != "" {
		got, err := digest.Parse(hdr)
		if err != nil {
			return "", fmt.Errorf("manifest PUT %s: malformed %s header %q: %w", selector, dockerContentDigestHeader, hdr, err)
		}
		if got != want {
			return "", errdef.NewDigestMismatchError(want, got, int64(len(data)))
		}
	}
	return want, nil
}

// NewHTTPClient builds the auth-and-retry-decorated HTTP client used for a
// build: bearer/basic auth layered over the default retry transport.
func NewHTTPClient(credFunc auth.CredentialFunc) *auth.Client {
	return &auth.Client{
		Client:         retry.DefaultClient,
		CredentialFunc: credFunc,
		Cache:          auth.NewCache(),
	}
}

