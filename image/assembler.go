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

// Package image implements the build-and-publish pipeline: resolving a base
// image, copying its layers to a target repository, building and uploading
// one new application layer, patching the image config, and publishing the
// composed manifest under every requested tag. It is wired over
// registry/remote.Repository on both the base and target side and
// layer.Builder for the new layer.
package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kleinladungstraeger/klt/errdef"
	"github.com/kleinladungstraeger/klt/internal/syncutil"
	"github.com/kleinladungstraeger/klt/layer"
	"github.com/kleinladungstraeger/klt/registry/remote"
)

// defaultConcurrency bounds concurrent base-layer copies when the recipe
// does not specify one.
const defaultConcurrency = 4

// Source is the base image side of a build: the repository to resolve
// against and the tag or digest selecting the image within it.
type Source struct {
	Repo     *remote.Repository
	Selector string
}

// Target is the publish side of a build: the repository to push to and the
// tags the resulting manifest must be published under.
type Target struct {
	Repo *remote.Repository
	Tags []string
}

// BuildOptions parameterizes a single build. Platform defaults to
// linux/amd64 when left zero, and Concurrency defaults to 4.
type BuildOptions struct {
	AppLayerDir     string
	AppLayerPrefix  string
	LayerMTime      time.Time
	ExecutionConfig ExecutionConfig
	Annotations     map[string]string
	Platform        ocispec.Platform
	Concurrency     int64
}

// Assembler orchestrates a full build-and-publish against one base and one
// target repository.
type Assembler struct {
	Base   Source
	Target Target

	// Logger receives structured progress/warning output. Defaults to a
	// no-op logger if nil.
	Logger logrus.FieldLogger

	// Now returns the build's notion of the current time, used to stamp
	// config.created and the new history entry. Defaults to time.Now when
	// nil; tests substitute a fixed clock so repeated builds of the same
	// base produce identical manifest bytes.
	Now func() time.Time
}

// NewAssembler returns an Assembler ready to build from base and publish to
// target.
func NewAssembler(base Source, target Target, logger logrus.FieldLogger) *Assembler {
	return &Assembler{Base: base, Target: target, Logger: logger}
}

func (a *Assembler) logger() logrus.FieldLogger {
	if a.Logger != nil {
		return a.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (a *Assembler) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

// BuildAndPublish runs the full pipeline and returns the digest every
// requested tag was published under.
func (a *Assembler) BuildAndPublish(ctx context.Context, opts BuildOptions) (digest.Digest, error) {
	if len(a.Target.Tags) == 0 {
		return "", fmt.Errorf("%w: no target tags configured", errdef.ErrRecipeInvalid)
	}

	want := opts.Platform
	if want.OS == "" {
		want.OS = "linux"
	}
	if want.Architecture == "" {
		want.Architecture = "amd64"
	}

	log := a.logger()

	log.WithField("selector", a.Base.Selector).Info("resolving base manifest")
	baseManifest, err := a.resolveBaseManifest(ctx, want)
	if err != nil {
		return "", err
	}

	baseConfig, err := a.fetchBaseConfig(ctx, baseManifest.Config)
	if err != nil {
		return "", err
	}

	log.WithField("dir", opts.AppLayerDir).Info("building application layer")
	layerFile, layerDesc, diffID, err := a.buildAppLayer(ctx, opts)
	if err != nil {
		return "", err
	}
	defer os.Remove(layerFile.Name())

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	log.WithField("count", len(baseManifest.Layers)).Info("copying base layers to target")
	if err := a.uploadBaseLayers(ctx, baseManifest.Layers, concurrency); err != nil {
		return "", err
	}

	log.WithField("digest", layerDesc.Digest).Info("uploading application layer")
	if err := a.uploadAppLayer(ctx, layerFile, layerDesc); err != nil {
		return "", err
	}

	newConfig := PatchConfig(baseConfig, opts.ExecutionConfig, diffID, a.now())
	configBytes, err := json.Marshal(newConfig)
	if err != nil {
		return "", fmt.Errorf("marshal patched config: %w", err)
	}
	configDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    digest.FromBytes(configBytes),
		Size:      int64(len(configBytes)),
	}

	log.WithField("digest", configDesc.Digest).Info("uploading patched config")
	if err := a.Target.Repo.UploadBlob(ctx, configDesc.Digest, configDesc.Size, bytes.NewReader(configBytes), ""); err != nil {
		return "", fmt.Errorf("upload config blob: %w", err)
	}

	layers := append(append([]ocispec.Descriptor{}, baseManifest.Layers...), layerDesc)
	newManifest := ComposeManifest(configDesc, layers, opts.Annotations)
	manifestBytes, err := json.Marshal(newManifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}

	log.WithField("tags", a.Target.Tags).Info("publishing manifest")
	return a.publishTags(ctx, manifestBytes)
}

// resolveBaseManifest resolves the base selector, following an index down to
// the platform-matching manifest if necessary.
func (a *Assembler) resolveBaseManifest(ctx context.Context, want ocispec.Platform) (ocispec.Manifest, error) {
	raw, mediaType, _, err := a.Base.Repo.ResolveManifest(ctx, a.Base.Selector)
	if err != nil {
		return ocispec.Manifest{}, fmt.Errorf("resolve base manifest: %w", err)
	}

	if isIndexMediaType(mediaType) {
		var idx ocispec.Index
		if err := json.Unmarshal(raw, &idx); err != nil {
			return ocispec.Manifest{}, fmt.Errorf("parse base index: %w", err)
		}
		entry, err := SelectPlatform(idx, want)
		if err != nil {
			return ocispec.Manifest{}, err
		}
		raw, _, _, err = a.Base.Repo.ResolveManifest(ctx, entry.Digest.String())
		if err != nil {
			return ocispec.Manifest{}, fmt.Errorf("resolve platform manifest %s: %w", entry.Digest, err)
		}
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("parse base manifest: %w", err)
	}
	return manifest, nil
}

func isIndexMediaType(mediaType string) bool {
	return mediaType == ocispec.MediaTypeImageIndex || mediaType == remote.MediaTypeDockerManifestList
}

func (a *Assembler) fetchBaseConfig(ctx context.Context, desc ocispec.Descriptor) (ocispec.Image, error) {
	rc, err := a.Base.Repo.FetchBlob(ctx, desc)
	if err != nil {
		return ocispec.Image{}, fmt.Errorf("fetch base config: %w", err)
	}
	raw, readErr := io.ReadAll(rc)
	closeErr := rc.Close()
	if readErr != nil {
		return ocispec.Image{}, fmt.Errorf("read base config: %w", readErr)
	}
	if closeErr != nil {
		return ocispec.Image{}, fmt.Errorf("verify base config: %w", closeErr)
	}

	var cfg ocispec.Image
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ocispec.Image{}, fmt.Errorf("parse base config: %w", err)
	}
	return cfg, nil
}

// buildAppLayer streams the new layer to a temp file, rather than memory, so
// that a large application directory does not force the whole compressed
// layer to be held in the process's heap before upload begins.
func (a *Assembler) buildAppLayer(ctx context.Context, opts BuildOptions) (*os.File, ocispec.Descriptor, digest.Digest, error) {
	f, err := os.CreateTemp("", "klt-layer-*.tar.gz")
	if err != nil {
		return nil, ocispec.Descriptor{}, "", fmt.Errorf("create layer spool file: %w", err)
	}

	b := layer.NewBuilder(a.logger())
	res, err := b.Build(ctx, opts.AppLayerDir, opts.AppLayerPrefix, opts.LayerMTime, f)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, ocispec.Descriptor{}, "", fmt.Errorf("%w: %v", errdef.ErrLayerBuildFailure, err)
	}

	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayerGzip,
		Digest:    res.CompressedDigest,
		Size:      res.CompressedSize,
	}
	return f, desc, res.UncompressedDigest, nil
}

// uploadBaseLayers copies every base layer to the target with bounded
// parallelism, skipping layers already present and preferring a
// cross-repository mount over a full fetch-and-upload.
func (a *Assembler) uploadBaseLayers(ctx context.Context, layers []ocispec.Descriptor, concurrency int64) error {
	limiter := semaphore.NewWeighted(concurrency)
	fromRepo := a.Base.Repo.Reference.Repository
	return syncutil.Go(ctx, limiter, func(ctx context.Context, _ *syncutil.LimitedRegion, desc ocispec.Descriptor) error {
		return a.copyBaseLayer(ctx, desc, fromRepo)
	}, layers...)
}

func (a *Assembler) copyBaseLayer(ctx context.Context, desc ocispec.Descriptor, fromRepo string) error {
	exists, err := a.Target.Repo.BlobExists(ctx, desc.Digest)
	if err != nil {
		return fmt.Errorf("check base layer %s on target: %w", desc.Digest, err)
	}
	if exists {
		return nil
	}

	mounted, uploadURL, err := a.Target.Repo.MountBlob(ctx, desc.Digest, fromRepo)
	if err != nil {
		return fmt.Errorf("mount base layer %s: %w", desc.Digest, err)
	}
	if mounted {
		return nil
	}

	rc, err := a.Base.Repo.FetchBlob(ctx, desc)
	if err != nil {
		return fmt.Errorf("fetch base layer %s: %w", desc.Digest, err)
	}
	defer rc.Close()

	if err := a.Target.Repo.UploadBlob(ctx, desc.Digest, desc.Size, rc, uploadURL); err != nil {
		return fmt.Errorf("upload base layer %s: %w", desc.Digest, err)
	}
	return nil
}

func (a *Assembler) uploadAppLayer(ctx context.Context, f *os.File, desc ocispec.Descriptor) error {
	defer f.Close()

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind app layer spool file: %w", err)
	}
	exists, err := a.Target.Repo.BlobExists(ctx, desc.Digest)
	if err != nil {
		return fmt.Errorf("check app layer on target: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.Target.Repo.UploadBlob(ctx, desc.Digest, desc.Size, f, ""); err != nil {
		return fmt.Errorf("upload app layer: %w", err)
	}
	return nil
}

// publishTags publishes manifestBytes under every target tag, requiring
// every tag resolve to the same digest the first one did.
func (a *Assembler) publishTags(ctx context.Context, manifestBytes []byte) (digest.Digest, error) {
	var published digest.Digest
	for i, tag := range a.Target.Tags {
		d, err := a.Target.Repo.PutManifest(ctx, tag, manifestBytes, ocispec.MediaTypeImageManifest)
		if err != nil {
			return "", fmt.Errorf("publish tag %q: %w", tag, err)
		}
		if i == 0 {
			published = d
			continue
		}
		if d != published {
			return "", fmt.Errorf("tag %q published digest %s, want %s", tag, d, published)
		}
	}
	return published, nil
}
