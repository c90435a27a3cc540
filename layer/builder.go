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

// Package layer builds the single application layer klt adds on top of a
// base image: a gzipped tar of a local directory, streamed through the same
// dual-digest machinery the registry client uses to verify blobs on the way
// in, so that the compressed digest put in the manifest and the uncompressed
// diff_id put in rootfs.diff_ids are both known without ever holding the
// whole layer in memory at once.
package layer

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/kleinladungstraeger/klt/internal/digestutil"
)

// Result is what a successful Build reports back to the image assembler:
// the descriptor fields of the compressed (on-wire) blob, plus the
// uncompressed diff_id that goes in the image config's rootfs.
type Result struct {
	CompressedDigest   digest.Digest
	CompressedSize     int64
	UncompressedDigest digest.Digest
}

// Builder produces a single application layer from a directory tree.
type Builder struct {
	// Logger receives a warning for every filesystem entry skipped because
	// it is neither a regular file, directory, nor symlink. Defaults to a
	// no-op logger if nil.
	Logger logrus.FieldLogger
}

// NewBuilder returns a Builder that logs skipped entries to logger.
func NewBuilder(logger logrus.FieldLogger) *Builder {
	return &Builder{Logger: logger}
}

func (b *Builder) logger() logrus.FieldLogger {
	if b.Logger != nil {
		return b.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Build walks root in lexicographically sorted order and writes a gzipped
// tar of its contents to dst, with every path prefixed by prefix. mtime is
// stamped on every entry (the recipe's fixed epoch, or the zero Unix time);
// uid/gid/uname/gname are always zeroed for reproducibility. Symlinks are
// stored as symlink entries and never followed. Character devices, block
// devices, FIFOs, and sockets are skipped with a warning. Files sharing a
// (dev, inode) pair are emitted as tar hardlink entries after the first
// occurrence.
//
// Build returns once dst has received the complete gzip stream; it does not
// itself stream across a network boundary, but the caller can make dst the
// request body of an in-progress upload to avoid buffering the layer twice.
func (b *Builder) Build(ctx context.Context, root, prefix string, mtime time.Time, dst io.Writer) (*Result, error) {
	if mtime.IsZero() {
		mtime = time.Unix(0, 0).UTC()
	}
	entries, err := walkSorted(root)
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", root, err)
	}

	tw := digestutil.NewTeeLayerWriter(dst)
	archive := tar.NewWriter(tw)

	seen := make(map[inodeKey]string) // (dev, inode) -> first tar path written
	log := b.logger()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tarPath, err := tarEntryPath(prefix, e.relPath)
		if err != nil {
			return nil, fmt.Errorf("layer build: %w", err)
		}

		info := e.info
		mode := info.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(e.path)
			if err != nil {
				return nil, fmt.Errorf("readlink %q: %w", e.path, err)
			}
			if err := writeSymlink(archive, tarPath, target, mtime); err != nil {
				return nil, err
			}
		case mode.IsDir():
			if err := writeDir(archive, tarPath, mtime); err != nil {
				return nil, err
			}
		case mode.IsRegular():
			if key, ok := inodeOf(info); ok {
				if firstPath, dup := seen[key]; dup {
					if err := writeHardlink(archive, tarPath, firstPath, mtime); err != nil {
						return nil, err
					}
					continue
				}
				seen[key] = tarPath
			}
			if err := writeRegular(archive, tarPath, e.path, info, mtime); err != nil {
				return nil, err
			}
		default:
			log.WithField("path", e.path).Warn("layer build: skipping unsupported file type")
		}
	}

	if err := archive.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}

	return &Result{
		CompressedDigest:   tw.CompressedDigest(),
		CompressedSize:     tw.CompressedSize(),
		UncompressedDigest: tw.UncompressedDigest(),
	}, nil
}

type inodeKey struct {
	dev, ino uint64
}

// inodeOf extracts the (dev, inode) pair identifying a regular file on disk,
// used for hardlink detection. It reports false when the platform's
// fs.FileInfo does not expose a *syscall.Stat_t (never the case on linux,
// klt's only supported build target).
func inodeOf(info fs.FileInfo) (inodeKey, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return inodeKey{}, false
	}
	if st.Nlink <= 1 {
		return inodeKey{}, false
	}
	return inodeKey{dev: uint64(st.Dev), ino: st.Ino}, true
}

type dirEntry struct {
	path    string
	relPath string
	info    fs.FileInfo
}

// walkSorted returns every entry under root, sorted lexicographically by
// relative path for deterministic tar output. It uses Lstat throughout so
// symlinks are reported as symlinks rather than resolved.
func walkSorted(root string) ([]dirEntry, error) {
	var entries []dirEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", p, err)
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relativize %q: %w", p, err)
		}
		entries = append(entries, dirEntry{path: p, relPath: filepath.ToSlash(rel), info: info})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })
	return entries, nil
}

// tarEntryPath joins prefix and rel into a tar path, rejecting anything that
// would escape the layer root: an absolute rel or one with leading ".."
// segments is refused outright (the layer builder's own walk never produces
// them for non-symlink entries), and so is a prefix whose ".." segments
// carry the joined path above the root.
func tarEntryPath(prefix, rel string) (string, error) {
	clean := path.Clean(rel)
	if clean == "." || clean == "" {
		return "", fmt.Errorf("empty entry path")
	}
	if strings.HasPrefix(clean, "../") || clean == ".." || path.IsAbs(clean) {
		return "", fmt.Errorf("entry path %q escapes layer root", rel)
	}
	full := path.Join(strings.TrimPrefix(prefix, "/"), clean)
	if full == ".." || strings.HasPrefix(full, "../") {
		return "", fmt.Errorf("entry path %q escapes layer root", full)
	}
	return full, nil
}

func writeRegular(archive *tar.Writer, tarPath, diskPath string, info fs.FileInfo, mtime time.Time) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     tarPath,
		Size:     info.Size(),
		Mode:     regularMode(info),
		ModTime:  mtime,
	}
	zeroOwner(hdr)
	if err := archive.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %q: %w", tarPath, err)
	}
	f, err := os.Open(diskPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", diskPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(archive, f); err != nil {
		return fmt.Errorf("copy %q into layer: %w", diskPath, err)
	}
	return nil
}

func writeDir(archive *tar.Writer, tarPath string, mtime time.Time) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     tarPath + "/",
		Mode:     0o755,
		ModTime:  mtime,
	}
	zeroOwner(hdr)
	if err := archive.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %q: %w", tarPath, err)
	}
	return nil
}

func writeSymlink(archive *tar.Writer, tarPath, target string, mtime time.Time) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeSymlink,
		Name:     tarPath,
		Linkname: target,
		Mode:     0o777,
		ModTime:  mtime,
	}
	zeroOwner(hdr)
	if err := archive.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %q: %w", tarPath, err)
	}
	return nil
}

func writeHardlink(archive *tar.Writer, tarPath, linkTo string, mtime time.Time) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeLink,
		Name:     tarPath,
		Linkname: linkTo,
		ModTime:  mtime,
	}
	zeroOwner(hdr)
	if err := archive.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %q: %w", tarPath, err)
	}
	return nil
}

// regularMode derives the tar mode from the source's read/execute bits
// only: 0755 for anything executable by its owner, 0644 otherwise. Write
// bits and group/other permissions on disk are not reproduced, keeping the
// layer's bytes (and hence its digest) independent of the build host's umask.
func regularMode(info fs.FileInfo) int64 {
	if info.Mode()&0o100 != 0 {
		return 0o755
	}
	return 0o644
}

func zeroOwner(hdr *tar.Header) {
	hdr.Uid = 0
	hdr.Gid = 0
	hdr.Uname = ""
	hdr.Gname = ""
}
