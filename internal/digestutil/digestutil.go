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

// Package digestutil streams bytes through two independent SHA-256
// computations at once: the uncompressed tar digest (diff_id) and the
// gzip-compressed digest (the blob digest used on the wire), plus the
// compressed byte count, without buffering the layer in memory.
package digestutil

import (
	"compress/gzip"
	"io"

	digest "github.com/opencontainers/go-digest"
)

// TeeLayerWriter fans a tar byte stream out to a gzip encoder while hashing
// the uncompressed bytes, and hashes plus counts the gzip encoder's output.
// Callers write uncompressed tar bytes to it; the compressed bytes are
// delivered to the wrapped io.Writer (typically the registry upload body).
type TeeLayerWriter struct {
	gz             *gzip.Writer
	uncompressed   digest.Digester
	compressed     digest.Digester
	compressedSize int64
}

// compressedCounter tees the gzip writer's output into a digester and a byte
// counter before forwarding to the destination writer.
type compressedCounter struct {
	dst    io.Writer
	digest digest.Digester
	size   *int64
}

func (c *compressedCounter) Write(p []byte) (int, error) {
	n, err := c.dst.Write(p)
	if n > 0 {
		c.digest.Hash().Write(p[:n])
		*c.size += int64(n)
	}
	return n, err
}

// NewTeeLayerWriter returns a writer that gzips everything written to it into
// dst, tracking both digests and the compressed size as it goes.
func NewTeeLayerWriter(dst io.Writer) *TeeLayerWriter {
	t := &TeeLayerWriter{
		uncompressed: digest.SHA256.Digester(),
		compressed:   digest.SHA256.Digester(),
	}
	counter := &compressedCounter{dst: dst, digest: t.compressed, size: &t.compressedSize}
	t.gz = gzip.NewWriter(counter)
	return t
}

// Write implements io.Writer, accepting uncompressed tar bytes.
func (t *TeeLayerWriter) Write(p []byte) (int, error) {
	n, err := t.uncompressed.Hash().Write(p)
	if err != nil {
		return n, err
	}
	if _, err := t.gz.Write(p[:n]); err != nil {
		return n, err
	}
	return n, nil
}

// Close flushes the gzip encoder. It must be called before reading the final
// digests and size.
func (t *TeeLayerWriter) Close() error {
	return t.gz.Close()
}

// UncompressedDigest returns the SHA-256 digest of the bytes written so far
// (the diff_id).
func (t *TeeLayerWriter) UncompressedDigest() digest.Digest {
	return t.uncompressed.Digest()
}

// CompressedDigest returns the SHA-256 digest of the gzip-compressed output.
// Only valid after Close.
func (t *TeeLayerWriter) CompressedDigest() digest.Digest {
	return t.compressed.Digest()
}

// CompressedSize returns the number of compressed bytes produced. Only valid
// after Close.
func (t *TeeLayerWriter) CompressedSize() int64 {
	return t.compressedSize
}

// VerifyingReader wraps src so that a full read through to EOF verifies the
// stream hashes to want: after that read, Verified reports whether it did and
// N reports how many bytes passed through. It is used on the
// fetch path, where the digest is known up front and must be checked as the
// bytes stream past rather than after full buffering.
type VerifyingReader struct {
	src      io.Reader
	verifier digest.Verifier
	n        int64
}

// NewVerifyingReader returns a reader that verifies the bytes read from src
// hash to want.
func NewVerifyingReader(src io.Reader, want digest.Digest) *VerifyingReader {
	return &VerifyingReader{src: src, verifier: want.Verifier()}
}

func (v *VerifyingReader) Read(p []byte) (int, error) {
	n, err := v.src.Read(p)
	if n > 0 {
		v.verifier.Write(p[:n])
		v.n += int64(n)
	}
	return n, err
}

// Verified reports whether the bytes read so far hash to the expected
// digest. Only meaningful after the stream has been fully read to EOF.
func (v *VerifyingReader) Verified() bool {
	return v.verifier.Verified()
}

// N returns the number of bytes read so far.
func (v *VerifyingReader) N() int64 {
	return v.n
}
