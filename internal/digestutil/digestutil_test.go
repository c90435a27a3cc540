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

package digestutil

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestTeeLayerWriter_DigestsAndSize(t *testing.T) {
	tarBytes := []byte(strings.Repeat("a sample tar entry body\n", 200))

	var dst bytes.Buffer
	tw := NewTeeLayerWriter(&dst)

	// Written in multiple chunks, the way a tar writer streams header then
	// body then padding, rather than one single Write call.
	const chunkSize = 37
	for i := 0; i < len(tarBytes); i += chunkSize {
		end := i + chunkSize
		if end > len(tarBytes) {
			end = len(tarBytes)
		}
		n, err := tw.Write(tarBytes[i:end])
		require.NoError(t, err)
		require.Equal(t, end-i, n)
	}
	require.NoError(t, tw.Close())

	require.Equal(t, digest.FromBytes(tarBytes), tw.UncompressedDigest())

	gzipped := dst.Bytes()
	require.Equal(t, digest.FromBytes(gzipped), tw.CompressedDigest())
	require.EqualValues(t, len(gzipped), tw.CompressedSize())

	zr, err := gzip.NewReader(bytes.NewReader(gzipped))
	require.NoError(t, err)
	roundTripped, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, tarBytes, roundTripped)
}

func TestTeeLayerWriter_EmptyStream(t *testing.T) {
	var dst bytes.Buffer
	tw := NewTeeLayerWriter(&dst)
	require.NoError(t, tw.Close())

	require.Equal(t, digest.FromBytes(nil), tw.UncompressedDigest())
	require.Equal(t, digest.FromBytes(dst.Bytes()), tw.CompressedDigest())
	require.EqualValues(t, dst.Len(), tw.CompressedSize())
}

func TestTeeLayerWriter_DigestsDifferForDifferentContent(t *testing.T) {
	digestOf := func(content []byte) (uncompressed, compressed digest.Digest) {
		var dst bytes.Buffer
		tw := NewTeeLayerWriter(&dst)
		_, err := tw.Write(content)
		require.NoError(t, err)
		require.NoError(t, tw.Close())
		return tw.UncompressedDigest(), tw.CompressedDigest()
	}

	u1, c1 := digestOf([]byte("layer one contents"))
	u2, c2 := digestOf([]byte("layer two, a different size and payload"))

	require.NotEqual(t, u1, u2)
	require.NotEqual(t, c1, c2)
}

func TestVerifyingReader_Verified(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	want := digest.FromBytes(content)

	vr := NewVerifyingReader(bytes.NewReader(content), want)
	got, err := io.ReadAll(vr)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.True(t, vr.Verified())
	require.EqualValues(t, len(content), vr.N())
}

func TestVerifyingReader_NotVerifiedOnMismatch(t *testing.T) {
	content := []byte("actual bytes delivered by the registry")
	wrongWant := digest.FromBytes([]byte("a completely different blob"))

	vr := NewVerifyingReader(bytes.NewReader(content), wrongWant)
	_, err := io.ReadAll(vr)
	require.NoError(t, err) // Read itself doesn't fail; only Verified() reports the mismatch
	require.False(t, vr.Verified())
}

func TestVerifyingReader_NotVerifiedBeforeFullRead(t *testing.T) {
	content := []byte("a blob long enough to require more than one Read call, padded")
	want := digest.FromBytes(content)

	vr := NewVerifyingReader(bytes.NewReader(content), want)
	buf := make([]byte, 8)
	n, err := vr.Read(buf)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	// Only a prefix has been hashed so far; the digest can't have matched yet.
	require.False(t, vr.Verified())
	require.EqualValues(t, n, vr.N())
}

func TestVerifyingReader_PropagatesUnderlyingReadError(t *testing.T) {
	boom := io.ErrUnexpectedEOF
	vr := NewVerifyingReader(&errReader{err: boom}, digest.FromBytes([]byte("x")))

	_, err := vr.Read(make([]byte, 16))
	require.ErrorIs(t, err, boom)
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }
