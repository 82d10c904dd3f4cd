package compress

import (
	"bytes"
	"testing"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/types"
)

func TestRoundTripAllAlgorithms(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 200)
	for _, alg := range []types.CompressionAlgorithm{types.CompressionZstd, types.CompressionBzip2, types.CompressionGzip} {
		t.Run(alg.String(), func(t *testing.T) {
			compressed, err := Compress(data, alg)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			got, err := Decompress(compressed, alg, -1)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("round trip mismatch for %s", alg)
			}
		})
	}
}

func TestDecompressSizeLimitExceeded(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 4096)
	compressed, err := Compress(data, types.CompressionZstd)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	_, err = Decompress(compressed, types.CompressionZstd, int64(len(data)-1))
	if !ctlerr.IsKind(err, ctlerr.SizeLimit) {
		t.Fatalf("expected SizeLimit error, got %v", err)
	}
}

func TestDecompressAtExactSizeSucceeds(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 2048)
	compressed, err := Compress(data, types.CompressionGzip)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	got, err := Decompress(compressed, types.CompressionGzip, int64(len(data)))
	if err != nil {
		t.Fatalf("Decompress at exact size: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("mismatch")
	}
}

func TestFileExtensionReversible(t *testing.T) {
	for _, alg := range []types.CompressionAlgorithm{types.CompressionZstd, types.CompressionBzip2, types.CompressionGzip} {
		ext := alg.FileExtension()
		back, ok := types.ExtensionToAlgorithm(ext)
		if !ok || back != alg {
			t.Errorf("extension round trip failed for %s", alg)
		}
	}
}
