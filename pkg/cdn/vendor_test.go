package cdn

import (
	"strings"
	"testing"

	"github.com/cuemby/docsrs-core/pkg/types"
)

func keys(n int) []types.SurrogateKey {
	out := make([]types.SurrogateKey, n)
	for i := range out {
		out[i] = types.SurrogateKey("crate-key")
	}
	return out
}

func TestBatchSurrogateKeysRespectsCountCap(t *testing.T) {
	batches := batchSurrogateKeys(keys(1000))

	total := 0
	for _, b := range batches {
		if len(b) > maxSurrogateKeysPerBatch {
			t.Fatalf("batch of %d exceeds the %d-key cap", len(b), maxSurrogateKeysPerBatch)
		}
		total += len(b)
	}
	if total != 1000 {
		t.Fatalf("expected all 1000 keys across batches, got %d", total)
	}
	wantBatches := (1000 + maxSurrogateKeysPerBatch - 1) / maxSurrogateKeysPerBatch
	if len(batches) != wantBatches {
		t.Errorf("expected %d batches for 1000 keys, got %d", wantBatches, len(batches))
	}
}

func TestBatchSurrogateKeysRespectsHeaderLengthCap(t *testing.T) {
	long := strings.Repeat("x", maxSurrogateKeyHeaderBytes/10)
	in := make([]types.SurrogateKey, 20)
	for i := range in {
		in[i] = types.SurrogateKey(long)
	}

	batches := batchSurrogateKeys(in)
	for _, b := range batches {
		if len(types.NewSurrogateKeys(b...).Header()) > maxSurrogateKeyHeaderBytes {
			t.Fatalf("batch header exceeds %d bytes", maxSurrogateKeyHeaderBytes)
		}
	}
}

func TestBatchSurrogateKeysEmpty(t *testing.T) {
	if batches := batchSurrogateKeys(nil); len(batches) != 0 {
		t.Errorf("expected no batches for an empty key set, got %d", len(batches))
	}
}

func TestPathPatternsWebVsStatic(t *testing.T) {
	web := pathPatterns("tokio", DistributionWeb)
	if len(web) != 2 {
		t.Fatalf("expected 2 web patterns, got %v", web)
	}
	static := pathPatterns("tokio", DistributionStatic)
	if len(static) != 3 || static[2] != "/rustdoc/tokio*" {
		t.Fatalf("expected a third /rustdoc/ pattern for static distributions, got %v", static)
	}
}
