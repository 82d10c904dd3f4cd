package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/types"
)

// MemoryBackend is an in-process Backend used by tests and local
// development; it never touches disk.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

func (m *MemoryBackend) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *MemoryBackend) GetStream(_ context.Context, path string, rng *types.ByteRange) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[path]
	m.mu.RUnlock()
	if !ok {
		return nil, ctlerr.New(ctlerr.NotFound, "object not found: "+path, nil)
	}
	if rng == nil {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	start, end := rng.Start, rng.End
	if start < 0 || end >= int64(len(data)) || start > end {
		return nil, ctlerr.New(ctlerr.Storage, "byte range out of bounds", nil)
	}
	return io.NopCloser(bytes.NewReader(data[start : end+1])), nil
}

func (m *MemoryBackend) StoreBatch(_ context.Context, blobs []types.Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range blobs {
		m.objects[b.Path] = append([]byte(nil), b.Content...)
	}
	return nil
}

func (m *MemoryBackend) ListPrefix(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBackend) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}
