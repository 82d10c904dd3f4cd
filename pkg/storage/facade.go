package storage

import (
	"archive/zip"
	"compress/flate"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/docsrs-core/pkg/archive"
	"github.com/cuemby/docsrs-core/pkg/compress"
	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/types"
	"github.com/dsnet/compress/bzip2"
	lru "github.com/hashicorp/golang-lru"
)

// withRetry runs fn through ctlerr.Retry, tagging any error that isn't
// already a *ctlerr.Error as Storage so the backend's raw AWS/filesystem
// errors become retryable per spec.md §7's transient-Storage-error policy
// without masking an already-classified error such as NotFound.
func withRetry(ctx context.Context, op string, fn func() error) error {
	return ctlerr.Retry(ctx, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var e *ctlerr.Error
		if errors.As(err, &e) {
			return err
		}
		return ctlerr.New(ctlerr.Storage, op, err)
	})
}

// mimeForPath derives a MIME type from a path's extension, falling back to a
// generic octet-stream for extensions the stdlib table doesn't know (the
// object store never stores MIME metadata separately from the path itself).
func mimeForPath(path string) string {
	if m := mime.TypeByExtension(filepath.Ext(path)); m != "" {
		return m
	}
	return "application/octet-stream"
}

// etagFor computes the deterministic, quoted MD5 hex digest spec.md requires
// every returned Blob to carry, bound to the exact bytes served.
func etagFor(content []byte) string {
	sum := md5.Sum(content)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// zipBzip2Method is the zip-spec method number for Bzip2-compressed entries.
// Every archive this façade writes uses it for every entry, per the
// compression selection policy (archive entries are always Bzip2).
const zipBzip2Method = uint16(types.ZipBzip2)

func init() {
	zip.RegisterCompressor(zipBzip2Method, func(w io.Writer) (io.WriteCloser, error) {
		return bzip2.NewWriter(w, nil)
	})
	zip.RegisterDecompressor(zipBzip2Method, func(r io.Reader) io.ReadCloser {
		dec, err := bzip2.NewReader(r, nil)
		if err != nil {
			return io.NopCloser(errReader{err})
		}
		return dec
	})
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// chooseCompression implements the outer-level selection policy: textual,
// already-compressible web assets get Zstd; everything else is stored
// uncompressed at the outer level (archive entries always use Bzip2
// regardless of this policy, applied separately in StoreAllInArchive).
func chooseCompression(mime string) types.CompressionAlgorithm {
	switch {
	case strings.HasPrefix(mime, "text/html"),
		strings.HasPrefix(mime, "text/css"),
		strings.HasPrefix(mime, "application/javascript"),
		strings.HasPrefix(mime, "text/javascript"),
		strings.HasPrefix(mime, "application/json"):
		return types.CompressionZstd
	default:
		return types.CompressionNone
	}
}

// DefaultIndexCacheSize is the number of archive indexes kept open and
// memory-resident at once when a caller passes a non-positive cacheSize to
// NewFacade. Each is a handful of KB of SQLite state, so a few hundred
// entries costs little and saves a re-download on every request for a
// recently-viewed crate.
const DefaultIndexCacheSize = 256

// Facade is the public API the rest of the service uses to read and write
// documentation content: it hides whether a file lives standalone or packed
// inside a per-release zip archive, and caches the archive side-indexes that
// make random access into those archives cheap.
type Facade struct {
	backend  Backend
	cacheDir string

	mu      sync.Mutex
	pending map[string]chan struct{} // in-flight index downloads, by cache key
	indexes *lru.Cache               // cache key -> *archive.Index
}

// NewFacade wraps backend with an archive-index cache rooted at cacheDir,
// bounded at cacheSize entries (ARCHIVE_INDEX_EXPECTED_COUNT). cacheSize <= 0
// falls back to DefaultIndexCacheSize.
func NewFacade(backend Backend, cacheDir string, cacheSize int) (*Facade, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive index cache dir: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultIndexCacheSize
	}
	f := &Facade{backend: backend, cacheDir: cacheDir, pending: make(map[string]chan struct{})}
	cache, err := lru.NewWithEvict(cacheSize, f.onEvict)
	if err != nil {
		return nil, fmt.Errorf("creating index cache: %w", err)
	}
	f.indexes = cache
	return f, nil
}

// onEvict closes the evicted index and removes its cached copy from disk, so
// the on-disk cache under cacheDir stays bounded by the same LRU policy as
// the in-memory one rather than growing without limit.
func (f *Facade) onEvict(key, value interface{}) {
	if idx, ok := value.(*archive.Index); ok {
		_ = idx.Close()
	}
	if k, ok := key.(string); ok {
		_ = os.Remove(filepath.Join(f.cacheDir, k))
	}
}

// archivePath and indexPath follow the reserved object-store layout exactly:
// "{kind}/{crate}/{version}.zip" and "{kind}/{crate}/{version}.zip.index".
func archivePath(kind types.ArchiveKind, crate, version string) string {
	return fmt.Sprintf("%s/%s/%s.zip", kind, crate, version)
}

func indexPath(kind types.ArchiveKind, crate, version string) string {
	return archivePath(kind, crate, version) + ".index"
}

// Ping probes the backend directly (bypassing the archive-index cache) for
// reachability, the entry point pkg/health's storage checker uses.
func (f *Facade) Ping(ctx context.Context) error {
	_, err := f.backend.Exists(ctx, "")
	return err
}

// StoreOne uploads a single standalone blob, choosing its outer compression
// algorithm from mime per the selection policy, and reports which algorithm
// it picked.
func (f *Facade) StoreOne(ctx context.Context, path string, content []byte, mime string) (types.CompressionAlgorithm, error) {
	alg := chooseCompression(mime)
	encoded, err := compress.Compress(content, alg)
	if err != nil {
		return alg, fmt.Errorf("compressing %s: %w", path, err)
	}
	blob := types.Blob{Path: path, Mime: mime, Content: encoded, Compression: &alg}
	err = withRetry(ctx, "storing "+path, func() error { return f.backend.StoreBatch(ctx, []types.Blob{blob}) })
	return alg, err
}

// StoreOneUncompressed uploads a single blob with no outer compression —
// used for content the CDN must serve byte-exact (e.g. the crate's own
// source archive).
func (f *Facade) StoreOneUncompressed(ctx context.Context, path string, content []byte, mime string) error {
	none := types.CompressionNone
	blob := types.Blob{Path: path, Mime: mime, Content: content, Compression: &none}
	return withRetry(ctx, "storing "+path, func() error { return f.backend.StoreBatch(ctx, []types.Blob{blob}) })
}

// Get fetches a standalone blob in full, raw (no decompression — the caller
// already knows from the path template whether the stored bytes need
// decompressing; use GetCompressed when they do), enforcing maxSize while
// streaming the read.
func (f *Facade) Get(ctx context.Context, path string, maxSize int64) (types.Blob, error) {
	var rc io.ReadCloser
	err := withRetry(ctx, "fetching "+path, func() error {
		var err error
		rc, err = f.backend.GetStream(ctx, path, nil)
		return err
	})
	if err != nil {
		return types.Blob{}, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(compress.LimitReader(rc, maxSize))
	if err != nil {
		return types.Blob{}, fmt.Errorf("reading blob %s: %w", path, err)
	}
	return types.Blob{Path: path, Mime: mimeForPath(path), Content: raw, ContentLength: int64(len(raw)), ETag: etagFor(raw)}, nil
}

// GetCompressed fetches and decompresses a blob stored with alg, enforcing
// maxSize during decompression.
func (f *Facade) GetCompressed(ctx context.Context, path string, alg types.CompressionAlgorithm, maxSize int64) (types.Blob, error) {
	var rc io.ReadCloser
	err := withRetry(ctx, "fetching "+path, func() error {
		var err error
		rc, err = f.backend.GetStream(ctx, path, nil)
		return err
	})
	if err != nil {
		return types.Blob{}, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return types.Blob{}, fmt.Errorf("reading blob %s: %w", path, err)
	}
	content, err := compress.Decompress(raw, alg, maxSize)
	if err != nil {
		return types.Blob{}, err
	}
	return types.Blob{Path: path, Mime: mimeForPath(path), Content: content, ContentLength: int64(len(content)), ETag: etagFor(content)}, nil
}

// StoreAllInArchive walks rootDir, writes a deterministic zip archive with
// every entry compressed with Bzip2, builds its side-index, and uploads both
// the archive and the index. It reports the entries written and the outer
// compression chosen for the archive blob itself (always None — the zip's
// own mime type never matches the Zstd-eligible set).
func (f *Facade) StoreAllInArchive(ctx context.Context, kind types.ArchiveKind, crate, version, rootDir string) ([]types.ArchiveEntry, types.CompressionAlgorithm, error) {
	none := types.CompressionNone

	var relPaths []string
	err := filepath.WalkDir(rootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(rootDir, path)
		if err != nil {
			return err
		}
		relPaths = append(relPaths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, none, fmt.Errorf("walking build output %s: %w", rootDir, err)
	}
	sort.Strings(relPaths) // deterministic archive layout

	tmpZip, err := os.CreateTemp("", "docsrs-archive-*.zip")
	if err != nil {
		return nil, none, fmt.Errorf("creating temp archive: %w", err)
	}
	tmpZipPath := tmpZip.Name()
	defer os.Remove(tmpZipPath)

	zw := zip.NewWriter(tmpZip)
	entries := make([]types.ArchiveEntry, 0, len(relPaths))
	for _, rel := range relPaths {
		full := filepath.Join(rootDir, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			zw.Close()
			tmpZip.Close()
			return nil, none, fmt.Errorf("stat %s: %w", full, err)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: rel, Method: zipBzip2Method, Modified: info.ModTime()})
		if err != nil {
			zw.Close()
			tmpZip.Close()
			return nil, none, fmt.Errorf("creating archive entry %s: %w", rel, err)
		}
		content, err := os.ReadFile(full)
		if err != nil {
			zw.Close()
			tmpZip.Close()
			return nil, none, fmt.Errorf("reading %s: %w", full, err)
		}
		if _, err := w.Write(content); err != nil {
			zw.Close()
			tmpZip.Close()
			return nil, none, fmt.Errorf("writing archive entry %s: %w", rel, err)
		}
		entries = append(entries, types.ArchiveEntry{Path: rel, Size: int64(len(content))})
	}
	if err := zw.Close(); err != nil {
		tmpZip.Close()
		return nil, none, fmt.Errorf("closing archive writer: %w", err)
	}
	if err := tmpZip.Close(); err != nil {
		return nil, none, fmt.Errorf("closing temp archive file: %w", err)
	}

	localIndexPath := tmpZipPath + ".index"
	if err := archive.BuildIndex(tmpZipPath, localIndexPath); err != nil {
		return nil, none, fmt.Errorf("building archive index for %s-%s: %w", crate, version, err)
	}
	defer os.Remove(localIndexPath)

	zipContent, err := os.ReadFile(tmpZipPath)
	if err != nil {
		return nil, none, fmt.Errorf("reading built archive: %w", err)
	}
	indexContent, err := os.ReadFile(localIndexPath)
	if err != nil {
		return nil, none, fmt.Errorf("reading built archive index: %w", err)
	}

	err = withRetry(ctx, fmt.Sprintf("uploading archive for %s-%s", crate, version), func() error {
		return f.backend.StoreBatch(ctx, []types.Blob{
			{Path: archivePath(kind, crate, version), Mime: "application/zip", Content: zipContent, Compression: &none},
			{Path: indexPath(kind, crate, version), Mime: "application/x-sqlite3", Content: indexContent, Compression: &none},
		})
	})
	if err != nil {
		return nil, none, fmt.Errorf("uploading archive for %s-%s: %w", crate, version, err)
	}
	return entries, none, nil
}

// GetFromArchive is the hot path: it resolves innerPath via the release's
// cached side-index, issues a single ranged read against the archive, and
// decompresses the zip container's own per-entry compression — enforcing
// maxSize while streaming that decompression, exactly like a standalone
// blob's Get.
func (f *Facade) GetFromArchive(ctx context.Context, kind types.ArchiveKind, crate, version, innerPath string, maxSize int64) (types.Blob, error) {
	idx, err := f.getIndex(ctx, kind, crate, version)
	if err != nil {
		return types.Blob{}, err
	}
	info, err := idx.Lookup(innerPath)
	if err != nil {
		return types.Blob{}, err
	}
	var raw io.ReadCloser
	err = withRetry(ctx, fmt.Sprintf("fetching archive entry %s for %s-%s", innerPath, crate, version), func() error {
		var err error
		raw, err = f.backend.GetStream(ctx, archivePath(kind, crate, version), &info.Range)
		return err
	})
	if err != nil {
		return types.Blob{}, err
	}
	entryReader, err := wrapZipEntryReader(raw, info.Compression)
	if err != nil {
		return types.Blob{}, err
	}
	defer entryReader.Close()

	content, err := io.ReadAll(compress.LimitReader(entryReader, maxSize))
	if err != nil {
		return types.Blob{}, fmt.Errorf("reading archive entry %s: %w", innerPath, err)
	}
	return types.Blob{
		Path:          innerPath,
		Mime:          mimeForPath(innerPath),
		Content:       content,
		ContentLength: int64(len(content)),
		ETag:          etagFor(content),
	}, nil
}

// ExistsInArchive reports whether innerPath is present in the release's
// archive without fetching its content.
func (f *Facade) ExistsInArchive(ctx context.Context, kind types.ArchiveKind, crate, version, innerPath string) (bool, error) {
	idx, err := f.getIndex(ctx, kind, crate, version)
	if err != nil {
		return false, err
	}
	return idx.Exists(innerPath)
}

// RustdocFileExists reports whether a generated rustdoc HTML page exists for
// a release — the entry point the front-end's 404 redirect logic depends on.
func (f *Facade) RustdocFileExists(ctx context.Context, crate, version, htmlPath string) (bool, error) {
	return f.ExistsInArchive(ctx, types.ArchiveRustdoc, crate, version, htmlPath)
}

// rustdocJSONPath builds the "rustdoc-json/{crate}/{version}/{target}/
// {crate}_{version}_{target}_{formatVersion}.json[.ext]" path spec.md §4.D
// and §6 reserve for rustdoc's machine-readable JSON output. Unlike
// ArchiveRustdoc/ArchiveSources this kind is one standalone blob per
// (crate, version, target) rather than a zip with a side-index.
func rustdocJSONPath(crate, version, target, formatVersion, ext string) string {
	name := fmt.Sprintf("%s_%s_%s_%s.json", crate, version, target, formatVersion)
	if ext != "" {
		name += "." + ext
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", types.ArchiveRustdocJSON, crate, version, target, name)
}

// StoreRustdocJSON uploads one rustdoc-json output file for (crate, version,
// target), choosing its outer compression the same way StoreOne does.
func (f *Facade) StoreRustdocJSON(ctx context.Context, crate, version, target, formatVersion, ext string, content []byte) (types.CompressionAlgorithm, error) {
	path := rustdocJSONPath(crate, version, target, formatVersion, ext)
	return f.StoreOne(ctx, path, content, mimeForPath(path))
}

// GetRustdocJSON fetches one rustdoc-json output file, capped by maxSize.
func (f *Facade) GetRustdocJSON(ctx context.Context, crate, version, target, formatVersion, ext string, maxSize int64) (types.Blob, error) {
	path := rustdocJSONPath(crate, version, target, formatVersion, ext)
	return f.Get(ctx, path, maxSize)
}

// RustdocJSONExists reports whether a rustdoc-json output file exists for
// (crate, version, target) without downloading it.
func (f *Facade) RustdocJSONExists(ctx context.Context, crate, version, target, formatVersion, ext string) (bool, error) {
	path := rustdocJSONPath(crate, version, target, formatVersion, ext)
	var exists bool
	err := withRetry(ctx, "checking rustdoc-json "+path, func() error {
		var err error
		exists, err = f.backend.Exists(ctx, path)
		return err
	})
	return exists, err
}

// DeleteCrate removes every rustdoc, sources, and rustdoc-json object
// belonging to crate, across all of its versions — the registry watcher's
// crate-deleted path.
func (f *Facade) DeleteCrate(ctx context.Context, crate string) error {
	for _, kind := range []types.ArchiveKind{types.ArchiveRustdoc, types.ArchiveSources, types.ArchiveRustdocJSON} {
		if err := f.backend.DeletePrefix(ctx, fmt.Sprintf("%s/%s/", kind, crate)); err != nil {
			return fmt.Errorf("deleting %s objects for crate %s: %w", kind, crate, err)
		}
	}
	return nil
}

// DeleteVersion removes the rustdoc archive, sources archive, and any
// rustdoc-json output (plus indexes) for one release of a crate — the
// registry watcher's version-deleted path. rustdoc-json has no single
// archivePath (it is one blob per target under a version prefix), so it is
// deleted by prefix rather than by exact path like the other two kinds.
func (f *Facade) DeleteVersion(ctx context.Context, crate, version string) error {
	if err := f.backend.DeletePrefix(ctx, fmt.Sprintf("%s/%s/%s/", types.ArchiveRustdocJSON, crate, version)); err != nil {
		return fmt.Errorf("deleting %s objects for %s@%s: %w", types.ArchiveRustdocJSON, crate, version, err)
	}
	for _, kind := range []types.ArchiveKind{types.ArchiveRustdoc, types.ArchiveSources} {
		if err := f.backend.DeletePrefix(ctx, archivePath(kind, crate, version)); err != nil {
			return fmt.Errorf("deleting %s objects for %s@%s: %w", kind, crate, version, err)
		}
		f.mu.Lock()
		f.indexes.Remove(indexPath(kind, crate, version))
		f.mu.Unlock()
	}
	return nil
}

// getIndex returns the cached archive.Index for (crate, version), downloading
// and opening it on first use. Concurrent callers for the same release share
// a single download.
func (f *Facade) getIndex(ctx context.Context, kind types.ArchiveKind, crate, version string) (*archive.Index, error) {
	key := indexPath(kind, crate, version)

	f.mu.Lock()
	if cached, ok := f.indexes.Get(key); ok {
		f.mu.Unlock()
		return cached.(*archive.Index), nil
	}
	if wait, inFlight := f.pending[key]; inFlight {
		f.mu.Unlock()
		<-wait
		return f.getIndex(ctx, kind, crate, version)
	}
	done := make(chan struct{})
	f.pending[key] = done
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.pending, key)
		f.mu.Unlock()
		close(done)
	}()

	localPath := filepath.Join(f.cacheDir, key)
	if _, err := os.Stat(localPath); err != nil {
		if err := f.downloadIndex(ctx, key, localPath); err != nil {
			return nil, err
		}
	}
	idx, err := archive.OpenIndex(localPath)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.indexes.Add(key, idx)
	f.mu.Unlock()
	return idx, nil
}

func (f *Facade) downloadIndex(ctx context.Context, key, localPath string) error {
	var rc io.ReadCloser
	err := withRetry(ctx, "fetching archive index "+key, func() error {
		var err error
		rc, err = f.backend.GetStream(ctx, key, nil)
		return err
	})
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("creating index cache subdir: %w", err)
	}
	tmp := localPath + ".downloading"
	w, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		os.Remove(tmp)
		return fmt.Errorf("downloading index %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing downloaded index: %w", err)
	}
	return nil
}

// wrapZipEntryReader decompresses the zip container's own per-entry
// compression method, distinct from the outer archive's CompressionAlgorithm.
func wrapZipEntryReader(raw io.ReadCloser, method types.ZipCompression) (io.ReadCloser, error) {
	switch method {
	case types.ZipStore:
		return raw, nil
	case types.ZipDeflate:
		fr := flate.NewReader(raw)
		return &joinedCloser{Reader: fr, closers: []io.Closer{fr, raw}}, nil
	case types.ZipBzip2:
		br, err := bzip2.NewReader(raw, nil)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("opening zip-entry bzip2 stream: %w", err)
		}
		return &joinedCloser{Reader: br, closers: []io.Closer{br, raw}}, nil
	default:
		raw.Close()
		return nil, ctlerr.New(ctlerr.Storage, "unsupported zip entry compression method", nil)
	}
}

// joinedCloser closes every wrapped closer, in order, on Close.
type joinedCloser struct {
	io.Reader
	closers []io.Closer
}

func (j *joinedCloser) Close() error {
	var first error
	for _, c := range j.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
