// Package archive builds and queries the SQLite side-index that makes
// single-file lookups inside a multi-gigabyte zip archive cheap: instead of
// reading the zip's own central directory on every lookup (which requires
// downloading the tail of a potentially huge remote object), the archive
// index is a small file mapping archive-internal path -> byte range,
// queryable with one indexed lookup.
package archive

import (
	"archive/zip"
	"database/sql"
	"fmt"
	"os"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE files(id INTEGER PRIMARY KEY, path TEXT UNIQUE,
                   start INTEGER, end INTEGER, compression INTEGER);
CREATE INDEX idx_files_path ON files(path);
`

// BuildIndex walks zipPath's central directory and writes a fresh SQLite
// index at indexPath describing each entry's byte range and per-entry
// compression method. It handles archives with more than 65535 entries
// (zip64 central directories) transparently, since archive/zip already
// supports zip64.
func BuildIndex(zipPath, indexPath string) error {
	zf, err := os.Open(zipPath)
	if err != nil {
		return ctlerr.New(ctlerr.Storage, "opening archive for indexing", err)
	}
	defer zf.Close()

	info, err := zf.Stat()
	if err != nil {
		return ctlerr.New(ctlerr.Storage, "stat archive", err)
	}

	zr, err := zip.NewReader(zf, info.Size())
	if err != nil {
		return fmt.Errorf("reading zip central directory: %w", err)
	}

	_ = os.Remove(indexPath)
	db, err := sql.Open("sqlite3", indexPath)
	if err != nil {
		return fmt.Errorf("opening index db: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating index schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin index tx: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO files(path, start, end, compression) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert: %w", err)
	}

	for _, f := range zr.File {
		offset, err := f.DataOffset()
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("data offset for %s: %w", f.Name, err)
		}
		start := offset
		end := offset + int64(f.CompressedSize64) - 1
		if f.CompressedSize64 == 0 {
			end = offset - 1 // empty file: zero-length, half-open interval
		}
		if _, err := stmt.Exec(f.Name, start, end, int(f.Method)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting %s: %w", f.Name, err)
		}
	}
	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index tx: %w", err)
	}

	// VACUUM must run outside any transaction.
	if _, err := db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum index: %w", err)
	}
	return nil
}

// Index is a read-only handle on an already-built archive index, opened
// with synchronous=OFF since it is immutable and only ever read.
type Index struct {
	db *sql.DB
}

// OpenIndex opens indexPath read-only for lookups.
func OpenIndex(indexPath string) (*Index, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_synchronous=OFF&immutable=1", indexPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", indexPath, err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying SQLite connection.
func (idx *Index) Close() error { return idx.db.Close() }

// Lookup returns the FileInfo for path, or a ctlerr.NotFound error if it is
// not present in the archive.
func (idx *Index) Lookup(path string) (types.FileInfo, error) {
	var start, end int64
	var compression int
	err := idx.db.QueryRow(`SELECT start, end, compression FROM files WHERE path = ?`, path).
		Scan(&start, &end, &compression)
	if err == sql.ErrNoRows {
		return types.FileInfo{}, ctlerr.New(ctlerr.NotFound, fmt.Sprintf("path %q not in archive", path), nil)
	}
	if err != nil {
		return types.FileInfo{}, fmt.Errorf("querying archive index: %w", err)
	}
	return types.FileInfo{
		Range:       types.ByteRange{Start: start, End: end},
		Compression: types.ZipCompression(compression),
	}, nil
}

// Exists reports whether path is present in the archive without fetching
// its byte range — the existence-check fast path used by
// rustdoc_file_exists/exists_in_archive.
func (idx *Index) Exists(path string) (bool, error) {
	var one int
	err := idx.db.QueryRow(`SELECT 1 FROM files WHERE path = ? LIMIT 1`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying archive index: %w", err)
	}
	return true, nil
}
