package types

// FileInfo is what the archive index returns for one archive-internal path:
// the byte range of its compressed payload inside the zip, plus the zip
// container's own per-entry compression method (distinct from the outer
// archive's CompressionAlgorithm, which compresses the whole zip blob).
type FileInfo struct {
	Range       ByteRange
	Compression ZipCompression
}

// ZipCompression mirrors the handful of compression methods a zip entry can
// use (store, deflate, bzip2); kept distinct from CompressionAlgorithm because it
// describes the zip container's internal per-entry method.
type ZipCompression uint16

const (
	ZipStore   ZipCompression = 0
	ZipDeflate ZipCompression = 8
	ZipBzip2   ZipCompression = 12
)

// ArchiveEntry describes one file written into an outer archive, as returned
// by the façade's store_all_in_archive.
type ArchiveEntry struct {
	Path string
	Size int64
}

// ArchiveKind selects which reserved object-store prefix a release's zip
// archive and side-index live under.
type ArchiveKind string

const (
	ArchiveRustdoc     ArchiveKind = "rustdoc"
	ArchiveSources     ArchiveKind = "sources"
	ArchiveRustdocJSON ArchiveKind = "rustdoc-json"
)
