// Package storage implements the blob storage backends (in-memory and S3)
// and the higher-level Facade that the rest of the service reads and writes
// documentation content through. The Facade hides two storage shapes behind
// one API: a release's generated documentation is packed into a single zip
// archive with a SQLite side-index (see pkg/archive) so that serving any one
// page costs one indexed lookup and one ranged GET, never a full-archive
// download; other content (source tarballs, metadata) is stored as
// standalone blobs.
package storage
