// Package types defines the core data model shared by every component of
// docsrs-core: crate names and versions, the build queue row shape and its
// priority classes, build records and the release-level status they
// aggregate into, stored blobs and archive index entries, and the small set
// of persisted configuration keys.
//
// Types here are deliberately dumb: validation happens once at construction
// (CrateName, Version), and everything downstream treats the result as
// opaque. This mirrors the teacher's pkg/types package, which plays the same
// role for cluster topology instead of release metadata.
package types
