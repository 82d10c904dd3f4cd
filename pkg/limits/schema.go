package limits

// schema is applied by docsrs-migrate before this package is first used; it
// is also embedded here so tests can stand up throwaway tables without
// depending on the migration tool, matching pkg/queue's schema.go pattern.
// Neither table references pkg/releases' crates table: an override or a
// blacklist entry can be set for a crate name before that crate has ever
// been seen by the registry watcher.
const schema = `
CREATE TABLE IF NOT EXISTS sandbox_overrides (
    crate_name       TEXT PRIMARY KEY,
    max_memory_bytes BIGINT,
    max_targets      INTEGER,
    timeout_seconds  INTEGER
);

CREATE TABLE IF NOT EXISTS blacklisted_crates (
    crate_name TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
