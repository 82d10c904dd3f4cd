package releases

// schema is applied by docsrs-migrate before this package is first used; it
// is also embedded here so tests can stand up throwaway tables without
// depending on the migration tool, matching pkg/queue's schema.go pattern.
const schema = `
CREATE TABLE IF NOT EXISTS crates (
    id   BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS releases (
    id             BIGSERIAL PRIMARY KEY,
    crate_id       BIGINT NOT NULL REFERENCES crates (id) ON DELETE CASCADE,
    version        TEXT NOT NULL,
    yanked         BOOLEAN NOT NULL DEFAULT false,
    rustdoc_status BOOLEAN NOT NULL DEFAULT false,
    build_started  TIMESTAMPTZ,
    build_finished TIMESTAMPTZ,
    UNIQUE (crate_id, version)
);
CREATE INDEX IF NOT EXISTS idx_releases_crate ON releases (crate_id);

CREATE TABLE IF NOT EXISTS builds (
    id                BIGSERIAL PRIMARY KEY,
    release_id        BIGINT NOT NULL REFERENCES releases (id) ON DELETE CASCADE,
    status            TEXT NOT NULL,
    started_at        TIMESTAMPTZ NOT NULL,
    finished_at       TIMESTAMPTZ,
    toolchain_version TEXT NOT NULL,
    builder_version   TEXT NOT NULL,
    output            TEXT,
    default_target    BOOLEAN NOT NULL DEFAULT true,
    nightly_date      DATE
);
CREATE INDEX IF NOT EXISTS idx_builds_release ON builds (release_id);
`
