package cdn

// schema is applied by docsrs-migrate before this package is first used; it
// is also embedded here so tests can stand up throwaway tables without
// depending on the migration tool, matching pkg/queue's schema.go pattern.
const schema = `
CREATE TABLE IF NOT EXISTS cdn_invalidation_queue (
    id              BIGSERIAL PRIMARY KEY,
    crate           TEXT NOT NULL,
    distribution_id TEXT NOT NULL,
    path_pattern    TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    queued_at       TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ,
    invalidation_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_cdn_invalidation_queue_pending
    ON cdn_invalidation_queue (distribution_id, queued_at, completed_at);
`
