package queue

// schema is applied by docsrs-migrate before the queue is first used. It is
// also embedded here so tests can stand up a throwaway queue table without
// depending on the migration tool.
const schema = `
CREATE TABLE IF NOT EXISTS queue (
    id          BIGSERIAL PRIMARY KEY,
    name        TEXT NOT NULL,
    version     TEXT NOT NULL,
    priority    INTEGER NOT NULL DEFAULT 0,
    registry    TEXT,
    attempt     INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    locked_at   TIMESTAMPTZ,
    UNIQUE (name, version)
);
CREATE INDEX IF NOT EXISTS idx_queue_priority_created ON queue (priority, created_at);
`
