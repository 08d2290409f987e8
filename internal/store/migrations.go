package store

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS items (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    ambassador      TEXT NOT NULL,
    platform        TEXT NOT NULL,
    url             TEXT NOT NULL UNIQUE,
    external_id     TEXT NOT NULL,
    submitted_at    DATETIME,
    last_updated_at DATETIME,
    finalized       BOOLEAN NOT NULL DEFAULT 0,
    impressions     INTEGER NOT NULL DEFAULT 0,
    likes           INTEGER NOT NULL DEFAULT 0,
    replies         INTEGER NOT NULL DEFAULT 0,
    reposts         INTEGER NOT NULL DEFAULT 0,
    UNIQUE(platform, external_id)
);

CREATE INDEX IF NOT EXISTS idx_items_platform ON items(platform);
CREATE INDEX IF NOT EXISTS idx_items_finalized ON items(finalized);
CREATE INDEX IF NOT EXISTS idx_items_ambassador ON items(ambassador);

CREATE TABLE IF NOT EXISTS daily_snapshots (
    date        TEXT PRIMARY KEY,
    total       INTEGER NOT NULL DEFAULT 0,
    delta       INTEGER NOT NULL DEFAULT 0,
    computed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS api_usage (
    scope            TEXT NOT NULL,
    month            TEXT NOT NULL,
    calls_made       INTEGER NOT NULL DEFAULT 0,
    successful_calls INTEGER NOT NULL DEFAULT 0,
    failed_calls     INTEGER NOT NULL DEFAULT 0,
    updated_at       DATETIME NOT NULL,
    PRIMARY KEY (scope, month)
);

CREATE TABLE IF NOT EXISTS api_usage_daily (
    scope            TEXT NOT NULL,
    day              TEXT NOT NULL,
    month            TEXT NOT NULL,
    calls            INTEGER NOT NULL DEFAULT 0,
    successful_calls INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (scope, day)
);

CREATE INDEX IF NOT EXISTS idx_usage_daily_month ON api_usage_daily(scope, month);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS items (
    id              BIGSERIAL PRIMARY KEY,
    ambassador      TEXT NOT NULL,
    platform        TEXT NOT NULL,
    url             TEXT NOT NULL UNIQUE,
    external_id     TEXT NOT NULL,
    submitted_at    TIMESTAMPTZ,
    last_updated_at TIMESTAMPTZ,
    finalized       BOOLEAN NOT NULL DEFAULT FALSE,
    impressions     BIGINT NOT NULL DEFAULT 0,
    likes           BIGINT NOT NULL DEFAULT 0,
    replies         BIGINT NOT NULL DEFAULT 0,
    reposts         BIGINT NOT NULL DEFAULT 0,
    UNIQUE(platform, external_id)
);

CREATE INDEX IF NOT EXISTS idx_items_platform ON items(platform);
CREATE INDEX IF NOT EXISTS idx_items_finalized ON items(finalized);
CREATE INDEX IF NOT EXISTS idx_items_ambassador ON items(ambassador);

CREATE TABLE IF NOT EXISTS daily_snapshots (
    date        TEXT PRIMARY KEY,
    total       BIGINT NOT NULL DEFAULT 0,
    delta       BIGINT NOT NULL DEFAULT 0,
    computed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS api_usage (
    scope            TEXT NOT NULL,
    month            TEXT NOT NULL,
    calls_made       INTEGER NOT NULL DEFAULT 0,
    successful_calls INTEGER NOT NULL DEFAULT 0,
    failed_calls     INTEGER NOT NULL DEFAULT 0,
    updated_at       TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (scope, month)
);

CREATE TABLE IF NOT EXISTS api_usage_daily (
    scope            TEXT NOT NULL,
    day              TEXT NOT NULL,
    month            TEXT NOT NULL,
    calls            INTEGER NOT NULL DEFAULT 0,
    successful_calls INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (scope, day)
);

CREATE INDEX IF NOT EXISTS idx_usage_daily_month ON api_usage_daily(scope, month);
`
