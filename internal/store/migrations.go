package store

const schema = `
CREATE TABLE IF NOT EXISTS items (
    id          TEXT PRIMARY KEY,
    container   TEXT NOT NULL,
    title       TEXT NOT NULL,
    body        TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL DEFAULT 0,
    score       INTEGER NOT NULL DEFAULT 0,
    reply_count INTEGER NOT NULL DEFAULT 0,
    url         TEXT NOT NULL DEFAULT '',
    permalink   TEXT NOT NULL DEFAULT '',
    top_replies TEXT NOT NULL DEFAULT '[]',
    fetched_at  INTEGER NOT NULL,
    processed   BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_items_container ON items(container);
CREATE INDEX IF NOT EXISTS idx_items_processed ON items(processed);
CREATE INDEX IF NOT EXISTS idx_items_fetched_at ON items(fetched_at);

CREATE TABLE IF NOT EXISTS runs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at      DATETIME NOT NULL,
    completed_at    DATETIME,
    status          TEXT NOT NULL DEFAULT 'running',
    sources         TEXT NOT NULL DEFAULT '[]',
    items_fetched   INTEGER NOT NULL DEFAULT 0,
    items_processed INTEGER NOT NULL DEFAULT 0,
    signals_saved   INTEGER NOT NULL DEFAULT 0,
    errors          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS signals (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id           TEXT NOT NULL REFERENCES items(id),
    run_id            INTEGER NOT NULL REFERENCES runs(id),
    cluster_id        TEXT NOT NULL DEFAULT '',
    duplicates        TEXT NOT NULL DEFAULT '[]',
    extraction_state  TEXT NOT NULL DEFAULT 'extracted',
    summary           TEXT NOT NULL DEFAULT '',
    core_problem      TEXT NOT NULL DEFAULT '',
    target_audience   TEXT NOT NULL DEFAULT '',
    proposed_solution TEXT NOT NULL DEFAULT '',
    evidence          TEXT NOT NULL DEFAULT '[]',
    evidence_strength INTEGER NOT NULL DEFAULT 0,
    risk_flags        TEXT NOT NULL DEFAULT '[]',
    score             INTEGER NOT NULL DEFAULT 0,
    confidence        REAL NOT NULL DEFAULT 0,
    disqualified      BOOLEAN NOT NULL DEFAULT 0,
    created_at        DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_item_run ON signals(item_id, run_id);
CREATE INDEX IF NOT EXISTS idx_signals_score ON signals(score);
CREATE INDEX IF NOT EXISTS idx_signals_cluster ON signals(cluster_id);

CREATE TABLE IF NOT EXISTS processing_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     INTEGER NOT NULL REFERENCES runs(id),
    item_id    TEXT NOT NULL DEFAULT '',
    source     TEXT NOT NULL DEFAULT '',
    stage      TEXT NOT NULL,
    message    TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processing_log_run ON processing_log(run_id);

CREATE TABLE IF NOT EXISTS watchlists (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    name          TEXT NOT NULL,
    keywords      TEXT NOT NULL,
    containers    TEXT NOT NULL DEFAULT '[]',
    webhook_url   TEXT NOT NULL DEFAULT '',
    active        BOOLEAN NOT NULL DEFAULT 1,
    total_matches INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_watchlists_active ON watchlists(active);

CREATE TABLE IF NOT EXISTS alert_matches (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    watchlist_id INTEGER NOT NULL REFERENCES watchlists(id) ON DELETE CASCADE,
    signal_id    INTEGER NOT NULL REFERENCES signals(id),
    keyword      TEXT NOT NULL,
    notified     BOOLEAN NOT NULL DEFAULT 0,
    notified_at  DATETIME,
    created_at   DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_alert_matches_pair ON alert_matches(watchlist_id, signal_id);
CREATE INDEX IF NOT EXISTS idx_alert_matches_notified ON alert_matches(notified);
`
