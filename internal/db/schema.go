package db

const schemaDDL = `
CREATE TABLE IF NOT EXISTS records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  record_id TEXT NOT NULL UNIQUE,
  created_at INTEGER NOT NULL,
  kind TEXT NOT NULL,
  name TEXT NOT NULL,
  value REAL,
  text TEXT,
  tags TEXT,
  synced INTEGER NOT NULL DEFAULT 0,
  pushed_at INTEGER
);

CREATE TABLE IF NOT EXISTS agent_identity (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  agent_guid TEXT NOT NULL,
  workspace_id TEXT NOT NULL,
  cert_der BLOB NOT NULL,
  sealed_key BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS push_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at INTEGER NOT NULL,
  status TEXT NOT NULL,
  kind TEXT NOT NULL,
  records_pushed INTEGER NOT NULL DEFAULT 0,
  batches INTEGER NOT NULL DEFAULT 0,
  failed_batches INTEGER NOT NULL DEFAULT 0,
  error_message TEXT,
  duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_records_synced ON records (synced, kind, created_at);
`
