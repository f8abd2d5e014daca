package database

// Schema creates the credential and request log tables
const Schema = `
CREATE TABLE IF NOT EXISTS api_keys (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    public_id TEXT NOT NULL UNIQUE,
    hashed_secret TEXT NOT NULL UNIQUE,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ,
    requests_per_minute_limit INTEGER NOT NULL DEFAULT 100
);

CREATE INDEX IF NOT EXISTS idx_api_keys_public_id ON api_keys (public_id);

CREATE TABLE IF NOT EXISTS gateway_logs (
    id UUID PRIMARY KEY,
    timestamp_utc TIMESTAMPTZ NOT NULL,
    user_id TEXT NOT NULL,
    method TEXT NOT NULL,
    request_path TEXT NOT NULL,
    status_code INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gateway_logs_timestamp ON gateway_logs (timestamp_utc);
CREATE INDEX IF NOT EXISTS idx_gateway_logs_user ON gateway_logs (user_id);
`
