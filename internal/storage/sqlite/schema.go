// ABOUTME: SQLite database schema for conversation storage
// ABOUTME: Creates conversations, turns, memory facts, and timers tables with indexes
package sqlite

// Schema contains all SQL statements for database initialization
const Schema = `
-- Conversations (one per user thread)
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'active',
    warning_count INTEGER NOT NULL DEFAULT 0,
    summary TEXT NOT NULL DEFAULT '',
    last_activity_at DATETIME NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Turns (append-only, never updated)
CREATE TABLE IF NOT EXISTS turns (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    agent TEXT,
    tier TEXT,
    used_retrieval INTEGER NOT NULL DEFAULT 0,
    used_web_fallback INTEGER NOT NULL DEFAULT 0,
    citations TEXT,
    created_at DATETIME NOT NULL
);

-- Memory facts; (user_id, key) uniqueness is enforced by the resolver
CREATE TABLE IF NOT EXISTS memory_facts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    confidence REAL NOT NULL,
    weight REAL NOT NULL,
    source TEXT NOT NULL,
    needs_confirmation INTEGER NOT NULL DEFAULT 0,
    corroborations INTEGER NOT NULL DEFAULT 0,
    seq INTEGER NOT NULL DEFAULT 0,
    expires_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Scheduled follow-up timers
CREATE TABLE IF NOT EXISTS timers (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    reason TEXT,
    due_at DATETIME NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes for efficient querying
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq);
CREATE INDEX IF NOT EXISTS idx_facts_user_key ON memory_facts(user_id, key);
CREATE INDEX IF NOT EXISTS idx_facts_expires ON memory_facts(expires_at);
CREATE INDEX IF NOT EXISTS idx_timers_due ON timers(status, due_at);
`

// SchemaVersion is the current schema version for migrations
const SchemaVersion = 1
