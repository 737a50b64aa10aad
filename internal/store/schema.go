package store

// Schema contains SQL schema definitions for the message store
const Schema = `
-- Messages table, keyed by (account, folder, uid) within one
-- UID-validity epoch
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    folder_name TEXT NOT NULL,
    uid INTEGER NOT NULL,
    message_id TEXT,
    subject TEXT,
    sender_name TEXT,
    sender_email TEXT,
    recipients TEXT,
    date DATETIME,
    size INTEGER DEFAULT 0,
    flags TEXT,
    body_text TEXT,
    body_html TEXT,
    sync_version INTEGER DEFAULT 0,
    last_synced DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(account_id, folder_name, uid)
);

-- Per (account, folder) sync checkpoints
CREATE TABLE IF NOT EXISTS folder_sync_state (
    account_id TEXT NOT NULL,
    folder_name TEXT NOT NULL,
    uid_validity INTEGER NOT NULL DEFAULT 0,
    uid_next INTEGER NOT NULL DEFAULT 0,
    highest_modseq INTEGER NOT NULL DEFAULT 0,
    last_sync DATETIME,
    message_count INTEGER NOT NULL DEFAULT 0,
    unread_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'idle',
    last_error TEXT,
    PRIMARY KEY (account_id, folder_name)
);

-- Create indexes for faster queries
CREATE INDEX IF NOT EXISTS idx_messages_account_folder ON messages(account_id, folder_name);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);
CREATE INDEX IF NOT EXISTS idx_messages_sender_email ON messages(sender_email);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);

-- Full-text search index
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    subject,
    sender_email,
    sender_name,
    body_text,
    content='messages',
    content_rowid='id'
);

-- Triggers for FTS
CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, subject, sender_email, sender_name, body_text)
    VALUES (new.id, new.subject, new.sender_email, new.sender_name, new.body_text);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE ON messages BEGIN
    UPDATE messages_fts SET
        subject = new.subject,
        sender_email = new.sender_email,
        sender_name = new.sender_name,
        body_text = new.body_text
    WHERE rowid = new.id;
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
    DELETE FROM messages_fts WHERE rowid = old.id;
END;
`
