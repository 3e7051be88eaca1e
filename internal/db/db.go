package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// immediate transactions take the write lock up front so busy_timeout applies
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == MemoryPath {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	migrations := []string{
		migrationEvents,
		migrationParticipants,
		migrationTemplates,
		migrationCampaignJobs,
		migrationDeliveryLogs,
		migrationABTests,
		migrationABVariants,
		migrationAutomations,
		migrationFollowUps,
		migrationGlobalVariables,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    location TEXT,
    start_date TIMESTAMP,
    end_date TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationParticipants = `
CREATE TABLE IF NOT EXISTS participants (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    first_name TEXT,
    last_name TEXT,
    email TEXT,
    phone TEXT,
    company TEXT,
    language TEXT,
    status TEXT NOT NULL DEFAULT 'invited',
    vip INTEGER NOT NULL DEFAULT 0,
    variables JSON,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_participants_event ON participants(event_id);
`

const migrationTemplates = `
CREATE TABLE IF NOT EXISTS templates (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    channel TEXT NOT NULL,
    subject TEXT,
    body TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_templates_event ON templates(event_id);
`

const migrationCampaignJobs = `
CREATE TABLE IF NOT EXISTS campaign_jobs (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL REFERENCES events(id),
    template_id TEXT NOT NULL REFERENCES templates(id),
    channel TEXT NOT NULL,
    segmentation JSON NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    total_count INTEGER NOT NULL,
    processed_count INTEGER NOT NULL DEFAULT 0,
    success_count INTEGER NOT NULL DEFAULT 0,
    fail_count INTEGER NOT NULL DEFAULT 0,
    batch_id TEXT,
    ab_test_id TEXT,
    error TEXT,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    CHECK (processed_count <= total_count),
    CHECK (success_count + fail_count = processed_count)
);
CREATE INDEX IF NOT EXISTS idx_campaign_jobs_status ON campaign_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_campaign_jobs_event ON campaign_jobs(event_id);
`

const migrationDeliveryLogs = `
CREATE TABLE IF NOT EXISTS delivery_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL REFERENCES campaign_jobs(id) ON DELETE CASCADE,
    recipient_id TEXT NOT NULL,
    variant_id TEXT,
    address TEXT NOT NULL,
    status TEXT NOT NULL,
    failure_reason TEXT,
    error TEXT,
    sent_at TIMESTAMP NOT NULL,
    UNIQUE(job_id, recipient_id)
);
CREATE INDEX IF NOT EXISTS idx_delivery_logs_job ON delivery_logs(job_id);
`

const migrationABTests = `
CREATE TABLE IF NOT EXISTS ab_tests (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    channel TEXT NOT NULL,
    segmentation JSON NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    job_id TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const migrationABVariants = `
CREATE TABLE IF NOT EXISTS ab_variants (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL REFERENCES ab_tests(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    template_id TEXT NOT NULL REFERENCES templates(id),
    weight REAL NOT NULL,
    position INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ab_variants_test ON ab_variants(test_id);
`

const migrationAutomations = `
CREATE TABLE IF NOT EXISTS automations (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    template_id TEXT NOT NULL REFERENCES templates(id),
    channel TEXT NOT NULL,
    segmentation JSON NOT NULL,
    time_trigger JSON,
    event_trigger TEXT,
    is_active INTEGER NOT NULL DEFAULT 0,
    next_run_at TIMESTAMP,
    last_run_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_automations_next_run ON automations(next_run_at);
`

const migrationFollowUps = `
CREATE TABLE IF NOT EXISTS follow_ups (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    trigger_type TEXT NOT NULL,
    base_job_id TEXT NOT NULL REFERENCES campaign_jobs(id),
    offset_hours INTEGER NOT NULL DEFAULT 0,
    template_id TEXT NOT NULL REFERENCES templates(id),
    channel TEXT NOT NULL,
    segmentation JSON,
    is_active INTEGER NOT NULL DEFAULT 0,
    next_run_at TIMESTAMP,
    fired_job_id TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_follow_ups_base_job ON follow_ups(base_job_id);
CREATE INDEX IF NOT EXISTS idx_follow_ups_next_run ON follow_ups(next_run_at);
`

const migrationGlobalVariables = `
CREATE TABLE IF NOT EXISTS global_variables (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
