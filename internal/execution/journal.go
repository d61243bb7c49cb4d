package execution

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal persists every execution outcome to SQLite for audit.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) a SQLite journal database, creating its
// parent directory when missing.
func NewJournal(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		campaign_id     TEXT NOT NULL,
		action          TEXT NOT NULL,
		inst_id         TEXT NOT NULL,
		side            TEXT NOT NULL,
		size            TEXT NOT NULL,
		success         INTEGER NOT NULL,
		partial         INTEGER NOT NULL DEFAULT 0,
		code            TEXT,
		message         TEXT,
		order_id        TEXT,
		client_order_id TEXT,
		attempts        INTEGER NOT NULL,
		executed_at     DATETIME NOT NULL,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_exec_campaign ON executions(campaign_id);
	CREATE INDEX IF NOT EXISTS idx_exec_inst ON executions(inst_id, side);
	CREATE INDEX IF NOT EXISTS idx_exec_clordid ON executions(client_order_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened execution journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// DB exposes the handle for liveness probes.
func (j *Journal) DB() *sql.DB { return j.db }

// Record persists an execution entry.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO executions (campaign_id, action, inst_id, side, size, success, partial, code, message, order_id, client_order_id, attempts, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CampaignID,
		e.Action,
		e.InstID,
		string(e.Side),
		e.Size.String(),
		e.Result.Success,
		e.Result.Partial,
		e.Result.Code,
		e.Result.Message,
		e.Result.OrderID,
		e.Result.ClientOrderID,
		e.Result.Attempts,
		e.At.Format(time.RFC3339Nano),
	)
	return err
}

// ExecutionRecord represents a row from the executions table.
type ExecutionRecord struct {
	ID            int64  `json:"id"`
	CampaignID    string `json:"campaign_id"`
	Action        string `json:"action"`
	InstID        string `json:"inst_id"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	Success       bool   `json:"success"`
	Partial       bool   `json:"partial"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Attempts      int    `json:"attempts"`
	ExecutedAt    string `json:"executed_at"`
}

// Executions returns the last N executions of a campaign (all campaigns
// when campaignID is empty), newest first.
func (j *Journal) Executions(ctx context.Context, campaignID string, limit int) ([]ExecutionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, campaign_id, action, inst_id, side, size, success, partial,
		        COALESCE(code, ''), COALESCE(message, ''), COALESCE(order_id, ''), COALESCE(client_order_id, ''),
		        attempts, executed_at
		 FROM executions
		 WHERE ? = '' OR campaign_id = ?
		 ORDER BY id DESC LIMIT ?`, campaignID, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var r ExecutionRecord
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Action, &r.InstID, &r.Side, &r.Size,
			&r.Success, &r.Partial, &r.Code, &r.Message, &r.OrderID, &r.ClientOrderID,
			&r.Attempts, &r.ExecutedAt); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
