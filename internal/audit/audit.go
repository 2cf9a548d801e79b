// Package audit records every reset policy decision to an append-only JSONL
// file and, when configured, the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Trigger   string `json:"trigger"`
	ChoreID   string `json:"chore_id"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record logs one policy decision. Failures to write are ignored; auditing
// never blocks an evaluation.
func Record(trigger, choreID, decision, reason, traceID string) {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Trigger:   trigger,
			ChoreID:   choreID,
			Decision:  decision,
			Reason:    reason,
			TraceID:   traceID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, choreID, trigger, decision, reason)
	}
}
