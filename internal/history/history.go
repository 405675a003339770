// Package history persists execution records so operators can answer "what
// ran, when, and did it fail" across restarts. The catalogue's cooldown map
// is deliberately transient; this store is the durable record.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "routined/pkg/logx"
)

var ErrDisabled = errors.New("history disabled")

// Config selects the persistence backend.
//
// Driver values:
//   - "file": append-only JSON Lines
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"` // sqlite only; 0 means default
}

// Record is one routine execution. Keep it compact and schema-stable.
type Record struct {
	ID        string    `json:"id"`
	RoutineID string    `json:"routine_id"`
	Trigger   string    `json:"trigger"` // event|webhook|cron|manual
	Started   time.Time `json:"started"`
	TookMS    int64     `json:"took_ms"`
	Error     string    `json:"error,omitempty"`
}

// Store is the minimal persistence API used by the dispatcher.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// Recent returns up to limit most recent records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) if history is
// disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
