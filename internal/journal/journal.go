// Package journal persists resolved order results to sqlite for
// operational review. Every leg order a strategy places for a user ends
// up here with its expected versus realized price; the control surface
// reads it back for order history.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/trademaven/algoengine/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	deployment_id  TEXT NOT NULL,
	strategy_index INTEGER NOT NULL,
	user           TEXT NOT NULL,
	broker         TEXT NOT NULL,
	order_id       TEXT NOT NULL,
	strike         REAL NOT NULL,
	option_type    TEXT NOT NULL,
	side           TEXT NOT NULL,
	quantity       INTEGER NOT NULL,
	expected_price REAL NOT NULL,
	average_price  REAL NOT NULL,
	status         TEXT NOT NULL,
	reason         TEXT NOT NULL,
	error_message  TEXT NOT NULL DEFAULT '',
	placed_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_deployment ON orders(deployment_id);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user);
`

// Entry is one journaled order.
type Entry struct {
	ID            int64                  `json:"id"`
	DeploymentID  string                 `json:"deployment_id"`
	StrategyIndex int                    `json:"strategy_index"`
	User          string                 `json:"user"`
	Broker        string                 `json:"broker"`
	OrderID       string                 `json:"order_id"`
	Strike        float64                `json:"strike"`
	OptionType    models.OptionType      `json:"option_type"`
	Transaction   models.TransactionType `json:"transaction_type"`
	Quantity      int                    `json:"quantity"`
	ExpectedPrice float64                `json:"expected_price"`
	AveragePrice  float64                `json:"average_price"`
	Status        models.OrderStatus     `json:"status"`
	Reason        string                 `json:"reason"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	PlacedAt      time.Time              `json:"placed_at"`
}

// Journal is a sqlite-backed order log. Safe for concurrent use; sqlite
// serializes writers internally.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// Record appends one resolved order.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.PlacedAt.IsZero() {
		e.PlacedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO orders (
			deployment_id, strategy_index, user, broker, order_id,
			strike, option_type, side, quantity,
			expected_price, average_price, status, reason, error_message, placed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.DeploymentID, e.StrategyIndex, e.User, e.Broker, e.OrderID,
		e.Strike, string(e.OptionType), string(e.Transaction), e.Quantity,
		e.ExpectedPrice, e.AveragePrice, string(e.Status), e.Reason, e.ErrorMessage, e.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("journal record: %w", err)
	}
	return nil
}

// ByDeployment returns the newest limit entries for one deployment.
func (j *Journal) ByDeployment(ctx context.Context, deploymentID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, deployment_id, strategy_index, user, broker, order_id,
		       strike, option_type, side, quantity,
		       expected_price, average_price, status, reason, error_message, placed_at
		FROM orders WHERE deployment_id = ?
		ORDER BY id DESC LIMIT ?`, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the newest limit entries across all deployments.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, deployment_id, strategy_index, user, broker, order_id,
		       strike, option_type, side, quantity,
		       expected_price, average_price, status, reason, error_message, placed_at
		FROM orders ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var optType, txType, status string
		if err := rows.Scan(
			&e.ID, &e.DeploymentID, &e.StrategyIndex, &e.User, &e.Broker, &e.OrderID,
			&e.Strike, &optType, &txType, &e.Quantity,
			&e.ExpectedPrice, &e.AveragePrice, &status, &e.Reason, &e.ErrorMessage, &e.PlacedAt,
		); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		e.OptionType = models.OptionType(optType)
		e.Transaction = models.TransactionType(txType)
		e.Status = models.OrderStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}
