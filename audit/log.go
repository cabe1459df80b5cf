// Package audit mirrors marketplace transactions into a SQLite file so the
// entity store can be wiped or swapped without losing the financial trail.
// The log is a sink, never the source of truth: recording failures are logged
// and reported, but callers treat them as non-fatal.
package audit

import (
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"microlend/market"
)

// Log appends transaction records to a SQLite database.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the audit database at path and initialises the schema.
func Open(path string, logger *slog.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := &Log{db: db, logger: logger}
	if err := log.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

func (l *Log) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
            id TEXT PRIMARY KEY,
            type TEXT NOT NULL,
            from_address TEXT NOT NULL,
            to_address TEXT NOT NULL,
            amount REAL NOT NULL,
            currency TEXT NOT NULL,
            external_ref TEXT,
            loan_id TEXT,
            escrow_id TEXT,
            status TEXT NOT NULL,
            schema_version INTEGER NOT NULL,
            note TEXT,
            interest_rate REAL,
            settlement_amount REAL,
            occurred_at TIMESTAMP NOT NULL,
            recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_loan ON transactions(loan_id);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_type ON transactions(type);`,
	}
	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record upserts the transaction row. Status corrections overwrite the prior
// row for the same id; everything else is append-only.
func (l *Log) Record(tx *market.Transaction) error {
	if tx == nil {
		return nil
	}
	_, err := l.db.Exec(`INSERT INTO transactions
        (id, type, from_address, to_address, amount, currency, external_ref, loan_id, escrow_id, status, schema_version, note, interest_rate, settlement_amount, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET status = excluded.status, external_ref = excluded.external_ref`,
		tx.ID, string(tx.Type), tx.From, tx.To, tx.Amount, tx.Currency,
		tx.ExternalRef, tx.LoanID, tx.EscrowID, string(tx.Status),
		tx.Metadata.SchemaVersion, tx.Metadata.Note, tx.Metadata.InterestRate,
		tx.Metadata.SettlementAmount, tx.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		l.logger.Error("audit record failed", "tx", tx.ID, "error", err)
	}
	return err
}

// Entry is one row read back from the audit trail.
type Entry struct {
	ID          string
	Type        string
	From        string
	To          string
	Amount      float64
	Currency    string
	ExternalRef string
	LoanID      string
	Status      string
	OccurredAt  time.Time
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`SELECT id, type, from_address, to_address, amount, currency,
        COALESCE(external_ref, ''), COALESCE(loan_id, ''), status, occurred_at
        FROM transactions ORDER BY occurred_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var entry Entry
		var occurred string
		if err := rows.Scan(&entry.ID, &entry.Type, &entry.From, &entry.To, &entry.Amount,
			&entry.Currency, &entry.ExternalRef, &entry.LoanID, &entry.Status, &occurred); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, occurred); err == nil {
			entry.OccurredAt = ts
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
