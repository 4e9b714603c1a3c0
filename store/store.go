package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SwapRecord is one completed swap appended to the ledger
type SwapRecord struct {
	ID                 int64
	CompletedAt        time.Time
	OldIdentity        string
	NewIdentity        string
	OldChargePercent   int
	NewChargePercent   int
	OldEnergyWh        uint32
	NewEnergyWh        uint32
	EnergyDiffKwh      float64
	QuotaDeductionKwh  float64
	ChargeableKwh      float64
	GrossEnergyCost    float64
	QuotaCreditValue   float64
	NetCost            float64
	PaymentSkipped     bool
	ZeroCostByRounding bool
}

// Store is the sqlite-backed swap ledger
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the ledger database
func Open(dataSourceName string) (*Store, error) {
	// Query parameters for better concurrency handling
	db, err := sql.Open("sqlite3", dataSourceName+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS swaps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			completed_at DATETIME NOT NULL,
			old_identity TEXT NOT NULL,
			new_identity TEXT NOT NULL,
			old_charge_percent INTEGER NOT NULL,
			new_charge_percent INTEGER NOT NULL,
			old_energy_wh INTEGER NOT NULL,
			new_energy_wh INTEGER NOT NULL,
			energy_diff_kwh REAL NOT NULL,
			quota_deduction_kwh REAL NOT NULL,
			chargeable_kwh REAL NOT NULL,
			gross_energy_cost REAL NOT NULL,
			quota_credit_value REAL NOT NULL,
			net_cost REAL NOT NULL,
			payment_skipped INTEGER NOT NULL DEFAULT 0,
			zero_cost_by_rounding INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_swaps_completed_at ON swaps(completed_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate swaps table: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSwap appends a completed swap to the ledger
func (s *Store) RecordSwap(rec *SwapRecord) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO swaps (
			completed_at, old_identity, new_identity,
			old_charge_percent, new_charge_percent, old_energy_wh, new_energy_wh,
			energy_diff_kwh, quota_deduction_kwh, chargeable_kwh,
			gross_energy_cost, quota_credit_value, net_cost,
			payment_skipped, zero_cost_by_rounding
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CompletedAt, rec.OldIdentity, rec.NewIdentity,
		rec.OldChargePercent, rec.NewChargePercent, rec.OldEnergyWh, rec.NewEnergyWh,
		rec.EnergyDiffKwh, rec.QuotaDeductionKwh, rec.ChargeableKwh,
		rec.GrossEnergyCost, rec.QuotaCreditValue, rec.NetCost,
		rec.PaymentSkipped, rec.ZeroCostByRounding,
	)
	if err != nil {
		return fmt.Errorf("failed to record swap: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// ListRecent returns the most recent swaps, newest first
func (s *Store) ListRecent(limit int) ([]SwapRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, completed_at, old_identity, new_identity,
		       old_charge_percent, new_charge_percent, old_energy_wh, new_energy_wh,
		       energy_diff_kwh, quota_deduction_kwh, chargeable_kwh,
		       gross_energy_cost, quota_credit_value, net_cost,
		       payment_skipped, zero_cost_by_rounding
		FROM swaps ORDER BY completed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SwapRecord
	for rows.Next() {
		var rec SwapRecord
		if err := rows.Scan(
			&rec.ID, &rec.CompletedAt, &rec.OldIdentity, &rec.NewIdentity,
			&rec.OldChargePercent, &rec.NewChargePercent, &rec.OldEnergyWh, &rec.NewEnergyWh,
			&rec.EnergyDiffKwh, &rec.QuotaDeductionKwh, &rec.ChargeableKwh,
			&rec.GrossEnergyCost, &rec.QuotaCreditValue, &rec.NetCost,
			&rec.PaymentSkipped, &rec.ZeroCostByRounding,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
