package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
)

// SQLiteStore keeps run state, result records and closed trades in one database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS run_state (
			state_key TEXT PRIMARY KEY,
			strategy_name TEXT NOT NULL,
			symbol TEXT NOT NULL,
			run_mode TEXT NOT NULL,
			venue TEXT NOT NULL,
			state_json TEXT NOT NULL,
			saved_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS strategy_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_name TEXT NOT NULL,
			run_mode TEXT NOT NULL,
			symbol TEXT NOT NULL,
			exchange TEXT NOT NULL,
			trade_action TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price REAL NOT NULL,
			order_id TEXT,
			trade_charges REAL NOT NULL,
			execution_status TEXT NOT NULL,
			exit_reason TEXT,
			information TEXT,
			ltp REAL NOT NULL,
			trade_status TEXT NOT NULL,
			holding_quantity INTEGER NOT NULL,
			entry_price REAL NOT NULL,
			target_price_at_entry REAL NOT NULL,
			stop_loss_price_at_entry REAL NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_strategy_symbol ON strategy_records(strategy_name, symbol);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id TEXT NOT NULL UNIQUE,
			strategy_name TEXT NOT NULL,
			run_mode TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			stop_loss REAL NOT NULL,
			take_profit REAL NOT NULL,
			charges REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			reason TEXT NOT NULL,
			entry_order_id TEXT,
			exit_order_id TEXT,
			opened_at DATETIME,
			closed_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	// Migration: columns added after the first release. Errors mean the column exists.
	_, _ = s.db.Exec(`ALTER TABLE strategy_records ADD COLUMN product_type TEXT NOT NULL DEFAULT ''`)
	_, _ = s.db.Exec(`ALTER TABLE strategy_records ADD COLUMN order_type TEXT NOT NULL DEFAULT ''`)

	return nil
}

// StateRepository Implementation

func (s *SQLiteStore) LoadState(ctx context.Context, key string) (*domain.PersistedState, error) {
	query := `SELECT strategy_name, symbol, run_mode, venue, state_json, saved_at FROM run_state WHERE state_key = ?`
	row := s.db.QueryRowContext(ctx, query, key)

	var p domain.PersistedState
	var raw string
	err := row.Scan(&p.Identity.StrategyName, &p.Identity.Symbol, &p.Identity.RunMode, &p.Identity.Venue, &raw, &p.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), &p.State); err != nil {
		return nil, fmt.Errorf("failed to decode state %s: %w", key, err)
	}
	return &p, nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, state *domain.PersistedState) error {
	raw, err := json.Marshal(state.State)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	query := `INSERT INTO run_state (state_key, strategy_name, symbol, run_mode, venue, state_json, saved_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(state_key) DO UPDATE SET
			  strategy_name=excluded.strategy_name,
			  symbol=excluded.symbol,
			  run_mode=excluded.run_mode,
			  venue=excluded.venue,
			  state_json=excluded.state_json,
			  saved_at=excluded.saved_at`
	id := state.Identity
	_, err = s.db.ExecContext(ctx, query, id.StateKey(), id.StrategyName, id.Symbol, id.RunMode, id.Venue, string(raw), state.SavedAt)
	if err != nil {
		return fmt.Errorf("failed to save state %s: %w", id.StateKey(), err)
	}
	return nil
}

// RecordSink Implementation

func (s *SQLiteStore) AppendRecords(ctx context.Context, records []domain.LogRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO strategy_records (
			strategy_name, run_mode, symbol, exchange, product_type, order_type, trade_action, quantity, price,
			order_id, trade_charges, execution_status, exit_reason, information, ltp, trade_status,
			holding_quantity, entry_price, target_price_at_entry, stop_loss_price_at_entry, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.StrategyName, r.RunMode, r.Symbol, r.Exchange, r.ProductType, r.OrderType, r.Action, r.Quantity, r.Price,
			r.OrderID, r.Charges, r.ExecutionStatus, r.ExitReason, r.Info, r.LastPrice, r.TradeStatus,
			r.HoldingQuantity, r.EntryPrice, r.TargetPrice, r.StopLossPrice, r.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}
	return tx.Commit()
}

// ListRecords returns the most recent records of a run, oldest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, id domain.RunIdentity, limit int) ([]domain.LogRecord, error) {
	query := `SELECT strategy_name, run_mode, symbol, exchange, product_type, order_type, trade_action, quantity, price,
			order_id, trade_charges, execution_status, exit_reason, information, ltp, trade_status,
			holding_quantity, entry_price, target_price_at_entry, stop_loss_price_at_entry, created_at
			FROM (SELECT * FROM strategy_records WHERE strategy_name = ? AND symbol = ? AND run_mode = ? ORDER BY id DESC LIMIT ?)
			ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, id.StrategyName, id.Symbol, id.RunMode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.LogRecord
	for rows.Next() {
		var r domain.LogRecord
		var orderID, exitReason, info sql.NullString
		if err := rows.Scan(&r.StrategyName, &r.RunMode, &r.Symbol, &r.Exchange, &r.ProductType, &r.OrderType, &r.Action, &r.Quantity, &r.Price,
			&orderID, &r.Charges, &r.ExecutionStatus, &exitReason, &info, &r.LastPrice, &r.TradeStatus,
			&r.HoldingQuantity, &r.EntryPrice, &r.TargetPrice, &r.StopLossPrice, &r.Timestamp); err != nil {
			return nil, err
		}
		r.OrderID = orderID.String
		r.ExitReason = domain.ExitReason(exitReason.String)
		r.Info = info.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// TradeRepository Implementation

func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.TradeRecord) error {
	query := `INSERT INTO trades (trade_id, strategy_name, run_mode, exchange, symbol, quantity, entry_price, exit_price,
			  stop_loss, take_profit, charges, realized_pnl, reason, entry_order_id, exit_order_id, opened_at, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		t.TradeID, t.StrategyName, t.RunMode, t.Exchange, t.Symbol, t.Quantity, t.EntryPrice, t.ExitPrice,
		t.StopLoss, t.TakeProfit, t.Charges, t.RealizedPnL, t.Reason, t.EntryOrderID, t.ExitOrderID, t.OpenedAt, t.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to save trade %s: %w", t.TradeID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	query := `SELECT id, trade_id, strategy_name, run_mode, exchange, symbol, quantity, entry_price, exit_price,
			  stop_loss, take_profit, charges, realized_pnl, reason, entry_order_id, exit_order_id, opened_at, closed_at
			  FROM trades ORDER BY closed_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var entryID, exitID sql.NullString
		var openedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.TradeID, &t.StrategyName, &t.RunMode, &t.Exchange, &t.Symbol, &t.Quantity,
			&t.EntryPrice, &t.ExitPrice, &t.StopLoss, &t.TakeProfit, &t.Charges, &t.RealizedPnL, &t.Reason,
			&entryID, &exitID, &openedAt, &t.ClosedAt); err != nil {
			return nil, err
		}
		t.EntryOrderID = entryID.String
		t.ExitOrderID = exitID.String
		t.OpenedAt = openedAt.Time
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}
