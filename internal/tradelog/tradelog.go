package tradelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/you/arb-engine/internal/types"
)

// Store persists executed-trade history in sqlite. History survives restarts;
// nothing else in the engine depends on it being present.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	opportunity_id TEXT NOT NULL,
	pair TEXT NOT NULL,
	buy_venue TEXT NOT NULL,
	sell_venue TEXT NOT NULL,
	success INTEGER NOT NULL,
	pnl_usd REAL NOT NULL,
	gas_usd REAL NOT NULL,
	tx_hash TEXT,
	err TEXT,
	ts_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts_ms);
`

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init trade log schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Record(ctx context.Context, tr types.TradeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (opportunity_id, pair, buy_venue, sell_venue, success, pnl_usd, gas_usd, tx_hash, err, ts_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.OpportunityID, tr.Pair, string(tr.BuyVenue), string(tr.SellVenue),
		boolToInt(tr.Success), tr.PnLUSD, tr.GasUSD, tr.TxHash, tr.Err, tr.Ts.UnixMilli())
	return err
}

// Recent returns the newest trades, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]types.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT opportunity_id, pair, buy_venue, sell_venue, success, pnl_usd, gas_usd, tx_hash, err, ts_ms
		 FROM trades ORDER BY ts_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		var tr types.TradeRecord
		var success int
		var tsMs int64
		var buy, sell string
		if err := rows.Scan(&tr.OpportunityID, &tr.Pair, &buy, &sell, &success,
			&tr.PnLUSD, &tr.GasUSD, &tr.TxHash, &tr.Err, &tsMs); err != nil {
			return nil, err
		}
		tr.BuyVenue = types.VenueID(buy)
		tr.SellVenue = types.VenueID(sell)
		tr.Success = success == 1
		tr.Ts = time.UnixMilli(tsMs)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// PnLSince sums realized PnL for trades newer than since.
func (s *Store) PnLSince(ctx context.Context, since time.Time) (float64, error) {
	var pnl sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(pnl_usd) FROM trades WHERE ts_ms >= ?`, since.UnixMilli()).Scan(&pnl)
	if err != nil {
		return 0, err
	}
	return pnl.Float64, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
