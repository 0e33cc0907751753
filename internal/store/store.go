// Package store is the idempotent writer and reader over the
// time-series tables. Every write is an upsert keyed by the row's
// primary key and safe to repeat; PruneOlderThan deletes aged rows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/models"
)

// Store wraps the shared connection pool. Ingestion and analytics use
// the same instance; both run short transactions only.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects and configures the pool.
func Open(dsn string, poolMax, poolMin int, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(poolMin)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsRetryable classifies store failures: connection-class and
// serialization-class errors are transient, everything else (constraint
// breaches, schema violations) is a coding bug and surfaces as-is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		return class == "08" || class == "40" || class == "57"
	}
	// Driver-level failures (broken pipe, closed pool) carry no code.
	return !errors.Is(err, sql.ErrNoRows)
}

const upsertUnderlyingBarSQL = `
	INSERT INTO underlying_bars (symbol, bucket_start, open, high, low, close, up_volume, down_volume)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (symbol, bucket_start) DO UPDATE SET
		high        = GREATEST(underlying_bars.high, EXCLUDED.high),
		low         = LEAST(underlying_bars.low, EXCLUDED.low),
		close       = EXCLUDED.close,
		up_volume   = GREATEST(underlying_bars.up_volume, EXCLUDED.up_volume),
		down_volume = GREATEST(underlying_bars.down_volume, EXCLUDED.down_volume)`

// UpsertUnderlyingBar inserts or merges one bar on (symbol, bucket_start).
// A late tick for the same bucket widens the high/low envelope and
// advances close and the cumulative volumes; it never regresses them.
func (s *Store) UpsertUnderlyingBar(ctx context.Context, b models.UnderlyingBar) error {
	_, err := s.db.ExecContext(ctx, upsertUnderlyingBarSQL,
		b.Symbol, b.BucketStart, b.Open, b.High, b.Low, b.Close, b.UpVolume, b.DownVolume)
	if err != nil {
		return fmt.Errorf("upserting underlying bar %s@%s: %w", b.Symbol, b.BucketStart, err)
	}
	return nil
}

const upsertOptionQuoteSQL = `
	INSERT INTO option_chains (option_symbol, underlying, bucket_start, strike, expiration, option_type,
		last, bid, ask, volume, open_interest, iv, iv_source, delta, gamma, theta, vega)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (option_symbol, bucket_start) DO UPDATE SET
		last          = COALESCE(EXCLUDED.last, option_chains.last),
		bid           = COALESCE(EXCLUDED.bid, option_chains.bid),
		ask           = COALESCE(EXCLUDED.ask, option_chains.ask),
		volume        = GREATEST(option_chains.volume, EXCLUDED.volume),
		open_interest = GREATEST(option_chains.open_interest, EXCLUDED.open_interest),
		iv            = COALESCE(EXCLUDED.iv, option_chains.iv),
		iv_source     = CASE WHEN EXCLUDED.iv IS NULL THEN option_chains.iv_source ELSE EXCLUDED.iv_source END,
		delta         = COALESCE(EXCLUDED.delta, option_chains.delta),
		gamma         = COALESCE(EXCLUDED.gamma, option_chains.gamma),
		theta         = COALESCE(EXCLUDED.theta, option_chains.theta),
		vega          = COALESCE(EXCLUDED.vega, option_chains.vega)`

// UpsertOptionQuote inserts or merges one option row on
// (option_symbol, bucket_start). Monotone counters never regress and a
// late write without derived values never nulls out an earlier
// enrichment.
func (s *Store) UpsertOptionQuote(ctx context.Context, q models.OptionQuote) error {
	_, err := s.db.ExecContext(ctx, upsertOptionQuoteSQL,
		q.Symbol, q.Underlying, q.BucketStart, q.Strike, q.Expiration, string(q.Type),
		q.Last, q.Bid, q.Ask, q.Volume, q.OpenInterest,
		q.IV, string(q.IVFrom), q.Delta, q.Gamma, q.Theta, q.Vega)
	if err != nil {
		return fmt.Errorf("upserting option quote %s@%s: %w", q.Symbol, q.BucketStart, err)
	}
	return nil
}

const upsertGEXSummarySQL = `
	INSERT INTO gex_summary (underlying, calc_time, max_gamma_strike, max_gamma_value, gamma_flip_point,
		put_call_ratio, max_pain, total_call_volume, total_put_volume, total_call_oi, total_put_oi, total_net_gex)
	VALUES (:underlying, :calc_time, :max_gamma_strike, :max_gamma_value, :gamma_flip_point,
		:put_call_ratio, :max_pain, :total_call_volume, :total_put_volume, :total_call_oi, :total_put_oi, :total_net_gex)
	ON CONFLICT (underlying, calc_time) DO UPDATE SET
		max_gamma_strike  = EXCLUDED.max_gamma_strike,
		max_gamma_value   = EXCLUDED.max_gamma_value,
		gamma_flip_point  = EXCLUDED.gamma_flip_point,
		put_call_ratio    = EXCLUDED.put_call_ratio,
		max_pain          = EXCLUDED.max_pain,
		total_call_volume = EXCLUDED.total_call_volume,
		total_put_volume  = EXCLUDED.total_put_volume,
		total_call_oi     = EXCLUDED.total_call_oi,
		total_put_oi      = EXCLUDED.total_put_oi,
		total_net_gex     = EXCLUDED.total_net_gex`

// UpsertGEXSummary writes one analytics summary row.
func (s *Store) UpsertGEXSummary(ctx context.Context, row models.GEXSummary) error {
	if _, err := s.db.NamedExecContext(ctx, upsertGEXSummarySQL, row); err != nil {
		return fmt.Errorf("upserting gex summary %s@%s: %w", row.Underlying, row.CalcTime, err)
	}
	return nil
}

const upsertGEXByStrikeSQL = `
	INSERT INTO gex_by_strike (underlying, calc_time, strike, expiration, call_gamma, put_gamma, net_gex,
		call_volume, put_volume, call_oi, put_oi, vanna_exposure, charm_exposure)
	VALUES (:underlying, :calc_time, :strike, :expiration, :call_gamma, :put_gamma, :net_gex,
		:call_volume, :put_volume, :call_oi, :put_oi, :vanna_exposure, :charm_exposure)
	ON CONFLICT (underlying, calc_time, strike, expiration) DO UPDATE SET
		call_gamma     = EXCLUDED.call_gamma,
		put_gamma      = EXCLUDED.put_gamma,
		net_gex        = EXCLUDED.net_gex,
		call_volume    = EXCLUDED.call_volume,
		put_volume     = EXCLUDED.put_volume,
		call_oi        = EXCLUDED.call_oi,
		put_oi         = EXCLUDED.put_oi,
		vanna_exposure = EXCLUDED.vanna_exposure,
		charm_exposure = EXCLUDED.charm_exposure`

// UpsertGEXByStrike writes one analytics run's per-strike rows in a
// single short transaction.
func (s *Store) UpsertGEXByStrike(ctx context.Context, rows []models.GEXByStrike) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning gex tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range rows {
		if _, err := tx.NamedExecContext(ctx, upsertGEXByStrikeSQL, row); err != nil {
			return fmt.Errorf("upserting gex by strike %s/%g: %w", row.Underlying, row.Strike, err)
		}
	}

	return tx.Commit()
}

const latestSnapshotSQL = `
	SELECT DISTINCT ON (option_symbol)
		option_symbol, bucket_start, strike, expiration, option_type, volume, open_interest, iv, gamma
	FROM option_chains
	WHERE underlying = $1 AND bucket_start >= $2
	ORDER BY option_symbol, bucket_start DESC`

// LatestOptionSnapshot returns, for each contract under the underlying,
// its most recent row with a bucket inside the staleness window.
func (s *Store) LatestOptionSnapshot(ctx context.Context, underlying string, staleness time.Duration) ([]models.OptionSnapshot, error) {
	cutoff := time.Now().Add(-staleness)

	var rows []models.OptionSnapshot
	if err := s.db.SelectContext(ctx, &rows, latestSnapshotSQL, underlying, cutoff); err != nil {
		return nil, fmt.Errorf("selecting option snapshot for %s: %w", underlying, err)
	}
	return rows, nil
}

// LatestUnderlyingClose returns the most recent close for the symbol.
// sql.ErrNoRows when nothing has been written yet.
func (s *Store) LatestUnderlyingClose(ctx context.Context, symbol string) (float64, error) {
	var closep float64
	err := s.db.GetContext(ctx, &closep,
		`SELECT close FROM underlying_bars WHERE symbol = $1 ORDER BY bucket_start DESC LIMIT 1`, symbol)
	if err != nil {
		return 0, err
	}
	return closep, nil
}

// Tables the maintenance task may prune, mapped to their time column.
var prunableTables = map[string]string{
	"underlying_bars": "bucket_start",
	"option_chains":   "bucket_start",
	"gex_summary":     "calc_time",
	"gex_by_strike":   "calc_time",
	"quality_log":     "logged_at",
	"ingest_metrics":  "recorded_at",
}

// PruneOlderThan deletes rows older than the retention window. The
// table name is checked against a fixed whitelist.
func (s *Store) PruneOlderThan(ctx context.Context, table string, retention time.Duration) (int64, error) {
	col, ok := prunableTables[table]
	if !ok {
		return 0, fmt.Errorf("prune: unknown table %q", table)
	}

	cutoff := time.Now().Add(-retention)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s < $1`, table, col), cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning %s: %w", table, err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned rows", zap.String("table", table), zap.Int64("rows", n))
	}
	return n, nil
}
