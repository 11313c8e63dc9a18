package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"guardstat-service/internal/models"
)

// HostBaselines результат пересчета одного хоста
type HostBaselines struct {
	Host    string
	From    string // пустая строка - заменить всю историю хоста
	Deltas  []models.DeltaSample
	Daily   []models.Baseline
	Overall models.Baseline
}

// ReplaceHostBaselines в одной транзакции заменяет delta и дневные базовые линии
// хоста начиная с From и целиком заменяет общую базовую линию
func (s *SQLiteStore) ReplaceHostBaselines(ctx context.Context, hb HostBaselines) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM deltas WHERE host = ? AND date >= ?`, hb.Host, hb.From); err != nil {
		return fmt.Errorf("delete deltas: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_baselines WHERE host = ? AND date >= ?`, hb.Host, hb.From); err != nil {
		return fmt.Errorf("delete daily baselines: %w", err)
	}

	deltaStmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO deltas (host, delta, is_reset, date, epoch) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare deltas: %w", err)
	}
	defer deltaStmt.Close()

	for _, d := range hb.Deltas {
		if _, err := deltaStmt.ExecContext(ctx, d.Host, d.Delta, d.IsReset, d.Date, d.Epoch); err != nil {
			return fmt.Errorf("insert delta %s@%d: %w", d.Host, d.Epoch, err)
		}
	}

	dailyStmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO daily_baselines (host, date, low, avg, high, stddev, count) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare daily baselines: %w", err)
	}
	defer dailyStmt.Close()

	for _, b := range hb.Daily {
		if _, err := dailyStmt.ExecContext(ctx, b.Host, b.Date, b.Low, b.Avg, b.High, b.StdDev, b.Count); err != nil {
			return fmt.Errorf("insert daily baseline %s %s: %w", b.Host, b.Date, err)
		}
	}

	o := hb.Overall
	if _, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO overall_baselines (host, low, avg, high, stddev, count) VALUES (?, ?, ?, ?, ?, ?)`,
		hb.Host, o.Low, o.Avg, o.High, o.StdDev, o.Count); err != nil {
		return fmt.Errorf("insert overall baseline %s: %w", hb.Host, err)
	}

	return tx.Commit()
}

// ClearDerived удаляет все delta и базовые линии перед полным пересчетом
func (s *SQLiteStore) ClearDerived(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"deltas", "daily_baselines", "overall_baselines"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Deltas delta хоста за дату (пустая строка - вся история), по возрастанию epoch
func (s *SQLiteStore) Deltas(ctx context.Context, host, date string) ([]models.DeltaSample, error) {
	query := `SELECT host, delta, is_reset, date, epoch FROM deltas WHERE host = ? ORDER BY epoch ASC`
	args := []interface{}{host}
	if date != "" {
		query = `SELECT host, delta, is_reset, date, epoch FROM deltas WHERE host = ? AND date = ? ORDER BY epoch ASC`
		args = append(args, date)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deltas: %w", err)
	}
	defer rows.Close()

	var out []models.DeltaSample
	for rows.Next() {
		var d models.DeltaSample
		if err := rows.Scan(&d.Host, &d.Delta, &d.IsReset, &d.Date, &d.Epoch); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LastBaselineDate дата последней дневной базовой линии хоста
func (s *SQLiteStore) LastBaselineDate(ctx context.Context, host string) (string, bool, error) {
	var date sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(date) FROM daily_baselines WHERE host = ?`, host).Scan(&date); err != nil {
		return "", false, fmt.Errorf("query last baseline date: %w", err)
	}
	return date.String, date.Valid, nil
}

// DailyBaseline дневная базовая линия хоста за дату
func (s *SQLiteStore) DailyBaseline(ctx context.Context, host, date string) (models.Baseline, bool, error) {
	b := models.Baseline{Host: host, Scope: models.ScopeDaily, Date: date}
	err := s.db.QueryRowContext(ctx, `
SELECT low, avg, high, stddev, count FROM daily_baselines WHERE host = ? AND date = ?`, host, date).
		Scan(&b.Low, &b.Avg, &b.High, &b.StdDev, &b.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Baseline{}, false, nil
	}
	if err != nil {
		return models.Baseline{}, false, fmt.Errorf("query daily baseline: %w", err)
	}
	return b, true, nil
}

// DailyBaselines все дневные базовые линии хоста по возрастанию даты
func (s *SQLiteStore) DailyBaselines(ctx context.Context, host string) ([]models.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT date, low, avg, high, stddev, count FROM daily_baselines WHERE host = ? ORDER BY date ASC`, host)
	if err != nil {
		return nil, fmt.Errorf("query daily baselines: %w", err)
	}
	defer rows.Close()

	var out []models.Baseline
	for rows.Next() {
		b := models.Baseline{Host: host, Scope: models.ScopeDaily}
		if err := rows.Scan(&b.Date, &b.Low, &b.Avg, &b.High, &b.StdDev, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// OverallBaseline общая базовая линия хоста
func (s *SQLiteStore) OverallBaseline(ctx context.Context, host string) (models.Baseline, bool, error) {
	b := models.Baseline{Host: host, Scope: models.ScopeOverall}
	err := s.db.QueryRowContext(ctx, `
SELECT low, avg, high, stddev, count FROM overall_baselines WHERE host = ?`, host).
		Scan(&b.Low, &b.Avg, &b.High, &b.StdDev, &b.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Baseline{}, false, nil
	}
	if err != nil {
		return models.Baseline{}, false, fmt.Errorf("query overall baseline: %w", err)
	}
	return b, true, nil
}
