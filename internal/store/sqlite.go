// Package store хранит сырые счетчики, delta и базовые линии в SQLite
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"guardstat-service/internal/models"
)

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS samples (
    host    TEXT    NOT NULL,
    events  INTEGER NOT NULL,
    date    TEXT    NOT NULL,
    epoch   INTEGER NOT NULL,
    PRIMARY KEY (host, epoch)
);
CREATE INDEX IF NOT EXISTS idx_samples_host_date ON samples(host, date);

CREATE TABLE IF NOT EXISTS deltas (
    host      TEXT    NOT NULL,
    delta     INTEGER NOT NULL,
    is_reset  INTEGER NOT NULL DEFAULT 0,
    date      TEXT    NOT NULL,
    epoch     INTEGER NOT NULL,
    PRIMARY KEY (host, epoch)
);
CREATE INDEX IF NOT EXISTS idx_deltas_host_date ON deltas(host, date);
CREATE INDEX IF NOT EXISTS idx_deltas_epoch ON deltas(epoch);

CREATE TABLE IF NOT EXISTS daily_baselines (
    host    TEXT    NOT NULL,
    date    TEXT    NOT NULL,
    low     REAL    NOT NULL,
    avg     REAL    NOT NULL,
    high    REAL    NOT NULL,
    stddev  REAL    NOT NULL,
    count   INTEGER NOT NULL,
    PRIMARY KEY (host, date)
);

CREATE TABLE IF NOT EXISTS overall_baselines (
    host    TEXT    PRIMARY KEY,
    low     REAL    NOT NULL,
    avg     REAL    NOT NULL,
    high    REAL    NOT NULL,
    stddev  REAL    NOT NULL,
    count   INTEGER NOT NULL
);
`,
	},
}

// SQLiteStore реализует источник отсчетов и хранилище базовых линий
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore открывает (или создает) базу и применяет миграции
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// одно соединение: писатель у SQLite все равно один, а ":memory:" иначе расходится по соединениям
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close закрывает базу
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping проверяет соединение
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// InsertSamples сохраняет отсчеты; повторный отсчет с тем же (host, epoch) заменяет старый
func (s *SQLiteStore) InsertSamples(ctx context.Context, samples []models.RawSample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO samples (host, events, date, epoch) VALUES (?, ?, ?, ?)
ON CONFLICT(host, epoch) DO UPDATE SET events = excluded.events, date = excluded.date`)
	if err != nil {
		return fmt.Errorf("prepare insert samples: %w", err)
	}
	defer stmt.Close()

	for _, r := range samples {
		if _, err := stmt.ExecContext(ctx, r.Host, r.Events, r.Date, r.Epoch); err != nil {
			return fmt.Errorf("insert sample %s@%d: %w", r.Host, r.Epoch, err)
		}
	}
	return tx.Commit()
}

// Hosts возвращает список хостов, присылавших отсчеты
func (s *SQLiteStore) Hosts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT host FROM samples ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// Samples отсчеты хоста начиная с даты from (пустая строка - вся история), по возрастанию epoch
func (s *SQLiteStore) Samples(ctx context.Context, host, from string) ([]models.RawSample, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT host, events, date, epoch FROM samples
WHERE host = ? AND date >= ? ORDER BY epoch ASC`, host, from)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// LastSampleBefore последний отсчет хоста с датой раньше date
func (s *SQLiteStore) LastSampleBefore(ctx context.Context, host, date string) (models.RawSample, bool, error) {
	var r models.RawSample
	err := s.db.QueryRowContext(ctx, `
SELECT host, events, date, epoch FROM samples
WHERE host = ? AND date < ? ORDER BY epoch DESC LIMIT 1`, host, date).
		Scan(&r.Host, &r.Events, &r.Date, &r.Epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RawSample{}, false, nil
	}
	if err != nil {
		return models.RawSample{}, false, fmt.Errorf("query last sample: %w", err)
	}
	return r, true, nil
}

// RecentSamples последние limit отсчетов хоста, по возрастанию epoch
func (s *SQLiteStore) RecentSamples(ctx context.Context, host string, limit int) ([]models.RawSample, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT host, events, date, epoch FROM (
    SELECT host, events, date, epoch FROM samples
    WHERE host = ? ORDER BY epoch DESC LIMIT ?
) ORDER BY epoch ASC`, host, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent samples: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

func scanSamples(rows *sql.Rows) ([]models.RawSample, error) {
	var out []models.RawSample
	for rows.Next() {
		var r models.RawSample
		if err := rows.Scan(&r.Host, &r.Events, &r.Date, &r.Epoch); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
