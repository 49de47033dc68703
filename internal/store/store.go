// Package store is the durable SQLite-backed persistence layer for the
// gateway: the outbound backlog queue, telemetry/ack/event history,
// and the retention purge that keeps the database bounded.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fieldmesh/edge-gateway/internal/logging"
)

const schema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS queue_out (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	topic TEXT NOT NULL,
	payload BLOB NOT NULL,
	qos INTEGER NOT NULL DEFAULT 1,
	sent INTEGER NOT NULL DEFAULT 0,
	acked INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_sent ON queue_out(sent, acked);

CREATE TABLE IF NOT EXISTS telemetry (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	asset_id TEXT NOT NULL,
	metric TEXT NOT NULL,
	value REAL,
	quality TEXT DEFAULT 'good',
	rssi_dbm INTEGER
);
CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry(ts);
CREATE INDEX IF NOT EXISTS idx_telemetry_asset ON telemetry(asset_id);

CREATE TABLE IF NOT EXISTS ack (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	asset_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	ok INTEGER NOT NULL,
	message TEXT
);
CREATE INDEX IF NOT EXISTS idx_ack_corr ON ack(correlation_id);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	asset_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`

const timeLayout = time.RFC3339Nano

// Config configures a Store.
type Config struct {
	Path          string
	RetentionDays int
}

// DefaultConfig keeps four weeks of history.
func DefaultConfig() Config {
	return Config{Path: "edge-gateway.db", RetentionDays: 28}
}

// BacklogRow is one row of the outbound queue.
type BacklogRow struct {
	ID             int64
	Ts             time.Time
	Topic          string
	Payload        []byte
	QoS            byte
	Sent           bool
	Acked          bool
	IdempotencyKey string
}

// TelemetryPoint is one telemetry sample.
type TelemetryPoint struct {
	ID      int64
	Ts      time.Time
	AssetID string
	Metric  string
	Value   float64
	Quality string
	RSSIDbm *int
}

// AckRecord is one recorded command acknowledgement.
type AckRecord struct {
	ID            int64
	Ts            time.Time
	AssetID       string
	CorrelationID string
	OK            bool
	Message       string
}

// EventRecord is one recorded device event.
type EventRecord struct {
	ID      int64
	Ts      time.Time
	AssetID string
	Type    string
	Payload []byte
}

// BacklogCounts summarizes the outbound queue's current state.
type BacklogCounts struct {
	Queued   int
	Inflight int
	OldestTs *time.Time
}

// AssetTelemetry is the latest known reading set for one asset, folded
// across metrics the way the diagnostic façade renders a device card.
type AssetTelemetry struct {
	AssetID string
	Ts      time.Time
	Metrics map[string]float64
	Quality map[string]string
	RSSIDbm *int
}

// Store wraps a modernc.org/sqlite connection behind a single mutex
// that serializes every statement. The store is a contention point;
// one lock beats per-table locking at this scale.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	config Config
	logger *logging.Logger
}

// Open creates the database file (and parent schema) if needed and
// returns a ready Store.
func Open(config Config) (*Store, error) {
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	s := &Store{db: db, config: config, logger: logging.Default().With("store")}
	s.logger.Info("sqlite initialised", "path", config.Path)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return err
	}
	s.logger.Info("sqlite connection closed")
	return nil
}

// PutBacklog enqueues one outbound message and returns its row id.
func (s *Store) PutBacklog(ctx context.Context, ts time.Time, topic string, payload []byte, qos byte, idempotencyKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_out (ts, topic, payload, qos, idempotency_key) VALUES (?, ?, ?, ?, ?)`,
		ts.Format(timeLayout), topic, payload, qos, nullableString(idempotencyKey),
	)
	if err != nil {
		return 0, fmt.Errorf("store: put backlog: %w", err)
	}
	return res.LastInsertId()
}

// MarkSent flips sent (and optionally acked) for the given row ids.
func (s *Store) MarkSent(ctx context.Context, ids []int64, acked bool) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: mark sent: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE queue_out SET sent = 1, acked = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("store: mark sent: %w", err)
	}
	defer stmt.Close()

	ackedInt := 0
	if acked {
		ackedInt = 1
	}
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, ackedInt, id); err != nil {
			return fmt.Errorf("store: mark sent: %w", err)
		}
	}
	return tx.Commit()
}

// FetchBacklog returns up to limit unacked rows in ascending id order,
// the drain loop's FIFO read.
func (s *Store) FetchBacklog(ctx context.Context, limit int) ([]BacklogRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, topic, payload, qos, sent, acked, idempotency_key
		 FROM queue_out WHERE acked = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch backlog: %w", err)
	}
	defer rows.Close()

	var out []BacklogRow
	for rows.Next() {
		var r BacklogRow
		var tsStr string
		var sentInt, ackedInt int
		var idempotencyKey sql.NullString
		if err := rows.Scan(&r.ID, &tsStr, &r.Topic, &r.Payload, &r.QoS, &sentInt, &ackedInt, &idempotencyKey); err != nil {
			return nil, fmt.Errorf("store: fetch backlog: %w", err)
		}
		r.Ts, _ = time.Parse(timeLayout, tsStr)
		r.Sent = sentInt != 0
		r.Acked = ackedInt != 0
		r.IdempotencyKey = idempotencyKey.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// BacklogEntries serves the diagnostic /buffer endpoint. It returns
// exactly what FetchBacklog returns: unacked rows in ascending id
// order, each with its sent/acked flags.
func (s *Store) BacklogEntries(ctx context.Context, limit int) ([]BacklogRow, error) {
	return s.FetchBacklog(ctx, limit)
}

// BacklogCounts reports the queue's current depth and inflight count.
func (s *Store) BacklogCounts(ctx context.Context) (BacklogCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts BacklogCounts
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_out WHERE acked = 0`).Scan(&counts.Queued); err != nil {
		return counts, fmt.Errorf("store: backlog counts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_out WHERE sent = 1 AND acked = 0`).Scan(&counts.Inflight); err != nil {
		return counts, fmt.Errorf("store: backlog counts: %w", err)
	}
	var oldest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(ts) FROM queue_out WHERE acked = 0`).Scan(&oldest); err != nil {
		return counts, fmt.Errorf("store: backlog counts: %w", err)
	}
	if oldest.Valid {
		if t, err := time.Parse(timeLayout, oldest.String); err == nil {
			counts.OldestTs = &t
		}
	}
	return counts, nil
}

// PurgeBacklog deletes every acked row and returns the count removed.
func (s *Store) PurgeBacklog(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_out WHERE acked = 1`)
	if err != nil {
		return 0, fmt.Errorf("store: purge backlog: %w", err)
	}
	return res.RowsAffected()
}

// PurgeRetention deletes telemetry/ack/event rows (and acked backlog
// rows) older than the configured retention window.
func (s *Store) PurgeRetention(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RetentionDays).Format(timeLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	stmts := []string{
		`DELETE FROM telemetry WHERE ts < ?`,
		`DELETE FROM ack WHERE ts < ?`,
		`DELETE FROM events WHERE ts < ?`,
		`DELETE FROM queue_out WHERE ts < ? AND acked = 1`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt, cutoff); err != nil {
			return fmt.Errorf("store: purge retention: %w", err)
		}
	}
	s.logger.Debug("retention purge applied", "cutoff", cutoff)
	return nil
}

// StoreTelemetry inserts one row per non-nil metric value.
func (s *Store) StoreTelemetry(ctx context.Context, ts time.Time, assetID string, metrics map[string]float64, rssiDbm *int) error {
	if len(metrics) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: store telemetry: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO telemetry (ts, asset_id, metric, value, quality, rssi_dbm) VALUES (?, ?, ?, ?, 'good', ?)`)
	if err != nil {
		return fmt.Errorf("store: store telemetry: %w", err)
	}
	defer stmt.Close()

	tsStr := ts.Format(timeLayout)
	for metric, value := range metrics {
		if _, err := stmt.ExecContext(ctx, tsStr, assetID, metric, value, nullableInt(rssiDbm)); err != nil {
			return fmt.Errorf("store: store telemetry: %w", err)
		}
	}
	return tx.Commit()
}

// StoreAck records one command acknowledgement.
func (s *Store) StoreAck(ctx context.Context, ts time.Time, assetID, correlationID string, ok bool, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ack (ts, asset_id, correlation_id, ok, message) VALUES (?, ?, ?, ?, ?)`,
		ts.Format(timeLayout), assetID, correlationID, okInt, nullableString(message))
	if err != nil {
		return fmt.Errorf("store: store ack: %w", err)
	}
	return nil
}

// StoreEvent records one device event.
func (s *Store) StoreEvent(ctx context.Context, ts time.Time, assetID, eventType string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (ts, asset_id, type, payload) VALUES (?, ?, ?, ?)`,
		ts.Format(timeLayout), assetID, eventType, payload)
	if err != nil {
		return fmt.Errorf("store: store event: %w", err)
	}
	return nil
}

// LatestTelemetry folds the most recent rows per asset_id into one
// AssetTelemetry each. The merge compares parsed time.Time values
// rather than raw timestamp strings, so unusual formats can't invert
// the "latest" ordering.
func (s *Store) LatestTelemetry(ctx context.Context, limit int) ([]AssetTelemetry, error) {
	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, asset_id, metric, value, quality, rssi_dbm FROM telemetry ORDER BY datetime(ts) DESC LIMIT ?`, limit)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("store: latest telemetry: %w", err)
	}
	defer rows.Close()

	order := make([]string, 0)
	merged := make(map[string]*AssetTelemetry)
	metricTs := make(map[string]time.Time)
	for rows.Next() {
		var tsStr, assetID, metric, quality string
		var value float64
		var rssi sql.NullInt64
		if err := rows.Scan(&tsStr, &assetID, &metric, &value, &quality, &rssi); err != nil {
			return nil, fmt.Errorf("store: latest telemetry: %w", err)
		}
		ts, err := time.Parse(timeLayout, tsStr)
		if err != nil {
			continue
		}

		asset, ok := merged[assetID]
		if !ok {
			asset = &AssetTelemetry{
				AssetID: assetID,
				Ts:      ts,
				Metrics: make(map[string]float64),
				Quality: make(map[string]string),
			}
			if rssi.Valid {
				v := int(rssi.Int64)
				asset.RSSIDbm = &v
			}
			merged[assetID] = asset
			order = append(order, assetID)
		}
		key := assetID + "\x00" + metric
		if prev, seen := metricTs[key]; !seen || ts.After(prev) {
			asset.Metrics[metric] = value
			asset.Quality[metric] = quality
			metricTs[key] = ts
		}
		if ts.After(asset.Ts) {
			asset.Ts = ts
		}
		if asset.RSSIDbm == nil && rssi.Valid {
			v := int(rssi.Int64)
			asset.RSSIDbm = &v
		}
	}

	out := make([]AssetTelemetry, 0, len(order))
	for _, assetID := range order {
		out = append(out, *merged[assetID])
	}
	return out, rows.Err()
}

// RecentAcks returns the most recent ack rows, newest first.
func (s *Store) RecentAcks(ctx context.Context, limit int) ([]AckRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, asset_id, correlation_id, ok, message FROM ack ORDER BY datetime(ts) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent acks: %w", err)
	}
	defer rows.Close()

	var out []AckRecord
	for rows.Next() {
		var a AckRecord
		var tsStr string
		var okInt int
		var message sql.NullString
		if err := rows.Scan(&tsStr, &a.AssetID, &a.CorrelationID, &okInt, &message); err != nil {
			return nil, fmt.Errorf("store: recent acks: %w", err)
		}
		a.Ts, _ = time.Parse(timeLayout, tsStr)
		a.OK = okInt != 0
		a.Message = message.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
