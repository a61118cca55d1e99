package tracestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/harun/plinth/internal/observability"
)

//go:embed migrations/*.sql
var migrationsDir embed.FS

// Store is the durable span table. One row per execution unit, keyed
// by (trace_id, span_id). Safe for concurrent writers: WAL mode plus a
// busy timeout lets parallel branches insert and seal without stepping
// on each other.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (creating if needed) the span database at dbPath and
// brings the schema up to date.
func NewStore(dbPath string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent readers alongside writers; the busy
	// timeout covers writer contention from parallel branches.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With().Str("component", "tracestore").Logger(),
	}, nil
}

func migrate(db *sql.DB) error {
	sub, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return err
	}
	if _, err := provider.Up(context.Background()); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginSpan records a new PENDING span and returns its generated id.
func (s *Store) BeginSpan(ctx context.Context, traceID, parentSpanID string, kind SpanKind, name, actorID string, attrs map[string]interface{}) (string, error) {
	if traceID == "" {
		return "", fmt.Errorf("trace id is required")
	}
	if name == "" {
		return "", fmt.Errorf("span name is required")
	}

	spanID := uuid.New().String()
	attrJSON, err := marshalAttributes(attrs)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spans (trace_id, span_id, parent_span_id, kind, name, actor_id, start_ts, status, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		traceID, spanID, parentSpanID, string(kind), name, actorID,
		time.Now().UTC().UnixNano(), string(StatusPending), attrJSON,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert span: %w", err)
	}

	observability.RecordSpanStarted(string(kind))
	s.logger.Debug().
		Str("trace_id", traceID).
		Str("span_id", spanID).
		Str("kind", string(kind)).
		Str("name", name).
		Msg("Span started")

	return spanID, nil
}

// EndSpan seals a pending span. Sealing is once-only; a second attempt
// returns ErrSpanSealed. ERROR seals require a non-empty detail, and
// the recorded end never precedes the start.
func (s *Store) EndSpan(ctx context.Context, traceID, spanID string, seal Seal) error {
	if seal.Status != StatusOK && seal.Status != StatusError {
		return fmt.Errorf("invalid seal status %q", seal.Status)
	}
	if seal.Status == StatusError && seal.ErrorDetail == "" {
		return fmt.Errorf("error seal requires a detail message")
	}

	var startTS int64
	var status, kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT start_ts, status, kind FROM spans WHERE trace_id = ? AND span_id = ?`,
		traceID, spanID,
	).Scan(&startTS, &status, &kind)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s/%s", ErrSpanNotFound, traceID, spanID)
	}
	if err != nil {
		return fmt.Errorf("failed to load span: %w", err)
	}
	if SpanStatus(status) != StatusPending {
		return fmt.Errorf("%w: %s/%s", ErrSpanSealed, traceID, spanID)
	}

	endTS := time.Now().UTC().UnixNano()
	if endTS < startTS {
		endTS = startTS
	}

	// The status guard keeps the seal atomic even when two branches
	// race to end the same span.
	res, err := s.db.ExecContext(ctx, `
		UPDATE spans
		SET end_ts = ?, status = ?, error_detail = ?, input_hash = ?, output_hash = ?
		WHERE trace_id = ? AND span_id = ? AND status = ?`,
		endTS, string(seal.Status), seal.ErrorDetail, seal.InputHash, seal.OutputHash,
		traceID, spanID, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to seal span: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm seal: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrSpanSealed, traceID, spanID)
	}

	observability.RecordSpanSealed(kind, string(seal.Status))
	s.logger.Debug().
		Str("trace_id", traceID).
		Str("span_id", spanID).
		Str("status", string(seal.Status)).
		Msg("Span sealed")

	return nil
}

// Span returns one span by id.
func (s *Store) Span(ctx context.Context, traceID, spanID string) (Span, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, span_id, parent_span_id, kind, name, actor_id,
		       start_ts, end_ts, status, error_detail, input_hash, output_hash, attributes
		FROM spans WHERE trace_id = ? AND span_id = ?`,
		traceID, spanID,
	)
	span, err := scanSpan(row)
	if err == sql.ErrNoRows {
		return Span{}, fmt.Errorf("%w: %s/%s", ErrSpanNotFound, traceID, spanID)
	}
	if err != nil {
		return Span{}, fmt.Errorf("failed to load span: %w", err)
	}
	return span, nil
}

// Spans returns all spans of a trace in insertion order.
func (s *Store) Spans(ctx context.Context, traceID string) ([]Span, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, span_id, parent_span_id, kind, name, actor_id,
		       start_ts, end_ts, status, error_detail, input_hash, output_hash, attributes
		FROM spans WHERE trace_id = ? ORDER BY id ASC`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		spans = append(spans, span)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spans: %w", err)
	}
	return spans, nil
}

// TraceIDs returns the distinct trace ids in the store, newest first.
func (s *Store) TraceIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id FROM spans
		GROUP BY trace_id ORDER BY MAX(start_ts) DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan trace id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReferencedHashes returns every artifact hash any surviving span still
// references. The janitor keeps these blobs and deletes the rest.
func (s *Store) ReferencedHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT input_hash, output_hash FROM spans
		WHERE input_hash != '' OR output_hash != ''`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query referenced hashes: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]struct{})
	for rows.Next() {
		var in, out string
		if err := rows.Scan(&in, &out); err != nil {
			return nil, fmt.Errorf("failed to scan hashes: %w", err)
		}
		if in != "" {
			refs[in] = struct{}{}
		}
		if out != "" {
			refs[out] = struct{}{}
		}
	}
	return refs, rows.Err()
}

// SweepExpired deletes every fully sealed trace whose newest span ended
// before the cutoff. Traces with any pending span are never touched.
// It returns the number of traces and spans removed.
func (s *Store) SweepExpired(ctx context.Context, cutoff time.Time) (int, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id FROM spans
		GROUP BY trace_id
		HAVING SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) = 0
		   AND MAX(end_ts) < ?`,
		string(StatusPending), cutoff.UTC().UnixNano(),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to find expired traces: %w", err)
	}

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("failed to scan trace id: %w", err)
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, fmt.Errorf("failed to read expired traces: %w", err)
	}
	rows.Close()

	spansRemoved := 0
	for _, traceID := range expired {
		res, err := s.db.ExecContext(ctx, `DELETE FROM spans WHERE trace_id = ?`, traceID)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to delete trace %s: %w", traceID, err)
		}
		n, _ := res.RowsAffected()
		spansRemoved += int(n)
	}

	if len(expired) > 0 {
		s.logger.Info().
			Int("traces", len(expired)).
			Int("spans", spansRemoved).
			Msg("Swept expired traces")
	}
	return len(expired), spansRemoved, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSpan(row rowScanner) (Span, error) {
	var (
		span      Span
		kind      string
		status    string
		startTS   int64
		endTS     sql.NullInt64
		attrsJSON string
	)
	err := row.Scan(
		&span.TraceID, &span.SpanID, &span.ParentSpanID, &kind, &span.Name, &span.ActorID,
		&startTS, &endTS, &status, &span.ErrorDetail, &span.InputHash, &span.OutputHash, &attrsJSON,
	)
	if err != nil {
		return Span{}, err
	}

	span.Kind = SpanKind(kind)
	span.Status = SpanStatus(status)
	span.StartedAt = time.Unix(0, startTS).UTC()
	if endTS.Valid {
		span.EndedAt = time.Unix(0, endTS.Int64).UTC()
	}
	if attrsJSON != "" && attrsJSON != "{}" {
		if err := json.Unmarshal([]byte(attrsJSON), &span.Attributes); err != nil {
			return Span{}, fmt.Errorf("failed to decode attributes: %w", err)
		}
	}
	return span, nil
}

func marshalAttributes(attrs map[string]interface{}) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to encode attributes: %w", err)
	}
	return string(data), nil
}
