package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kensaku-ai/kensaku/internal/store"
)

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	required := []string{
		"threads",
		"chat_records",
		"thread_events",
		"thread_event_sequences",
	}
	for _, table := range required {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run infra/migrations/001_init.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) CreateThread(ctx context.Context, thread store.Thread) error {
	const query = `
		INSERT INTO threads (id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		thread.ID,
		thread.Title,
		parseTimestampValue(thread.CreatedAt),
		parseTimestampValue(thread.UpdatedAt),
	)
	return err
}

func (p *PostgresStore) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	const query = `
		SELECT id, title, created_at, updated_at
		FROM threads
		WHERE id = $1
	`
	var createdAt time.Time
	var updatedAt time.Time
	var thread store.Thread
	err := p.db.QueryRowContext(ctx, query, threadID).Scan(&thread.ID, &thread.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	thread.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	thread.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return &thread, nil
}

func (p *PostgresStore) ListThreads(ctx context.Context) ([]store.ThreadSummary, error) {
	const query = `
		SELECT t.id, t.title, t.created_at, t.updated_at, COUNT(r.id) AS record_count
		FROM threads t
		LEFT JOIN chat_records r ON r.thread_id = t.id
		GROUP BY t.id, t.title, t.created_at, t.updated_at
		ORDER BY t.updated_at DESC
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.ThreadSummary{}
	for rows.Next() {
		var createdAt time.Time
		var updatedAt time.Time
		var summary store.ThreadSummary
		if err := rows.Scan(&summary.ID, &summary.Title, &createdAt, &updatedAt, &summary.RecordCount); err != nil {
			return nil, err
		}
		summary.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		summary.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
		results = append(results, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	queries := []string{
		"DELETE FROM chat_records WHERE thread_id = $1",
		"DELETE FROM thread_events WHERE thread_id = $1",
		"DELETE FROM thread_event_sequences WHERE thread_id = $1",
		"DELETE FROM threads WHERE id = $1",
	}
	for _, query := range queries {
		if _, err = tx.ExecContext(ctx, query, threadID); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) SetThreadTitle(ctx context.Context, threadID string, title string) error {
	const query = `
		UPDATE threads
		SET title = $2, updated_at = $3
		WHERE id = $1
	`
	result, err := p.db.ExecContext(ctx, query, threadID, title, time.Now().UTC())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("thread %s not found", threadID)
	}
	return nil
}

func (p *PostgresStore) SaveChatRecord(ctx context.Context, record store.ChatRecord) error {
	webResults := record.WebResults
	if webResults == nil {
		webResults = []store.WebResult{}
	}
	mediums := record.Mediums
	if mediums == nil {
		mediums = []store.Medium{}
	}
	webBytes, err := json.Marshal(webResults)
	if err != nil {
		return err
	}
	mediumBytes, err := json.Marshal(mediums)
	if err != nil {
		return err
	}
	metadataBytes, err := json.Marshal(record.Metadata)
	if err != nil {
		return err
	}

	const insertQuery = `
		INSERT INTO chat_records (id, thread_id, query, answer, web_results, mediums, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	const touchQuery = `
		UPDATE threads
		SET updated_at = $2
		WHERE id = $1
	`
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(
		ctx,
		insertQuery,
		record.ID,
		record.ThreadID,
		record.Query,
		record.Answer,
		webBytes,
		mediumBytes,
		metadataBytes,
		parseTimestampValue(record.CreatedAt),
	); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, touchQuery, record.ThreadID, time.Now().UTC()); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) ListChatRecords(ctx context.Context, threadID string) ([]store.ChatRecord, error) {
	const query = `
		SELECT id, thread_id, query, answer, web_results, mediums, metadata, created_at
		FROM chat_records
		WHERE thread_id = $1
		ORDER BY seq ASC
	`
	rows, err := p.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.ChatRecord{}
	for rows.Next() {
		var createdAt time.Time
		var webBytes []byte
		var mediumBytes []byte
		var metadataBytes []byte
		var record store.ChatRecord
		if err := rows.Scan(
			&record.ID,
			&record.ThreadID,
			&record.Query,
			&record.Answer,
			&webBytes,
			&mediumBytes,
			&metadataBytes,
			&createdAt,
		); err != nil {
			return nil, err
		}
		record.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		record.WebResults = []store.WebResult{}
		if len(webBytes) > 0 {
			if err := json.Unmarshal(webBytes, &record.WebResults); err != nil {
				return nil, err
			}
		}
		record.Mediums = []store.Medium{}
		if len(mediumBytes) > 0 {
			if err := json.Unmarshal(mediumBytes, &record.Mediums); err != nil {
				return nil, err
			}
		}
		if len(metadataBytes) > 0 {
			if err := json.Unmarshal(metadataBytes, &record.Metadata); err != nil {
				return nil, err
			}
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event store.ThreadEvent) error {
	event.Type = strings.TrimSpace(strings.ToLower(event.Type))
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	timestamp := event.Timestamp
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	traceID := strings.TrimSpace(event.TraceID)
	var traceIDValue any
	if traceID == "" {
		traceIDValue = nil
	} else if _, err := uuid.Parse(traceID); err != nil {
		traceIDValue = nil
	} else {
		traceIDValue = traceID
	}
	const query = `
		INSERT INTO thread_events (thread_id, seq, type, timestamp, source, trace_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = p.db.ExecContext(ctx, query, event.ThreadID, event.Seq, event.Type, parseTimestampValue(timestamp), event.Source, traceIDValue, encoded)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, threadID string, afterSeq int64) ([]store.ThreadEvent, error) {
	const query = `
		SELECT thread_id, seq, type, timestamp, source, trace_id, payload
		FROM thread_events
		WHERE thread_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	rows, err := p.db.QueryContext(ctx, query, threadID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.ThreadEvent{}
	for rows.Next() {
		var payloadBytes []byte
		var timestamp time.Time
		var traceID sql.NullString
		var event store.ThreadEvent
		if err := rows.Scan(&event.ThreadID, &event.Seq, &event.Type, &timestamp, &event.Source, &traceID, &payloadBytes); err != nil {
			return nil, err
		}
		event.Timestamp = timestamp.UTC().Format(time.RFC3339Nano)
		if traceID.Valid {
			event.TraceID = traceID.String
		}
		if len(payloadBytes) > 0 {
			var payload any
			if err := json.Unmarshal(payloadBytes, &payload); err != nil {
				return nil, err
			}
			event.Payload = payload
		} else {
			event.Payload = map[string]any{}
		}
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) NextSeq(ctx context.Context, threadID string) (int64, error) {
	const query = `
		INSERT INTO thread_event_sequences (thread_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (thread_id)
		DO UPDATE SET last_seq = thread_event_sequences.last_seq + 1
		RETURNING last_seq
	`
	var seq int64
	if err := p.db.QueryRowContext(ctx, query, threadID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
}
