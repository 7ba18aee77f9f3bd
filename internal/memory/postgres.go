package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/realtime"
)

// PostgresStore persists conversation history in PostgreSQL. Inserts notify
// realtime.NotifyChannel inside the write transaction, so listeners only see
// committed rows.
type PostgresStore struct {
	pool      *pgxpool.Pool
	publisher realtime.Publisher
	logger    zerolog.Logger
}

func NewPostgresStore(ctx context.Context, databaseURL string, publisher realtime.Publisher) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, publisher: publisher, logger: zerolog.Nop()}, nil
}

// WithLogger sets where failed republishes are reported.
func (s *PostgresStore) WithLogger(logger zerolog.Logger) *PostgresStore {
	s.logger = logger
	return s
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS patients (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			clinician_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patients_clinician ON patients (clinician_id);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			transcript JSONB NOT NULL DEFAULT '[]'::jsonb,
			summary TEXT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_patient_created ON conversations (patient_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS check_ins (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_check_ins_patient_created ON check_ins (patient_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const conversationColumns = `id, patient_id, session_id, transcript, summary, duration_seconds, created_at`

func scanConversation(row pgx.Row) (ConversationRecord, error) {
	var (
		r       ConversationRecord
		raw     []byte
		summary *string
	)
	if err := row.Scan(&r.ID, &r.PatientID, &r.SessionID, &raw, &summary, &r.DurationSeconds, &r.CreatedAt); err != nil {
		return ConversationRecord{}, err
	}
	if summary != nil {
		r.Summary = *summary
	}
	r.Transcript = []Turn{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &r.Transcript); err != nil {
			return ConversationRecord{}, fmt.Errorf("decode transcript: %w", err)
		}
	}
	return r, nil
}

func (s *PostgresStore) LatestConversation(ctx context.Context, patientID string) (ConversationRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations WHERE patient_id=$1 ORDER BY created_at DESC LIMIT 1`,
		patientID,
	)
	r, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConversationRecord{}, ErrNotFound
	}
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("query latest conversation: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, patientID string, limit int) ([]ConversationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations WHERE patient_id=$1 ORDER BY created_at DESC LIMIT $2`,
		patientID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := make([]ConversationRecord, 0, limit)
	for rows.Next() {
		r, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, recordID string) (ConversationRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, recordID)
	r, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConversationRecord{}, ErrNotFound
	}
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("query conversation: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) InsertConversation(ctx context.Context, record ConversationRecord) (ConversationRecord, error) {
	if strings.TrimSpace(record.PatientID) == "" {
		return ConversationRecord{}, errors.New("insert conversation: patient_id is required")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Transcript == nil {
		record.Transcript = []Turn{}
	}
	transcript, err := json.Marshal(record.Transcript)
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("encode transcript: %w", err)
	}
	var summary *string
	if record.Summary != "" {
		summary = &record.Summary
	}

	event, err := s.insertAndNotify(ctx, realtime.TableConversations, record.ID, record.PatientID, record.CreatedAt,
		`INSERT INTO conversations (id, patient_id, session_id, transcript, summary, duration_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.PatientID, record.SessionID, transcript, summary, record.DurationSeconds, record.CreatedAt,
	)
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("insert conversation: %w", err)
	}
	s.republish(ctx, event)
	return record, nil
}

func (s *PostgresStore) SetConversationSummary(ctx context.Context, recordID, summary string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET summary=$2 WHERE id=$1`, recordID, summary)
	if err != nil {
		return fmt.Errorf("update conversation summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertCheckIn(ctx context.Context, checkIn CheckIn) (CheckIn, error) {
	if strings.TrimSpace(checkIn.PatientID) == "" {
		return CheckIn{}, errors.New("insert check-in: patient_id is required")
	}
	if checkIn.ID == "" {
		checkIn.ID = uuid.NewString()
	}
	if checkIn.CreatedAt.IsZero() {
		checkIn.CreatedAt = time.Now().UTC()
	}

	event, err := s.insertAndNotify(ctx, realtime.TableCheckIns, checkIn.ID, checkIn.PatientID, checkIn.CreatedAt,
		`INSERT INTO check_ins (id, patient_id, note, created_at) VALUES ($1, $2, $3, $4)`,
		checkIn.ID, checkIn.PatientID, checkIn.Note, checkIn.CreatedAt,
	)
	if err != nil {
		return CheckIn{}, fmt.Errorf("insert check-in: %w", err)
	}
	s.republish(ctx, event)
	return checkIn, nil
}

// insertAndNotify runs the insert and the NOTIFY in one transaction.
func (s *PostgresStore) insertAndNotify(
	ctx context.Context,
	table, recordID, patientID string,
	at time.Time,
	insertSQL string,
	args ...any,
) (realtime.RawEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return realtime.RawEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertSQL, args...); err != nil {
		return realtime.RawEvent{}, err
	}

	var clinicianID string
	err = tx.QueryRow(ctx, `SELECT clinician_id FROM patients WHERE id=$1`, patientID).Scan(&clinicianID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return realtime.RawEvent{}, fmt.Errorf("lookup clinician: %w", err)
	}

	event := realtime.RawEvent{
		Table:       table,
		Type:        "INSERT",
		RecordID:    recordID,
		PatientID:   patientID,
		ClinicianID: clinicianID,
		OccurredAt:  at,
	}
	payload, err := realtime.EncodeRawEvent(event)
	if err != nil {
		return realtime.RawEvent{}, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, realtime.NotifyChannel, string(payload)); err != nil {
		return realtime.RawEvent{}, fmt.Errorf("notify: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return realtime.RawEvent{}, fmt.Errorf("commit: %w", err)
	}
	return event, nil
}

func (s *PostgresStore) republish(ctx context.Context, event realtime.RawEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("table", event.Table).Str("record_id", event.RecordID).Str("patient_id", event.PatientID).Msg("insert announcement not republished")
	}
}

func (s *PostgresStore) UpsertPatient(ctx context.Context, patient Patient) error {
	if strings.TrimSpace(patient.ID) == "" {
		return errors.New("upsert patient: id is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO patients (id, display_name, clinician_id, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET
			display_name=EXCLUDED.display_name,
			clinician_id=EXCLUDED.clinician_id,
			updated_at=EXCLUDED.updated_at`,
		patient.ID,
		patient.DisplayName,
		patient.ClinicianID,
	)
	if err != nil {
		return fmt.Errorf("upsert patient: %w", err)
	}
	return nil
}

func (s *PostgresStore) AssignedClinician(ctx context.Context, patientID string) (string, error) {
	var clinicianID string
	err := s.pool.QueryRow(ctx, `SELECT clinician_id FROM patients WHERE id=$1`, patientID).Scan(&clinicianID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query assigned clinician: %w", err)
	}
	return clinicianID, nil
}

func (s *PostgresStore) PatientsForClinician(ctx context.Context, clinicianID string) ([]Patient, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, clinician_id FROM patients WHERE clinician_id=$1 ORDER BY id`,
		clinicianID,
	)
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	defer rows.Close()

	out := make([]Patient, 0)
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.ClinicianID); err != nil {
			return nil, fmt.Errorf("scan patient row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patient rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
