package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres is the pgx-backed store.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	p := &Postgres{pool: pool}
	if cfg.AutoMigrate {
		if err := p.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return p, nil
}

// Migrate applies the embedded goose migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func fromTimestamptz(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (p *Postgres) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateCallRecord(ctx context.Context, rec CallRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO calls (call_id, phone_number, campaign_id, status, amd_result, final_sentiment,
			is_interested, duration, recording_path, assembled_audio_path, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (call_id) DO NOTHING`,
		rec.CallID, rec.Phone, rec.CampaignID, string(rec.Status), rec.AMDResult, rec.FinalSentiment,
		rec.IsInterested, rec.Duration, rec.RecordingPath, rec.AssembledAudioPath, rec.StartedAt, nullTime(rec.EndedAt))
	return err
}

func (p *Postgres) UpdateCallRecord(ctx context.Context, rec CallRecord) error {
	return p.exec(ctx, `
		UPDATE calls SET status = $2, amd_result = $3, final_sentiment = $4, is_interested = $5,
			duration = $6, recording_path = $7, assembled_audio_path = $8, ended_at = $9, updated_at = now()
		WHERE call_id = $1`,
		rec.CallID, string(rec.Status), rec.AMDResult, rec.FinalSentiment, rec.IsInterested,
		rec.Duration, rec.RecordingPath, rec.AssembledAudioPath, nullTime(rec.EndedAt))
}

func (p *Postgres) GetCallRecord(ctx context.Context, callID string) (CallRecord, error) {
	var rec CallRecord
	var status string
	var ended pgtype.Timestamptz
	err := p.pool.QueryRow(ctx, `
		SELECT id, call_id, phone_number, campaign_id, status, amd_result, final_sentiment,
			is_interested, duration, recording_path, assembled_audio_path, started_at, ended_at
		FROM calls WHERE call_id = $1`, callID).Scan(
		&rec.ID, &rec.CallID, &rec.Phone, &rec.CampaignID, &status, &rec.AMDResult, &rec.FinalSentiment,
		&rec.IsInterested, &rec.Duration, &rec.RecordingPath, &rec.AssembledAudioPath, &rec.StartedAt, &ended)
	if err != nil {
		return CallRecord{}, notFound(err)
	}
	rec.Status = CallStatus(status)
	rec.EndedAt = fromTimestamptz(ended)
	return rec, nil
}

func (p *Postgres) AppendInteraction(ctx context.Context, in Interaction) error {
	if in.PlayedAt.IsZero() {
		in.PlayedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO call_interactions (call_id, question_number, question_played, transcription, audio_path,
			sentiment, confidence, response_duration, language, intent, intent_confidence,
			asr_latency_ms, intent_latency_ms, barge_in_detected, processing_method, played_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		in.CallID, in.QuestionNumber, in.QuestionPlayed, in.Transcription, in.AudioPath,
		in.Sentiment, in.Confidence, in.ResponseDuration, in.Language, in.Intent, in.IntentConfidence,
		in.ASRLatencyMS, in.IntentLatencyMS, in.BargeIn, in.ProcessingMethod, in.PlayedAt)
	return err
}

func (p *Postgres) Interactions(ctx context.Context, callID string) ([]Interaction, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, call_id, question_number, question_played, transcription, audio_path, sentiment,
			confidence, response_duration, language, intent, intent_confidence, asr_latency_ms,
			intent_latency_ms, barge_in_detected, processing_method, played_at
		FROM call_interactions WHERE call_id = $1 ORDER BY played_at, id`, callID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Interaction, error) {
		var in Interaction
		err := row.Scan(&in.ID, &in.CallID, &in.QuestionNumber, &in.QuestionPlayed, &in.Transcription,
			&in.AudioPath, &in.Sentiment, &in.Confidence, &in.ResponseDuration, &in.Language, &in.Intent,
			&in.IntentConfidence, &in.ASRLatencyMS, &in.IntentLatencyMS, &in.BargeIn, &in.ProcessingMethod,
			&in.PlayedAt)
		return in, err
	})
}

func (p *Postgres) UpsertContact(ctx context.Context, c Contact) error {
	if c.Status == "" {
		c.Status = ContactNew
	}
	if c.Priority <= 0 {
		c.Priority = 1
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO contacts (phone, first_name, last_name, email, company, status, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (phone) DO UPDATE SET first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
			email = EXCLUDED.email, company = EXCLUDED.company, priority = EXCLUDED.priority, updated_at = now()`,
		c.Phone, c.FirstName, c.LastName, c.Email, c.Company, string(c.Status), c.Priority)
	return err
}

func (p *Postgres) GetContact(ctx context.Context, phone string) (Contact, error) {
	var c Contact
	var status string
	var last pgtype.Timestamptz
	err := p.pool.QueryRow(ctx, `
		SELECT id, phone, first_name, last_name, email, company, status, priority, attempts, last_attempt,
			transcript, call_duration, final_status, audio_recording_path
		FROM contacts WHERE phone = $1`, phone).Scan(
		&c.ID, &c.Phone, &c.FirstName, &c.LastName, &c.Email, &c.Company, &status, &c.Priority, &c.Attempts,
		&last, &c.Transcript, &c.CallDuration, &c.FinalStatus, &c.AudioRecordingPath)
	if err != nil {
		return Contact{}, notFound(err)
	}
	c.Status = ContactStatus(status)
	c.LastAttempt = fromTimestamptz(last)
	return c, nil
}

func (p *Postgres) UpdateContact(ctx context.Context, c Contact) error {
	return p.exec(ctx, `
		UPDATE contacts SET status = $2, priority = $3, attempts = $4, last_attempt = $5, transcript = $6,
			call_duration = $7, final_status = $8, audio_recording_path = $9, updated_at = now()
		WHERE phone = $1`,
		c.Phone, string(c.Status), c.Priority, c.Attempts, nullTime(c.LastAttempt), c.Transcript,
		c.CallDuration, c.FinalStatus, c.AudioRecordingPath)
}

func (p *Postgres) UpdateContactStatus(ctx context.Context, phone string, status ContactStatus) error {
	return p.exec(ctx, `UPDATE contacts SET status = $2, updated_at = now() WHERE phone = $1`, phone, string(status))
}

func (p *Postgres) RecordContactAttempt(ctx context.Context, phone string, status ContactStatus, at time.Time) error {
	return p.exec(ctx, `
		UPDATE contacts SET status = $2, attempts = attempts + 1, last_attempt = $3, updated_at = now()
		WHERE phone = $1`, phone, string(status), at)
}

func (p *Postgres) UpsertCampaign(ctx context.Context, c Campaign) error {
	if c.Status == "" {
		c.Status = CampaignActive
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO campaigns (campaign_id, name, description, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (campaign_id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
			status = EXCLUDED.status, updated_at = now()`,
		c.CampaignID, c.Name, c.Description, string(c.Status), c.StartedAt)
	return err
}

func (p *Postgres) GetCampaign(ctx context.Context, campaignID string) (Campaign, error) {
	var c Campaign
	var status string
	var completed pgtype.Timestamptz
	err := p.pool.QueryRow(ctx, `
		SELECT id, campaign_id, name, description, status, total_calls, successful_calls,
			positive_responses, negative_responses, started_at, completed_at
		FROM campaigns WHERE campaign_id = $1`, campaignID).Scan(
		&c.ID, &c.CampaignID, &c.Name, &c.Description, &status, &c.TotalCalls, &c.SuccessfulCalls,
		&c.PositiveResponses, &c.NegativeResponses, &c.StartedAt, &completed)
	if err != nil {
		return Campaign{}, notFound(err)
	}
	c.Status = CampaignStatus(status)
	c.CompletedAt = fromTimestamptz(completed)
	return c, nil
}

func (p *Postgres) UpdateCampaign(ctx context.Context, c Campaign) error {
	return p.exec(ctx, `
		UPDATE campaigns SET name = $2, description = $3, status = $4, total_calls = $5, successful_calls = $6,
			positive_responses = $7, negative_responses = $8, completed_at = $9, updated_at = now()
		WHERE campaign_id = $1`,
		c.CampaignID, c.Name, c.Description, string(c.Status), c.TotalCalls, c.SuccessfulCalls,
		c.PositiveResponses, c.NegativeResponses, nullTime(c.CompletedAt))
}

const queueColumns = `id, campaign_id, phone_number, scenario, status, priority, attempts, max_attempts,
	last_attempt_at, call_id, error_message, created_at`

func scanQueueEntry(row pgx.CollectableRow) (QueueEntry, error) {
	var e QueueEntry
	var status string
	var last pgtype.Timestamptz
	err := row.Scan(&e.ID, &e.CampaignID, &e.Phone, &e.Scenario, &status, &e.Priority, &e.Attempts,
		&e.MaxAttempts, &last, &e.CallID, &e.ErrorMessage, &e.CreatedAt)
	e.Status = QueueStatus(status)
	e.LastAttemptAt = fromTimestamptz(last)
	return e, err
}

func (p *Postgres) Enqueue(ctx context.Context, e QueueEntry) (QueueEntry, error) {
	if e.Status == "" {
		e.Status = QueuePending
	}
	if e.Priority <= 0 {
		e.Priority = 1
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = 1
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO call_queue (campaign_id, phone_number, scenario, status, priority, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.CampaignID, e.Phone, e.Scenario, string(e.Status), e.Priority, e.MaxAttempts).Scan(&e.ID, &e.CreatedAt)
	return e, err
}

func (p *Postgres) QueueByStatus(ctx context.Context, status QueueStatus) ([]QueueEntry, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+queueColumns+` FROM call_queue WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanQueueEntry)
}

func (p *Postgres) NextPending(ctx context.Context, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `SELECT `+queueColumns+` FROM call_queue
		WHERE status = 'pending' ORDER BY priority DESC, created_at ASC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanQueueEntry)
}

func (p *Postgres) UpdateQueueEntry(ctx context.Context, e QueueEntry) error {
	return p.exec(ctx, `
		UPDATE call_queue SET status = $2, attempts = $3, last_attempt_at = $4, call_id = $5,
			error_message = $6, updated_at = now()
		WHERE id = $1`,
		e.ID, string(e.Status), e.Attempts, nullTime(e.LastAttemptAt), e.CallID, e.ErrorMessage)
}

func (p *Postgres) CountQueue(ctx context.Context, status QueueStatus) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM call_queue WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

var _ Store = (*Postgres)(nil)
