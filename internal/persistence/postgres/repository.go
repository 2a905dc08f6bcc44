// Package postgres provides pgx-backed repositories for credentials, daily
// records and the sync audit trail. Daily record writes record their outbox
// events inside the same transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/wearablesync/internal/domain"
	"example.com/wearablesync/internal/events"
	"example.com/wearablesync/internal/outbox"
)

// dailyWriteLock is the advisory lock key serialising daily record writers
// across processes.
const dailyWriteLock int64 = 0x77656172

// CredentialRepository stores the singleton OAuth credential.
type CredentialRepository struct {
	pool *pgxpool.Pool
}

// NewCredentialRepository constructs a CredentialRepository.
func NewCredentialRepository(pool *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

// Load returns nil when no credential has been stored.
func (r *CredentialRepository) Load(ctx context.Context) (*domain.OAuthCredential, error) {
	const query = `SELECT access_token, COALESCE(refresh_token, ''), expires_at, scope, token_type, updated_at
        FROM oauth_credentials WHERE id = 1`

	var cred domain.OAuthCredential
	err := r.pool.QueryRow(ctx, query).Scan(&cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &cred.Scope, &cred.TokenType, &cred.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Save replaces the stored credential in a single statement.
func (r *CredentialRepository) Save(ctx context.Context, cred domain.OAuthCredential) error {
	const stmt = `INSERT INTO oauth_credentials (id, access_token, refresh_token, expires_at, scope, token_type, updated_at)
        VALUES (1, $1, $2, $3, $4, $5, NOW())
        ON CONFLICT (id) DO UPDATE SET
            access_token = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            expires_at = EXCLUDED.expires_at,
            scope = EXCLUDED.scope,
            token_type = EXCLUDED.token_type,
            updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, stmt, cred.AccessToken, nullIfEmpty(cred.RefreshToken), cred.ExpiresAt, cred.Scope, cred.TokenType)
	return err
}

// OAuthStateRepository tracks pending authorization states.
type OAuthStateRepository struct {
	pool *pgxpool.Pool
}

// NewOAuthStateRepository constructs an OAuthStateRepository.
func NewOAuthStateRepository(pool *pgxpool.Pool) *OAuthStateRepository {
	return &OAuthStateRepository{pool: pool}
}

func (r *OAuthStateRepository) Create(ctx context.Context, state string, createdAt time.Time) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO oauth_states (state, created_at) VALUES ($1, $2)`, state, createdAt)
	return err
}

func (r *OAuthStateRepository) Consume(ctx context.Context, state string, notBefore time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE oauth_states SET consumed_at = NOW()
          WHERE state = $1 AND consumed_at IS NULL AND created_at >= $2`,
		state, notBefore,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidOAuthState
	}
	return nil
}

const dailyColumns = `day, hrv, resting_heart_rate, recovery_score, strain, sleep_duration_minutes, sleep_efficiency,
        sleep_stage_summary, sleep_raw, recovery_raw, cycle_raw, workout_raw_list, body_weight_kg, missing_flag, created_at, updated_at`

// DailyRecordStore persists daily records and their outbox events.
type DailyRecordStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewDailyRecordStore constructs a DailyRecordStore.
func NewDailyRecordStore(pool *pgxpool.Pool) *DailyRecordStore {
	return &DailyRecordStore{pool: pool, now: time.Now}
}

// LatestDay returns the most recent stored day.
func (s *DailyRecordStore) LatestDay(ctx context.Context) (time.Time, bool, error) {
	var day *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MAX(day) FROM daily_records`).Scan(&day); err != nil {
		return time.Time{}, false, err
	}
	if day == nil {
		return time.Time{}, false, nil
	}
	return domain.DayOf(*day), true, nil
}

// ListRange returns records for [from, to] ordered by day.
func (s *DailyRecordStore) ListRange(ctx context.Context, from, to time.Time) ([]domain.DailyRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+dailyColumns+` FROM daily_records WHERE day BETWEEN $1 AND $2 ORDER BY day`,
		domain.DayOf(from), domain.DayOf(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.DailyRecord, 0)
	for rows.Next() {
		rec, err := scanDaily(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// LatestComplete returns the newest present record with a recovery score.
func (s *DailyRecordStore) LatestComplete(ctx context.Context) (*domain.DailyRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dailyColumns+` FROM daily_records
          WHERE missing_flag = FALSE AND recovery_score IS NOT NULL
          ORDER BY day DESC LIMIT 1`)
	rec, err := scanDaily(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Apply runs fn in one transaction holding the daily write lock.
func (s *DailyRecordStore) Apply(ctx context.Context, fn func(domain.DailyUnitOfWork) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, dailyWriteLock); err != nil {
		return err
	}

	if err = fn(&unitOfWork{tx: tx, now: s.now}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type unitOfWork struct {
	tx      pgx.Tx
	now     func() time.Time
	pending []events.DailyRecordSynced
}

func (u *unitOfWork) Get(ctx context.Context, day time.Time) (*domain.DailyRecord, error) {
	row := u.tx.QueryRow(ctx, `SELECT `+dailyColumns+` FROM daily_records WHERE day = $1 FOR UPDATE`, domain.DayOf(day))
	rec, err := scanDaily(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (u *unitOfWork) Put(ctx context.Context, rec domain.DailyRecord) error {
	rec.Day = domain.DayOf(rec.Day)
	now := u.now().UTC()

	workouts, err := marshalWorkouts(rec.WorkoutRawList)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO daily_records (day, hrv, resting_heart_rate, recovery_score, strain, sleep_duration_minutes, sleep_efficiency,
            sleep_stage_summary, sleep_raw, recovery_raw, cycle_raw, workout_raw_list, body_weight_kg, missing_flag, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
        ON CONFLICT (day) DO UPDATE SET
            hrv = EXCLUDED.hrv,
            resting_heart_rate = EXCLUDED.resting_heart_rate,
            recovery_score = EXCLUDED.recovery_score,
            strain = EXCLUDED.strain,
            sleep_duration_minutes = EXCLUDED.sleep_duration_minutes,
            sleep_efficiency = EXCLUDED.sleep_efficiency,
            sleep_stage_summary = EXCLUDED.sleep_stage_summary,
            sleep_raw = EXCLUDED.sleep_raw,
            recovery_raw = EXCLUDED.recovery_raw,
            cycle_raw = EXCLUDED.cycle_raw,
            workout_raw_list = EXCLUDED.workout_raw_list,
            body_weight_kg = EXCLUDED.body_weight_kg,
            missing_flag = EXCLUDED.missing_flag,
            updated_at = EXCLUDED.updated_at`

	_, err = u.tx.Exec(ctx, stmt,
		rec.Day,
		rec.HRV,
		rec.RestingHeartRate,
		rec.RecoveryScore,
		rec.Strain,
		rec.SleepDurationMinutes,
		rec.SleepEfficiency,
		nullIfEmptyJSON(rec.SleepStageSummary),
		nullIfEmptyJSON(rec.SleepRaw),
		nullIfEmptyJSON(rec.RecoveryRaw),
		nullIfEmptyJSON(rec.CycleRaw),
		workouts,
		rec.BodyWeightKg,
		rec.MissingFlag,
		now,
	)
	if err != nil {
		return err
	}

	u.pending = append(u.pending, events.DailyRecordSynced{
		Day:                  rec.Day.Format(time.DateOnly),
		MissingFlag:          rec.MissingFlag,
		HRV:                  rec.HRV,
		RestingHeartRate:     rec.RestingHeartRate,
		RecoveryScore:        rec.RecoveryScore,
		Strain:               rec.Strain,
		SleepDurationMinutes: rec.SleepDurationMinutes,
		SleepEfficiency:      rec.SleepEfficiency,
		BodyWeightKg:         rec.BodyWeightKg,
		WorkoutCount:         len(rec.WorkoutRawList),
		SyncedAt:             now,
	})
	return nil
}

// Complete writes one daily_record.synced event per Put, stamped with the run
// id, followed by the sync.completed event.
func (u *unitOfWork) Complete(ctx context.Context, summary domain.SyncSummary) error {
	for _, evt := range u.pending {
		evt.RunID = summary.RunID
		key := dedupeKey(summary.RunID, evt.Day, events.TypeDailyRecordSynced)
		if err := insertOutbox(ctx, u.tx, "daily_record", evt.Day, evt.Day, events.TypeDailyRecordSynced, key, evt); err != nil {
			return err
		}
	}
	u.pending = nil

	key := dedupeKey(summary.RunID, events.TypeSyncCompleted)
	return insertOutbox(ctx, u.tx, "sync_run", summary.RunID, summary.RunID, events.TypeSyncCompleted, key, events.SyncCompleted{
		RunID:       summary.RunID,
		WindowStart: summary.Window.Start,
		WindowEnd:   summary.Window.End,
		Days:        summary.Days,
		MissingDays: summary.MissingDays,
		CompletedAt: summary.CompletedAt,
	})
}

// SyncRunRepository stores sync audit rows.
type SyncRunRepository struct {
	pool *pgxpool.Pool
}

// NewSyncRunRepository constructs a SyncRunRepository.
func NewSyncRunRepository(pool *pgxpool.Pool) *SyncRunRepository {
	return &SyncRunRepository{pool: pool}
}

// Record upserts the audit row for run.ID.
func (r *SyncRunRepository) Record(ctx context.Context, run domain.SyncRun) error {
	const stmt = `INSERT INTO sync_runs (run_id, trigger, status, attempt, window_start, window_end, days, missing_days, error_class, error_message, started_at, finished_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (run_id) DO UPDATE SET
            status = EXCLUDED.status,
            attempt = EXCLUDED.attempt,
            window_start = EXCLUDED.window_start,
            window_end = EXCLUDED.window_end,
            days = EXCLUDED.days,
            missing_days = EXCLUDED.missing_days,
            error_class = EXCLUDED.error_class,
            error_message = EXCLUDED.error_message,
            finished_at = EXCLUDED.finished_at`

	_, err := r.pool.Exec(ctx, stmt,
		run.ID,
		string(run.Trigger),
		string(run.Status),
		run.Attempt,
		nullIfZeroTime(run.Window.Start),
		nullIfZeroTime(run.Window.End),
		run.Days,
		run.MissingDays,
		string(run.ErrorClass),
		run.ErrorMessage,
		run.StartedAt,
		run.FinishedAt,
	)
	return err
}

// ListRecent returns up to limit runs, newest first.
func (r *SyncRunRepository) ListRecent(ctx context.Context, limit int) ([]domain.SyncRun, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT run_id::text, trigger, status, attempt, window_start, window_end, days, missing_days, error_class, error_message, started_at, finished_at
           FROM sync_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.SyncRun, 0, limit)
	for rows.Next() {
		var (
			run                    domain.SyncRun
			trigger, status, class string
			windowStart, windowEnd *time.Time
		)
		if err := rows.Scan(&run.ID, &trigger, &status, &run.Attempt, &windowStart, &windowEnd, &run.Days, &run.MissingDays, &class, &run.ErrorMessage, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		run.Trigger = domain.SyncTrigger(trigger)
		run.Status = domain.SyncStatus(status)
		run.ErrorClass = domain.ErrorClass(class)
		if windowStart != nil {
			run.Window.Start = *windowStart
		}
		if windowEnd != nil {
			run.Window.End = *windowEnd
		}
		results = append(results, run)
	}
	return results, rows.Err()
}

// SyncRequestQueue records on-demand sync requests in the outbox.
type SyncRequestQueue struct {
	pool  *pgxpool.Pool
	topic string
}

// NewSyncRequestQueue constructs a queue publishing to topic; an empty topic
// uses outbox.SyncRequestTopic.
func NewSyncRequestQueue(pool *pgxpool.Pool, topic string) *SyncRequestQueue {
	if topic == "" {
		topic = outbox.SyncRequestTopic
	}
	return &SyncRequestQueue{pool: pool, topic: topic}
}

// Enqueue writes a sync.requested event for the dispatcher to deliver. A
// request id already queued is a no-op.
func (q *SyncRequestQueue) Enqueue(ctx context.Context, req events.SyncRequested) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`
	_, err = q.pool.Exec(ctx, stmt,
		"sync_request",
		req.RequestID,
		events.TypeSyncRequested,
		q.topic,
		q.topic+"-value",
		"sync",
		body,
		dedupeKey(req.RequestID, events.TypeSyncRequested),
	)
	return err
}

func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, partitionKey, eventType, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	route, ok := outbox.RouteFor(eventType)
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		aggregateType,
		aggregateID,
		eventType,
		route.Topic,
		route.SchemaSubject,
		partitionKey,
		body,
		key,
	)
	return err
}

// dedupeKey joins parts into the outbox's unique dedupe_key.
func dedupeKey(parts ...string) string {
	return strings.Join(parts, ":")
}

func scanDaily(row pgx.Row) (domain.DailyRecord, error) {
	var (
		rec      domain.DailyRecord
		workouts []byte
	)
	err := row.Scan(
		&rec.Day,
		&rec.HRV,
		&rec.RestingHeartRate,
		&rec.RecoveryScore,
		&rec.Strain,
		&rec.SleepDurationMinutes,
		&rec.SleepEfficiency,
		&rec.SleepStageSummary,
		&rec.SleepRaw,
		&rec.RecoveryRaw,
		&rec.CycleRaw,
		&workouts,
		&rec.BodyWeightKg,
		&rec.MissingFlag,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return domain.DailyRecord{}, err
	}
	rec.Day = domain.DayOf(rec.Day)
	if len(workouts) > 0 {
		if err := json.Unmarshal(workouts, &rec.WorkoutRawList); err != nil {
			return domain.DailyRecord{}, fmt.Errorf("decode workout_raw_list for %s: %w", rec.Day.Format(time.DateOnly), err)
		}
	}
	return rec, nil
}

func marshalWorkouts(list []json.RawMessage) ([]byte, error) {
	if list == nil {
		return nil, nil
	}
	return json.Marshal(list)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullIfEmptyJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
