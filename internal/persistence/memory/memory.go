// Package memory provides in-memory repositories for tests and local runs.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"example.com/wearablesync/internal/domain"
)

// CredentialRepository keeps the singleton credential in memory.
type CredentialRepository struct {
	mu    sync.RWMutex
	cred  *domain.OAuthCredential
	saves int
}

// NewCredentialRepository constructs a repository, optionally seeded.
func NewCredentialRepository(seed *domain.OAuthCredential) *CredentialRepository {
	r := &CredentialRepository{}
	if seed != nil {
		c := *seed
		r.cred = &c
	}
	return r
}

func (r *CredentialRepository) Load(context.Context) (*domain.OAuthCredential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cred == nil {
		return nil, nil
	}
	c := *r.cred
	return &c, nil
}

func (r *CredentialRepository) Save(_ context.Context, cred domain.OAuthCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cred = &cred
	r.saves++
	return nil
}

// Saves reports how many times Save was called.
func (r *CredentialRepository) Saves() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saves
}

// OAuthStateRepository tracks pending authorization states.
type OAuthStateRepository struct {
	mu     sync.Mutex
	states map[string]oauthState
}

type oauthState struct {
	createdAt time.Time
	consumed  bool
}

// NewOAuthStateRepository constructs an empty repository.
func NewOAuthStateRepository() *OAuthStateRepository {
	return &OAuthStateRepository{states: make(map[string]oauthState)}
}

func (r *OAuthStateRepository) Create(_ context.Context, state string, createdAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state] = oauthState{createdAt: createdAt}
	return nil
}

func (r *OAuthStateRepository) Consume(_ context.Context, state string, notBefore time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.states[state]
	if !ok || entry.consumed || entry.createdAt.Before(notBefore) {
		return domain.ErrInvalidOAuthState
	}
	entry.consumed = true
	r.states[state] = entry
	return nil
}

// DailyRecordStore keeps daily records keyed by day. Apply stages writes on a
// copy and swaps it in only when the callback succeeds.
type DailyRecordStore struct {
	mu        sync.RWMutex
	records   map[time.Time]domain.DailyRecord
	summaries []domain.SyncSummary
	now       func() time.Time
}

// NewDailyRecordStore constructs an empty store.
func NewDailyRecordStore() *DailyRecordStore {
	return &DailyRecordStore{records: make(map[time.Time]domain.DailyRecord), now: time.Now}
}

func (s *DailyRecordStore) LatestDay(context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	found := false
	for day := range s.records {
		if !found || day.After(latest) {
			latest, found = day, true
		}
	}
	return latest, found, nil
}

func (s *DailyRecordStore) ListRange(_ context.Context, from, to time.Time) ([]domain.DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	from, to = domain.DayOf(from), domain.DayOf(to)
	out := make([]domain.DailyRecord, 0)
	for day, rec := range s.records {
		if day.Before(from) || day.After(to) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (s *DailyRecordStore) LatestComplete(context.Context) (*domain.DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.DailyRecord
	for _, rec := range s.records {
		if rec.MissingFlag || rec.RecoveryScore == nil {
			continue
		}
		if best == nil || rec.Day.After(best.Day) {
			c := cloneRecord(rec)
			best = &c
		}
	}
	return best, nil
}

// Apply runs fn against a staged copy and commits it when fn returns nil.
func (s *DailyRecordStore) Apply(ctx context.Context, fn func(domain.DailyUnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uow := &unitOfWork{
		staged: make(map[time.Time]domain.DailyRecord, len(s.records)),
		now:    s.now,
	}
	for day, rec := range s.records {
		uow.staged[day] = cloneRecord(rec)
	}
	if err := fn(uow); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.records = uow.staged
	s.summaries = append(s.summaries, uow.summaries...)
	return nil
}

// Summaries lists committed run summaries in commit order.
func (s *DailyRecordStore) Summaries() []domain.SyncSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.SyncSummary(nil), s.summaries...)
}

// Put seeds a record outside of a unit of work.
func (s *DailyRecordStore) Put(rec domain.DailyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Day = domain.DayOf(rec.Day)
	s.records[rec.Day] = cloneRecord(rec)
}

type unitOfWork struct {
	staged    map[time.Time]domain.DailyRecord
	summaries []domain.SyncSummary
	now       func() time.Time
}

func (u *unitOfWork) Get(_ context.Context, day time.Time) (*domain.DailyRecord, error) {
	rec, ok := u.staged[domain.DayOf(day)]
	if !ok {
		return nil, nil
	}
	c := cloneRecord(rec)
	return &c, nil
}

func (u *unitOfWork) Put(_ context.Context, rec domain.DailyRecord) error {
	rec.Day = domain.DayOf(rec.Day)
	now := u.now().UTC()
	if existing, ok := u.staged[rec.Day]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	u.staged[rec.Day] = cloneRecord(rec)
	return nil
}

func (u *unitOfWork) Complete(_ context.Context, summary domain.SyncSummary) error {
	u.summaries = append(u.summaries, summary)
	return nil
}

func cloneRecord(rec domain.DailyRecord) domain.DailyRecord {
	out := rec
	if rec.WorkoutRawList != nil {
		out.WorkoutRawList = make([]json.RawMessage, len(rec.WorkoutRawList))
		for i, raw := range rec.WorkoutRawList {
			out.WorkoutRawList[i] = append(json.RawMessage(nil), raw...)
		}
	}
	return out
}

// SyncRunRepository keeps the sync audit trail in memory.
type SyncRunRepository struct {
	mu   sync.RWMutex
	runs map[string]domain.SyncRun
}

// NewSyncRunRepository constructs an empty repository.
func NewSyncRunRepository() *SyncRunRepository {
	return &SyncRunRepository{runs: make(map[string]domain.SyncRun)}
}

func (r *SyncRunRepository) Record(_ context.Context, run domain.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}

func (r *SyncRunRepository) ListRecent(_ context.Context, limit int) ([]domain.SyncRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SyncRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
