package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxRangeDays bounds a single daily-record range query.
const MaxRangeDays = 366

// Service serves read-side queries over synced data.
type Service struct {
	records DailyRecordReader
	runs    SyncRunRepository
}

// NewService constructs a Service.
func NewService(records DailyRecordReader, runs SyncRunRepository) *Service {
	return &Service{records: records, runs: runs}
}

// DailyRange returns stored records for [from, to], ordered by day.
func (s *Service) DailyRange(ctx context.Context, from, to time.Time) ([]DailyRecord, error) {
	from, to = DayOf(from), DayOf(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: to precedes from", ErrInvalidRange)
	}
	if to.Sub(from) > time.Duration(MaxRangeDays)*24*time.Hour {
		return nil, fmt.Errorf("%w: range exceeds %d days", ErrInvalidRange, MaxRangeDays)
	}
	return s.records.ListRange(ctx, from, to)
}

// LatestDaily returns the freshest complete record.
func (s *Service) LatestDaily(ctx context.Context) (*DailyRecord, error) {
	record, err := s.records.LatestComplete(ctx)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrRecordNotFound
	}
	return record, nil
}

// RecentRuns lists the newest sync runs, capped at 100.
func (s *Service) RecentRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if s.runs == nil {
		return nil, errors.New("sync run repository not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.runs.ListRecent(ctx, limit)
}
