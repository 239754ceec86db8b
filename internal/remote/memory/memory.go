// Package memory is an in-process remote store: the development backend
// and the test double for the reconciler.
package memory

import (
	"context"
	"sync"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/remote"
)

type record struct {
	data      core.BudgetData
	updatedAt time.Time
}

// Store keeps month documents in memory behind the remote ports.
type Store struct {
	mu       sync.Mutex
	months   map[core.MonthKey]record
	settings core.Settings
	now      func() time.Time

	// nextErr, when set, fails the next operation and clears itself.
	// Tests use it to inject transport failures.
	nextErr error
}

// New returns an empty store. now may be nil to use wall-clock time.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		months: make(map[core.MonthKey]record),
		now:    now,
	}
}

// FailNext makes the next operation return err.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextErr = err
}

func (s *Store) takeErr() error {
	err := s.nextErr
	s.nextErr = nil
	return err
}

func (s *Store) ListMonths(_ context.Context) ([]remote.MonthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	out := make([]remote.MonthRecord, 0, len(s.months))
	for k, r := range s.months {
		out = append(out, remote.MonthRecord{Key: k, Data: *r.data.Clone(), UpdatedAt: r.updatedAt})
	}
	return out, nil
}

func (s *Store) GetMonth(_ context.Context, key core.MonthKey) (remote.MonthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return remote.MonthRecord{}, err
	}
	r, ok := s.months[key]
	if !ok {
		return remote.MonthRecord{}, remote.E(remote.KindNotFound, "memory.GetMonth", nil)
	}
	return remote.MonthRecord{Key: key, Data: *r.data.Clone(), UpdatedAt: r.updatedAt}, nil
}

func (s *Store) PutMonth(_ context.Context, key core.MonthKey, data core.BudgetData) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return time.Time{}, err
	}
	ts := s.now()
	s.months[key] = record{data: *data.Clone(), updatedAt: ts}
	return ts, nil
}

func (s *Store) DeleteMonth(_ context.Context, key core.MonthKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return err
	}
	delete(s.months, key)
	return nil
}

func (s *Store) GetSettings(_ context.Context) (core.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return core.Settings{}, err
	}
	return s.settings, nil
}

func (s *Store) PatchSettings(_ context.Context, patch core.SettingsPatch) (core.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return core.Settings{}, err
	}
	patch.Apply(&s.settings)
	s.settings.UpdatedAt = s.now()
	return s.settings, nil
}

// Seed installs a month with an explicit timestamp; tests use it to
// stage concurrent remote writes.
func (s *Store) Seed(key core.MonthKey, data core.BudgetData, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.months[key] = record{data: *data.Clone(), updatedAt: updatedAt}
}

// Month returns the stored copy of a month for assertions.
func (s *Store) Month(key core.MonthKey) (core.BudgetData, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.months[key]
	if !ok {
		return core.BudgetData{}, time.Time{}, false
	}
	return *r.data.Clone(), r.updatedAt, true
}
