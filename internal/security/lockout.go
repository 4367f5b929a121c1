// Package security holds the request gates that sit in front of the API: the
// login lockout state machine and the replay nonce guard.
package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrLocked     = errors.New("login locked")
	ErrDeadLocked = errors.New("login dead-locked")
)

type State string

const (
	StateOpen       State = "open"
	StateLocked     State = "locked"
	StateDeadLocked State = "dead_locked"
)

const dayLayout = "2006-01-02"

// Record is the persisted lockout state. Failures is keyed by local calendar
// day and only ever holds today and yesterday.
type Record struct {
	State       State          `json:"state"`
	LockedUntil *time.Time     `json:"lockedUntil,omitempty"`
	Failures    map[string]int `json:"failures,omitempty"`
}

func (r Record) normalized() Record {
	if r.State == "" {
		r.State = StateOpen
	}
	if r.Failures == nil {
		r.Failures = map[string]int{}
	}
	return r
}

// RecordStore persists the single lockout record. A missing record loads as
// the zero Record.
type RecordStore interface {
	LoadLockout(ctx context.Context) (Record, error)
	SaveLockout(ctx context.Context, record Record) error
}

type MemoryRecordStore struct {
	mu     sync.Mutex
	record Record
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{}
}

func (m *MemoryRecordStore) LoadLockout(context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.record
	record.Failures = make(map[string]int, len(m.record.Failures))
	for day, count := range m.record.Failures {
		record.Failures[day] = count
	}
	if m.record.LockedUntil != nil {
		until := *m.record.LockedUntil
		record.LockedUntil = &until
	}
	return record, nil
}

func (m *MemoryRecordStore) SaveLockout(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = record
	return nil
}

// Status is a read-only snapshot for operators.
type Status struct {
	State             State      `json:"state"`
	LockedUntil       *time.Time `json:"lockedUntil,omitempty"`
	FailuresToday     int        `json:"failuresToday"`
	FailuresYesterday int        `json:"failuresYesterday"`
}

// Gate is the login lockout state machine. Failures are counted per calendar
// day; the threshold-th failure of a day locks for the lock duration, or locks
// permanently when the previous day also reached the threshold. A timed lock
// opens by itself once it runs out; a dead lock needs Unlock.
type Gate struct {
	mu        sync.Mutex
	store     RecordStore
	threshold int
	duration  time.Duration
	allow     map[string]struct{}
	now       func() time.Time
	loc       *time.Location
}

type GateOption func(*Gate)

func WithThreshold(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.threshold = n
		}
	}
}

func WithLockDuration(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.duration = d
		}
	}
}

func WithAllowPaths(paths ...string) GateOption {
	return func(g *Gate) {
		for _, path := range paths {
			g.allow[path] = struct{}{}
		}
	}
}

func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithLocation sets the zone that decides where a calendar day starts.
func WithLocation(loc *time.Location) GateOption {
	return func(g *Gate) { g.loc = loc }
}

func NewGate(store RecordStore, opts ...GateOption) *Gate {
	g := &Gate{
		store:     store,
		threshold: 3,
		duration:  24 * time.Hour,
		allow:     map[string]struct{}{},
		now:       time.Now,
		loc:       time.Local,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) dayKeys(now time.Time) (today, yesterday string) {
	local := now.In(g.loc)
	return local.Format(dayLayout), local.AddDate(0, 0, -1).Format(dayLayout)
}

// load returns the record with timed locks already expired and failures
// trimmed to today and yesterday. Callers hold g.mu.
func (g *Gate) load(ctx context.Context, now time.Time) (Record, bool, error) {
	record, err := g.store.LoadLockout(ctx)
	if err != nil {
		return Record{}, false, fmt.Errorf("load lockout record: %w", err)
	}
	record = record.normalized()
	changed := false

	if record.State == StateLocked && (record.LockedUntil == nil || !now.Before(*record.LockedUntil)) {
		record.State = StateOpen
		record.LockedUntil = nil
		changed = true
	}

	today, yesterday := g.dayKeys(now)
	for day := range record.Failures {
		if day != today && day != yesterday {
			delete(record.Failures, day)
			changed = true
		}
	}
	return record, changed, nil
}

func (g *Gate) save(ctx context.Context, record Record) error {
	if err := g.store.SaveLockout(ctx, record); err != nil {
		return fmt.Errorf("save lockout record: %w", err)
	}
	return nil
}

func stateError(state State) error {
	switch state {
	case StateLocked:
		return ErrLocked
	case StateDeadLocked:
		return ErrDeadLocked
	default:
		return nil
	}
}

func (g *Gate) State(ctx context.Context) (State, error) {
	status, err := g.Status(ctx)
	if err != nil {
		return "", err
	}
	return status.State, nil
}

func (g *Gate) Status(ctx context.Context) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	record, changed, err := g.load(ctx, now)
	if err != nil {
		return Status{}, err
	}
	if changed {
		if err := g.save(ctx, record); err != nil {
			return Status{}, err
		}
	}

	today, yesterday := g.dayKeys(now)
	status := Status{
		State:             record.State,
		FailuresToday:     record.Failures[today],
		FailuresYesterday: record.Failures[yesterday],
	}
	if record.State == StateLocked {
		until := *record.LockedUntil
		status.LockedUntil = &until
	}
	return status, nil
}

// RecordFailure counts one failed login and returns the resulting state.
// Failures arriving while the gate is already closed are not counted.
func (g *Gate) RecordFailure(ctx context.Context) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	record, _, err := g.load(ctx, now)
	if err != nil {
		return "", err
	}
	if record.State != StateOpen {
		if err := g.save(ctx, record); err != nil {
			return "", err
		}
		return record.State, nil
	}

	today, yesterday := g.dayKeys(now)
	record.Failures[today]++
	if record.Failures[today] >= g.threshold {
		if record.Failures[yesterday] >= g.threshold {
			record.State = StateDeadLocked
			record.LockedUntil = nil
		} else {
			record.State = StateLocked
			until := now.Add(g.duration)
			record.LockedUntil = &until
		}
	}

	if err := g.save(ctx, record); err != nil {
		return "", err
	}
	return record.State, nil
}

// ClearRecord wipes the failure history after a successful login. It is
// refused while the gate is closed, so a correct password cannot lift a lock.
func (g *Gate) ClearRecord(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	record, changed, err := g.load(ctx, g.now())
	if err != nil {
		return err
	}
	if record.State != StateOpen {
		if changed {
			_ = g.save(ctx, record)
		}
		return stateError(record.State)
	}
	return g.save(ctx, Record{State: StateOpen})
}

// Unlock is the manual override: it opens any lock, including a dead lock,
// and clears the history.
func (g *Gate) Unlock(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.save(ctx, Record{State: StateOpen})
}

func (g *Gate) Allowed(path string) bool {
	_, ok := g.allow[path]
	return ok
}

// Check returns nil when a request for path may proceed, or the error for
// the current closed state.
func (g *Gate) Check(ctx context.Context, path string) error {
	if g.Allowed(path) {
		return nil
	}
	state, err := g.State(ctx)
	if err != nil {
		return err
	}
	return stateError(state)
}
