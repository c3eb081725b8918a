package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/repo"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newTestDB opens a unique, migrated in-memory database per test. A single
// connection keeps shared-cache SQLite free of table-lock errors.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// ----- Fakes -----

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeCreds struct {
	mu         sync.Mutex
	cred       Credential
	getErr     error
	refreshErr error
	refreshed  *time.Time
	refreshes  int
	revoked    int

	// When set, RefreshToken reports on started and then blocks on gate.
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeCreds) GetToken(ctx context.Context, userID string, integ domain.Integration) (*Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	c := f.cred
	return &c, nil
}

func (f *fakeCreds) RefreshToken(ctx context.Context, userID string, integ domain.Integration) (*Credential, error) {
	f.mu.Lock()
	started, gate := f.started, f.gate
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.cred = Credential{ExpiresAt: f.refreshed}
	c := f.cred
	return &c, nil
}

func (f *fakeCreds) MarkRevoked(ctx context.Context, userID string, integ domain.Integration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked++
	f.cred.Revoked = true
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	changes []HealthChange
}

func (f *fakeNotifier) OnHealthChanged(ctx context.Context, change HealthChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change)
	return nil
}

type queuedJob struct {
	Type    string
	Payload any
	Opts    EnqueueOptions
}

// fakeQueue deduplicates on DedupeKey like the asynq-backed queue does while
// a task with the same id is pending.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
	keys map[string]bool
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.keys == nil {
		q.keys = map[string]bool{}
	}
	if opts.DedupeKey != "" {
		if q.keys[opts.DedupeKey] {
			return ErrJobDeduplicated
		}
		q.keys[opts.DedupeKey] = true
	}
	q.jobs = append(q.jobs, queuedJob{Type: jobType, Payload: payload, Opts: opts})
	return nil
}

func (q *fakeQueue) ofType(jobType string) []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queuedJob
	for _, j := range q.jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

// drain forgets pending dedupe keys, as if the worker processed every job.
func (q *fakeQueue) drain() {
	q.mu.Lock()
	q.jobs = nil
	q.keys = nil
	q.mu.Unlock()
}

type fakePush struct {
	mu        sync.Mutex
	watchErrs []error // consumed in order; nil entries succeed
	expiresIn time.Duration
	clock     *fakeClock
	watches   []WatchRequest
	stopped   []string
	onWatch   func(WatchRequest) // runs before Watch returns, without the lock
}

func (p *fakePush) Watch(ctx context.Context, req WatchRequest) (WatchResponse, error) {
	p.mu.Lock()
	p.watches = append(p.watches, req)
	hook := p.onWatch
	var err error
	if len(p.watchErrs) > 0 {
		err = p.watchErrs[0]
		p.watchErrs = p.watchErrs[1:]
	}
	exp := p.expiresIn
	if exp == 0 {
		exp = 7 * 24 * time.Hour
	}
	p.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return WatchResponse{}, err
	}
	return WatchResponse{ResourceID: "res-" + req.UserID, ExpiresAt: p.clock.Now().Add(exp)}, nil
}

func (p *fakePush) Stop(ctx context.Context, userID string, integ domain.Integration, channelID, resourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = append(p.stopped, channelID)
	return nil
}

type fakeSync struct {
	mu      sync.Mutex
	calls   int
	results []SyncResult
	errs    []error
	block   bool
	panics  bool
}

func (f *fakeSync) Run(ctx context.Context, userID string, integ domain.Integration, trigger domain.TriggerType) (SyncResult, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	block, panics := f.block, f.panics
	f.mu.Unlock()

	if panics {
		panic("boom")
	}
	if block {
		<-ctx.Done()
		return SyncResult{}, ctx.Err()
	}
	var res SyncResult
	if i < len(f.results) {
		res = f.results[i]
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return SyncResult{}, f.errs[i]
	}
	return res, nil
}

func (f *fakeSync) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

type fakeSink struct {
	mu       sync.Mutex
	captured []string
	err      error
}

func (s *fakeSink) Capture(ctx context.Context, m *domain.SyncMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = append(s.captured, m.ID)
	return s.err
}

// ----- Engine wiring -----

type testEngine struct {
	db       *gorm.DB
	cfg      config.SyncConfig
	clock    *fakeClock
	creds    *fakeCreds
	notifier *fakeNotifier
	queue    *fakeQueue
	push     *fakePush
	sync     *fakeSync
	locker   *fakeLocker
	sleeps   []time.Duration

	tokens    *TokenHealthTracker
	breakers  *CircuitBreakerManager
	scheduler *AdaptiveScheduler
	webhooks  *WebhookLifecycleManager
	metrics   *MetricsRecorder
	orch      *SyncOrchestrator
	conns     *ConnectionService
	sweeper   *Sweeper
}

// newEngine wires every service against fakes. The credential is valid for
// a week from t0.
func newEngine(t *testing.T) *testEngine {
	t.Helper()
	e := &testEngine{
		db:       newTestDB(t),
		cfg:      config.DefaultSyncConfig(),
		clock:    newClock(t0),
		notifier: &fakeNotifier{},
		queue:    &fakeQueue{},
		sync:     &fakeSync{},
		locker:   &fakeLocker{},
	}
	exp := t0.Add(7 * 24 * time.Hour)
	e.creds = &fakeCreds{cred: Credential{ExpiresAt: &exp}}
	e.push = &fakePush{clock: e.clock}

	ids := 0
	newID := func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}

	e.tokens = NewTokenHealthTracker(e.db, e.creds, e.notifier, e.cfg)
	e.tokens.Now = e.clock.Now
	e.breakers = NewCircuitBreakerManager(e.db, e.cfg)
	e.breakers.Now = e.clock.Now
	e.scheduler = NewAdaptiveScheduler(e.db, e.cfg)
	e.scheduler.Now = e.clock.Now
	e.webhooks = NewWebhookLifecycleManager(e.db, e.push, e.scheduler, e.queue, e.cfg, "https://engine.example.com")
	e.webhooks.Now = e.clock.Now
	e.webhooks.Sleep = func(ctx context.Context, d time.Duration) error {
		e.sleeps = append(e.sleeps, d)
		return nil
	}
	e.webhooks.NewID = newID
	e.metrics = NewMetricsRecorder(e.db, nil)
	e.metrics.Now = e.clock.Now
	e.orch = NewSyncOrchestrator(e.tokens, e.breakers, e.scheduler, e.metrics, e.sync, e.locker, e.cfg)
	e.orch.Now = e.clock.Now
	e.conns = NewConnectionService(e.tokens, e.breakers, e.scheduler, e.webhooks, e.queue)
	e.conns.Now = e.clock.Now
	e.sweeper = NewSweeper(e.scheduler, e.tokens, e.webhooks, e.queue)
	e.sweeper.Now = e.clock.Now
	e.sweeper.RefreshConcurrency = 1
	return e
}

// connect runs ConnectionService.Connect and clears the queue.
func (e *testEngine) connect(t *testing.T, userID string, integ domain.Integration) {
	t.Helper()
	if _, err := e.conns.Connect(context.Background(), userID, integ); err != nil {
		t.Fatalf("Connect(%s, %s): %v", userID, integ, err)
	}
	e.queue.drain()
}

func (e *testEngine) schedule(t *testing.T, userID string, integ domain.Integration) *domain.SyncSchedule {
	t.Helper()
	s, err := e.scheduler.Get(context.Background(), userID, integ)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	return s
}

func (e *testEngine) breaker(t *testing.T, userID string, integ domain.Integration) *domain.CircuitBreaker {
	t.Helper()
	b, err := e.breakers.Snapshot(context.Background(), userID, integ)
	if err != nil {
		t.Fatalf("breaker snapshot: %v", err)
	}
	return b
}

func (e *testEngine) countMetrics(t *testing.T) int64 {
	t.Helper()
	n, err := repo.CountMetrics(context.Background(), e.db, repo.MetricFilter{})
	if err != nil {
		t.Fatalf("count metrics: %v", err)
	}
	return n
}

var errBoom = errors.New("boom")
