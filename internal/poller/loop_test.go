package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fetchResult struct {
	wc  WorkCount
	err error
}

// fakeSource returns scripted results, then zero counts.
type fakeSource struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
	panics  bool
}

func (f *fakeSource) Fetch(ctx context.Context) (WorkCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panics {
		panic("boom")
	}
	if len(f.results) == 0 {
		return WorkCount{}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.wc, r.err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDispatcher struct {
	mu     sync.Mutex
	counts []int
	err    error
	during func()
}

func (f *fakeDispatcher) PrintBatch(ctx context.Context, count int) error {
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = append(f.counts, count)
	return f.err
}

func (f *fakeDispatcher) batches() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.counts...)
}

type pollEvent struct {
	event    string
	failures int
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []pollEvent
}

func (f *fakeNotifier) SendPollEvent(event string, failures int, lastErr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, pollEvent{event, failures})
}

type wait struct {
	d  time.Duration
	ch chan time.Time
}

// fakeClock hands every After request to the test through waits.
type fakeClock struct {
	now   time.Time
	waits chan wait
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		waits: make(chan wait, 16),
	}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	w := wait{d: d, ch: make(chan time.Time, 1)}
	c.waits <- w
	return w.ch
}

func (c *fakeClock) next(t *testing.T) wait {
	t.Helper()
	select {
	case w := <-c.waits:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("loop never scheduled the next poll")
	}
	return wait{}
}

func testConfig() Config {
	return Config{
		Interval:   15 * time.Second,
		RetryDelay: 5 * time.Second,
		MaxRetries: 5,
	}
}

func newTestLoop(t *testing.T, src Source, d Dispatcher, opts ...Option) *Loop {
	t.Helper()
	l, err := New(testConfig(), src, d, opts...)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return l
}

func timeoutErr() error {
	return &PollError{Kind: KindTimeout, Err: context.DeadlineExceeded}
}

func TestNew_Validation(t *testing.T) {
	src, d := &fakeSource{}, &fakeDispatcher{}

	cfg := testConfig()
	cfg.Interval = 0
	if _, err := New(cfg, src, d); err == nil {
		t.Fatal("expected error for zero interval")
	}

	cfg = testConfig()
	cfg.RetryDelay = 0
	if _, err := New(cfg, src, d); err == nil {
		t.Fatal("expected error for zero retry delay")
	}

	if _, err := New(testConfig(), nil, d); err == nil {
		t.Fatal("expected error for nil source")
	}
}

func TestTick_PositiveCountDispatches(t *testing.T) {
	src := &fakeSource{results: []fetchResult{{wc: WorkCount{Count: 3}}}}
	d := &fakeDispatcher{}
	l := newTestLoop(t, src, d)

	if delay := l.Tick(context.Background()); delay != 15*time.Second {
		t.Fatalf("delay=%v want 15s", delay)
	}
	if got := d.batches(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("batches=%v want [3]", got)
	}

	s := l.Status()
	if s.LastCount != 3 || s.ConsecutiveFailures != 0 || s.LastPollAt == nil {
		t.Fatalf("unexpected status %+v", s)
	}
}

func TestTick_ZeroCountSkipsDispatch(t *testing.T) {
	d := &fakeDispatcher{}
	l := newTestLoop(t, &fakeSource{}, d)

	if delay := l.Tick(context.Background()); delay != 15*time.Second {
		t.Fatalf("delay=%v want 15s", delay)
	}
	if len(d.batches()) != 0 {
		t.Fatal("dispatched on zero count")
	}
}

func TestTick_FailureBacksOffAndSuccessResets(t *testing.T) {
	src := &fakeSource{results: []fetchResult{
		{err: timeoutErr()},
		{err: errors.New("connection refused")},
		{err: timeoutErr()},
		{wc: WorkCount{Count: 0}},
	}}
	d := &fakeDispatcher{}
	l := newTestLoop(t, src, d)

	for i, want := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second} {
		if got := l.Tick(context.Background()); got != want {
			t.Fatalf("failure %d: delay=%v want %v", i+1, got, want)
		}
		if s := l.Status(); s.ConsecutiveFailures != i+1 || s.LastError == "" {
			t.Fatalf("failure %d: unexpected status %+v", i+1, s)
		}
	}
	if len(d.batches()) != 0 {
		t.Fatal("dispatched after failed poll")
	}

	if got := l.Tick(context.Background()); got != 15*time.Second {
		t.Fatalf("after recovery delay=%v want 15s", got)
	}
	if s := l.Status(); s.ConsecutiveFailures != 0 || s.LastError != "" {
		t.Fatalf("failures not reset: %+v", s)
	}
}

func TestTick_ForeignErrorWrapped(t *testing.T) {
	src := &fakeSource{results: []fetchResult{{err: errors.New("dial tcp: refused")}}}
	l := newTestLoop(t, src, &fakeDispatcher{})

	l.Tick(context.Background())

	if s := l.Status(); s.ConsecutiveFailures != 1 {
		t.Fatalf("failures=%d want 1", s.ConsecutiveFailures)
	}
}

func TestTick_FailuresResetBeforeDispatch(t *testing.T) {
	src := &fakeSource{results: []fetchResult{
		{err: timeoutErr()},
		{wc: WorkCount{Count: 2}},
	}}

	var during Status
	d := &fakeDispatcher{}
	l := newTestLoop(t, src, d)
	d.during = func() { during = l.Status() }

	l.Tick(context.Background())
	l.Tick(context.Background())

	if during.ConsecutiveFailures != 0 || !during.PrintingNow || !during.Busy || during.State != StateDispatching {
		t.Fatalf("status during dispatch %+v", during)
	}
}

func TestTick_DispatchFailureStillReschedules(t *testing.T) {
	src := &fakeSource{results: []fetchResult{{wc: WorkCount{Count: 5}}}}
	d := &fakeDispatcher{err: errors.New("label 2/5: transport: printer offline")}
	l := newTestLoop(t, src, d)

	if delay := l.Tick(context.Background()); delay != 15*time.Second {
		t.Fatalf("delay=%v want 15s", delay)
	}

	s := l.Status()
	if s.ConsecutiveFailures != 0 || s.LastBatchError == "" || s.PrintingNow {
		t.Fatalf("unexpected status %+v", s)
	}
}

func TestTick_SkippedWhileDispatching(t *testing.T) {
	src := &fakeSource{results: []fetchResult{{wc: WorkCount{Count: 4}}}}

	release := make(chan struct{})
	started := make(chan struct{})
	d := &fakeDispatcher{during: func() {
		close(started)
		<-release
	}}
	l := newTestLoop(t, src, d)

	done := make(chan struct{})
	go func() {
		l.Tick(context.Background())
		close(done)
	}()
	<-started

	if delay := l.Tick(context.Background()); delay != 15*time.Second {
		t.Fatalf("skipped tick delay=%v", delay)
	}
	if src.callCount() != 1 {
		t.Fatalf("skipped tick issued a request: calls=%d", src.callCount())
	}

	close(release)
	<-done

	if got := d.batches(); len(got) != 1 {
		t.Fatalf("batches=%v want one", got)
	}
}

func TestTick_SourcePanicIsPollFailure(t *testing.T) {
	src := &fakeSource{panics: true}
	l := newTestLoop(t, src, &fakeDispatcher{})

	if delay := l.Tick(context.Background()); delay != 5*time.Second {
		t.Fatalf("delay=%v want 5s", delay)
	}
	if s := l.Status(); s.ConsecutiveFailures != 1 {
		t.Fatalf("failures=%d want 1", s.ConsecutiveFailures)
	}
}

func TestTick_DispatcherPanicRecovered(t *testing.T) {
	src := &fakeSource{results: []fetchResult{{wc: WorkCount{Count: 1}}}}
	d := &fakeDispatcher{during: func() { panic("printer exploded") }}
	l := newTestLoop(t, src, d)

	l.Tick(context.Background())

	s := l.Status()
	if s.PrintingNow || s.LastBatchError == "" {
		t.Fatalf("unexpected status %+v", s)
	}
}

func TestTick_DegradedAndRecoveredEvents(t *testing.T) {
	var results []fetchResult
	for i := 0; i < 6; i++ {
		results = append(results, fetchResult{err: timeoutErr()})
	}
	results = append(results, fetchResult{wc: WorkCount{Count: 0}})

	n := &fakeNotifier{}
	l := newTestLoop(t, &fakeSource{results: results}, &fakeDispatcher{}, WithNotifier(n))

	for i := 0; i < 7; i++ {
		l.Tick(context.Background())
	}

	if len(n.events) != 2 {
		t.Fatalf("events=%v want degraded then recovered", n.events)
	}
	if n.events[0] != (pollEvent{EventPollDegraded, 5}) {
		t.Fatalf("first event %+v", n.events[0])
	}
	if n.events[1] != (pollEvent{EventPollRecovered, 6}) {
		t.Fatalf("second event %+v", n.events[1])
	}
}

func TestLoop_StartPollsImmediatelyAndSchedules(t *testing.T) {
	src := &fakeSource{results: []fetchResult{
		{wc: WorkCount{Count: 2}},
		{err: timeoutErr()},
	}}
	d := &fakeDispatcher{}
	clock := newFakeClock()
	l := newTestLoop(t, src, d, WithClock(clock))

	if err := l.Start(); err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	if err := l.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() err=%v", err)
	}

	w := clock.next(t)
	if w.d != 15*time.Second {
		t.Fatalf("first wait %v want 15s", w.d)
	}
	if got := d.batches(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("batches=%v", got)
	}
	if s := l.Status(); s.State != StateIdle || !s.Running || s.NextPollAt == nil {
		t.Fatalf("unexpected status %+v", s)
	}

	w.ch <- clock.now
	w = clock.next(t)
	if w.d != 5*time.Second {
		t.Fatalf("wait after failure %v want 5s", w.d)
	}

	l.Stop()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop goroutine did not exit after Stop")
	}

	if src.callCount() != 2 {
		t.Fatalf("calls=%d want 2", src.callCount())
	}
	if s := l.Status(); s.State != StateStopped || s.Running || s.NextPollAt != nil {
		t.Fatalf("unexpected status after stop %+v", s)
	}
}

func TestLoop_RestartAfterStop(t *testing.T) {
	src := &fakeSource{}
	clock := newFakeClock()
	l := newTestLoop(t, src, &fakeDispatcher{}, WithClock(clock))

	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	clock.next(t)
	l.Stop()
	<-l.Done()

	if err := l.Start(); err != nil {
		t.Fatalf("restart err=%v", err)
	}
	clock.next(t)
	l.Stop()
	<-l.Done()

	if src.callCount() != 2 {
		t.Fatalf("calls=%d want 2", src.callCount())
	}
}

func TestLoop_StopWhenNotRunning(t *testing.T) {
	l := newTestLoop(t, &fakeSource{}, &fakeDispatcher{})
	l.Stop()

	select {
	case <-l.Done():
	default:
		t.Fatal("Done() should be closed for a loop that never started")
	}
}
