package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config is the runtime config the loop needs.
type Config struct {
	Interval   time.Duration
	RetryDelay time.Duration
	// MaxRetries is the failure count at which polling is reported as
	// degraded. It has no effect on the backoff schedule. Zero disables it.
	MaxRetries int
}

// Loop polls a Source and hands positive counts to a Dispatcher. Polling and
// printing run on one goroutine, so the next poll is only scheduled once the
// previous poll and its batch have finished.
type Loop struct {
	cfg        Config
	source     Source
	dispatcher Dispatcher
	notifier   Notifier
	clock      Clock
	logger     *slog.Logger

	mu           sync.Mutex
	running      bool
	polling      bool
	printing     bool
	degraded     bool
	failures     int
	lastPollAt   time.Time
	lastCount    int
	lastErr      string
	lastBatchErr string
	nextPollAt   time.Time
	stopCh       chan struct{}
	done         chan struct{}
}

type Option func(*Loop)

func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

func WithNotifier(n Notifier) Option {
	return func(l *Loop) { l.notifier = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

func New(cfg Config, source Source, dispatcher Dispatcher, opts ...Option) (*Loop, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be > 0")
	}
	if cfg.RetryDelay <= 0 {
		return nil, errors.New("poller: retry delay must be > 0")
	}
	if source == nil || dispatcher == nil {
		return nil, errors.New("poller: source and dispatcher required")
	}

	l := &Loop{
		cfg:        cfg,
		source:     source,
		dispatcher: dispatcher,
		clock:      realClock{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "poller")
	return l, nil
}

// Start polls once immediately and then keeps polling until Stop. A stopped
// loop can be started again.
func (l *Loop) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.running = true
	stop := make(chan struct{})
	done := make(chan struct{})
	l.stopCh = stop
	l.done = done
	l.mu.Unlock()

	l.logger.Info("poll loop started", "interval", l.cfg.Interval, "retry_delay", l.cfg.RetryDelay)

	go l.run(stop, done)
	return nil
}

// Stop cancels the pending tick. A fetch or batch already underway is left
// to finish on its own; watch Status().Busy to wait for it.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}
	l.running = false
	l.nextPollAt = time.Time{}
	close(l.stopCh)

	l.logger.Info("poll loop stopped")
}

// Done is closed when the goroutine started by the most recent Start exits.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.done
}

func (l *Loop) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		delay := l.Tick(context.Background())

		select {
		case <-stop:
			return
		default:
		}

		l.mu.Lock()
		l.nextPollAt = l.clock.Now().Add(delay)
		l.mu.Unlock()

		select {
		case <-stop:
			return
		case <-l.clock.After(delay):
		}
	}
}

// Tick performs one poll and, when work is pending, one batch. It returns the
// delay until the next poll. A tick that arrives while another tick is still
// polling or printing does nothing and issues no request.
func (l *Loop) Tick(ctx context.Context) time.Duration {
	l.mu.Lock()
	if l.polling || l.printing {
		delay := l.delayLocked()
		l.mu.Unlock()
		l.logger.Debug("poll skipped, previous tick still busy", "next_in", delay)
		return delay
	}
	l.polling = true
	l.lastPollAt = l.clock.Now()
	l.mu.Unlock()

	wc, err := l.fetch(ctx)

	l.mu.Lock()
	l.polling = false

	if err != nil {
		l.failures++
		l.lastErr = err.Error()
		failures := l.failures
		degrade := l.cfg.MaxRetries > 0 && failures >= l.cfg.MaxRetries && !l.degraded
		if degrade {
			l.degraded = true
		}
		delay := l.delayLocked()
		l.mu.Unlock()

		l.logPollFailure(err, failures, delay)
		if degrade && l.notifier != nil {
			l.notifier.SendPollEvent(EventPollDegraded, failures, err.Error())
		}
		return delay
	}

	recovered := l.degraded
	previous := l.failures
	l.degraded = false
	l.failures = 0
	l.lastErr = ""
	l.lastCount = wc.Count

	if wc.Count == 0 {
		delay := l.delayLocked()
		l.mu.Unlock()
		l.afterSuccess(recovered, previous)
		l.logger.Debug("no pending labels", "next_in", delay)
		return delay
	}

	l.printing = true
	l.mu.Unlock()

	l.afterSuccess(recovered, previous)
	if wc.Timestamp.IsZero() {
		l.logger.Debug("source sent no usable timestamp")
	}
	l.logger.Info("pending labels", "count", wc.Count, "timestamp", wc.Timestamp)

	batchErr := l.dispatch(ctx, wc.Count)

	l.mu.Lock()
	l.printing = false
	if batchErr != nil {
		l.lastBatchErr = batchErr.Error()
	} else {
		l.lastBatchErr = ""
	}
	delay := l.delayLocked()
	l.mu.Unlock()

	if batchErr != nil {
		l.logger.Error("batch failed, continuing to poll", "count", wc.Count, "error", batchErr)
	}
	return delay
}

func (l *Loop) afterSuccess(recovered bool, previous int) {
	if previous > 0 {
		l.logger.Info("remote source reachable again", "after_failures", previous)
	}
	if recovered && l.notifier != nil {
		l.notifier.SendPollEvent(EventPollRecovered, previous, "")
	}
}

func (l *Loop) logPollFailure(err error, failures int, delay time.Duration) {
	kind := KindTransport
	var pe *PollError
	if errors.As(err, &pe) {
		kind = pe.Kind
	}

	attrs := []any{"kind", kind, "failures", failures, "next_in", delay, "error", err}
	if l.cfg.MaxRetries > 0 && failures >= l.cfg.MaxRetries {
		l.logger.Warn("poll failing repeatedly", attrs...)
		return
	}
	l.logger.Info("poll failed", attrs...)
}

// fetch converts panics and foreign errors into a PollError.
func (l *Loop) fetch(ctx context.Context) (wc WorkCount, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PollError{Kind: KindPanic, Err: fmt.Errorf("%v", r)}
		}
	}()

	wc, err = l.source.Fetch(ctx)
	if err != nil {
		var pe *PollError
		if !errors.As(err, &pe) {
			err = &PollError{Kind: KindTransport, Err: err}
		}
	}
	return wc, err
}

func (l *Loop) dispatch(ctx context.Context, count int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch panicked: %v", r)
		}
	}()
	return l.dispatcher.PrintBatch(ctx, count)
}

func (l *Loop) delayLocked() time.Duration {
	return NextDelay(l.failures, l.cfg.Interval, l.cfg.RetryDelay)
}

// NextDelay returns the delay the loop would use right now.
func (l *Loop) NextDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delayLocked()
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Status{
		Running:             l.running,
		PrintingNow:         l.printing,
		Busy:                l.polling || l.printing,
		ConsecutiveFailures: l.failures,
		LastCount:           l.lastCount,
		LastError:           l.lastErr,
		LastBatchError:      l.lastBatchErr,
	}

	switch {
	case l.printing:
		s.State = StateDispatching
	case l.polling:
		s.State = StatePolling
	case l.running:
		s.State = StateIdle
	default:
		s.State = StateStopped
	}

	if !l.lastPollAt.IsZero() {
		t := l.lastPollAt
		s.LastPollAt = &t
	}
	if l.running && !l.nextPollAt.IsZero() {
		t := l.nextPollAt
		s.NextPollAt = &t
	}
	return s
}
