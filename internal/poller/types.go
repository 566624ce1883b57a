package poller

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxCount is the largest pending count accepted from the remote source.
const MaxCount = 500

// WorkCount is one answer from the remote source.
type WorkCount struct {
	Count int
	// Timestamp is advisory; zero when the source omitted or mangled it.
	Timestamp time.Time
}

// Source reports how many labels are waiting.
type Source interface {
	Fetch(ctx context.Context) (WorkCount, error)
}

// Dispatcher prints a batch of labels.
type Dispatcher interface {
	PrintBatch(ctx context.Context, count int) error
}

// Notifier is told when polling degrades past the warning threshold and when
// it recovers.
type Notifier interface {
	SendPollEvent(event string, failures int, lastErr string)
}

const (
	EventPollDegraded  = "poll_degraded"
	EventPollRecovered = "poll_recovered"
)

type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindTimeout   ErrorKind = "timeout"
	KindStatus    ErrorKind = "status"
	KindDecode    ErrorKind = "decode"
	KindPanic     ErrorKind = "panic"
)

// PollError is any failed fetch. Kind is informational; the loop treats all
// kinds alike.
type PollError struct {
	Kind ErrorKind
	Err  error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll %s: %v", e.Kind, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

var ErrAlreadyRunning = errors.New("poll loop already running")

type State string

const (
	StateStopped     State = "stopped"
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateDispatching State = "dispatching"
)

// Status is a point-in-time view of the loop. Busy covers an in-flight fetch
// as well as its batch, and stays true after Stop until both finish.
type Status struct {
	State               State      `json:"state"`
	Running             bool       `json:"running"`
	PrintingNow         bool       `json:"printing_now"`
	Busy                bool       `json:"busy"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastPollAt          *time.Time `json:"last_poll_at,omitempty"`
	LastCount           int        `json:"last_count"`
	LastError           string     `json:"last_error,omitempty"`
	LastBatchError      string     `json:"last_batch_error,omitempty"`
	NextPollAt          *time.Time `json:"next_poll_at,omitempty"`
}

// Clock is the loop's view of time, replaceable in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
