package core

import (
	"context"
	"time"

	"github.com/orrn/labeld/internal/label"
)

// Artifact is one rendered label, ready for a transport.
type Artifact struct {
	Identity    label.Identity
	ContentType string
	Data        []byte
}

type Renderer interface {
	Render(ctx context.Context, id label.Identity) (*Artifact, error)
}

type Transport interface {
	Print(ctx context.Context, a *Artifact) error
	CheckStatus(ctx context.Context) *PrinterStatus
}

// Identities hands out a fresh identity per label.
type Identities interface {
	Next() label.Identity
}

// Recorder persists batch outcomes. Implementations must not block for long.
type Recorder interface {
	RecordBatch(ctx context.Context, rec *BatchRecord) error
}

// Notifier publishes batch outcomes to external listeners.
type Notifier interface {
	SendBatchEvent(rec *BatchRecord)
}

type PrinterStatus struct {
	Ready        bool      `json:"ready"`
	Diagnostic   string    `json:"diagnostic,omitempty"`
	Transport    string    `json:"transport"`
	Target       string    `json:"target"`
	RawStatus    [4]byte   `json:"-"`
	PrinterState string    `json:"printer_state,omitempty"`
	Warning      string    `json:"warning,omitempty"`
	Error        string    `json:"error,omitempty"`
	MediaError   string    `json:"media_error,omitempty"`
	IsOnline     bool      `json:"is_online"`
	LastChecked  time.Time `json:"last_checked"`
}

type BatchRecord struct {
	ID          int64      `json:"id,omitempty"`
	Requested   int        `json:"requested"`
	Printed     int        `json:"printed"`
	FailedIndex int        `json:"failed_index,omitempty"`
	Stage       string     `json:"stage,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (r *BatchRecord) Succeeded() bool {
	return r.Error == ""
}

// Undelivered is the number of requested labels that never reached the printer.
func (r *BatchRecord) Undelivered() int {
	return r.Requested - r.Printed
}
