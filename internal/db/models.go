package db

import "time"

const dateLayout = "2006-01-02"

// Batch is one stored batch outcome.
type Batch struct {
	ID          int64      `json:"id"`
	Requested   int        `json:"requested"`
	Printed     int        `json:"printed"`
	FailedIndex int        `json:"failed_index,omitempty"`
	Stage       string     `json:"stage,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (b *Batch) Undelivered() int {
	return b.Requested - b.Printed
}

type PrintCounter struct {
	Date  time.Time `json:"date"`
	Count int64     `json:"count"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
