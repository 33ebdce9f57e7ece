package store

import (
	"context"
	"errors"
)

// Status tracks where a log record is in its delivery lifecycle.
// The numeric values are persisted; do not renumber.
type Status int

const (
	// StatusFailed marks a transient delivery failure. The record is
	// eligible for retry on the next sweep.
	StatusFailed Status = -1
	// StatusUnsent marks a freshly ingested record that has never been
	// attempted.
	StatusUnsent Status = 0
	// StatusPending marks a record claimed by an in-flight upload.
	StatusPending Status = 1
	// StatusDelivered marks terminal success: the remote acknowledged the
	// record.
	StatusDelivered Status = 2
	// StatusRejected marks terminal failure: the remote explicitly refused
	// the record. It is never retried.
	StatusRejected Status = 3
)

// Terminal reports whether no further automatic transition occurs.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusRejected
}

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusUnsent:
		return "unsent"
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// LogRecord is one durable row of the delivery queue. The fingerprint is the
// row key and is derived from Payload, never stored inside it.
type LogRecord struct {
	Fingerprint string
	Payload     string
	Status      Status
}

var (
	// ErrInvalidFormat is returned by Ingest when the raw line is not
	// valid JSON. No record is created.
	ErrInvalidFormat = errors.New("store: line is not valid JSON")

	// ErrNotFound is returned when no record exists for a fingerprint.
	ErrNotFound = errors.New("store: record not found")
)

// Store is the durable record table backing the delivery queue.
type Store interface {
	// Ingest parses rawText as JSON, computes its fingerprint and inserts
	// it with status Unsent. Re-ingesting known content is an idempotent
	// no-op that returns the existing fingerprint.
	Ingest(ctx context.Context, rawText string) (string, error)

	// Get returns the record for a fingerprint, or ErrNotFound.
	Get(ctx context.Context, fingerprint string) (*LogRecord, error)

	// SetStatus updates the status column of an existing record.
	SetStatus(ctx context.Context, fingerprint string, status Status) error

	// ScanPending returns every record eligible for (re)delivery, i.e.
	// with status Unsent or Failed. Pending rows are claimed elsewhere and
	// terminal rows are never rescanned.
	ScanPending(ctx context.Context) ([]LogRecord, error)

	// RecoverPending resets every Pending record to Failed. It runs once
	// at startup, before any sweep: a crash mid-request must not leave a
	// record stuck in limbo. Returns the number of records reset.
	RecoverPending(ctx context.Context) (int, error)

	// Close releases the underlying storage.
	Close() error
}
