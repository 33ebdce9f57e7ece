package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Key layout: one row per record under the "log/" prefix, keyed by the hex
// fingerprint. The value holds payload and status; the fingerprint lives only
// in the key.
const recordKeyPrefix = "log/"

func recordKey(fingerprint string) []byte {
	return []byte(recordKeyPrefix + fingerprint)
}

// recordValue is the persisted row body.
type recordValue struct {
	Log    string `json:"log"`
	Status Status `json:"status"`
}

// PebbleStore implements Store on an embedded Pebble database. Writes are
// WAL-synced so an acknowledged ingest survives power loss. All mutations are
// serialized by a single mutex; the dispatcher's single-flight discipline
// keeps contention trivial.
type PebbleStore struct {
	db     *pebble.DB
	logger *log.Logger
	mu     sync.Mutex
}

// NewPebbleStore opens (or creates) the record database in dataDir.
func NewPebbleStore(dataDir string, logger *log.Logger) (*PebbleStore, error) {
	if dataDir == "" {
		return nil, errors.New("store: data directory is required")
	}
	db, err := pebble.Open(dataDir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database at '%s': %w", dataDir, err)
	}
	logger.Printf("Record store opened at %s", dataDir)
	return &PebbleStore{db: db, logger: logger}, nil
}

// Ingest validates, fingerprints and inserts a raw log line. Duplicate
// content is not an error condition: it signals "already known" and the
// existing fingerprint is returned with the stored status untouched.
func (s *PebbleStore) Ingest(ctx context.Context, rawText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !json.Valid([]byte(rawText)) {
		return "", ErrInvalidFormat
	}

	fingerprint := Fingerprint(rawText)
	key := recordKey(fingerprint)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return fingerprint, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return "", fmt.Errorf("store: failed to read record %s: %w", fingerprint, err)
	}

	value, err := json.Marshal(recordValue{Log: rawText, Status: StatusUnsent})
	if err != nil {
		return "", fmt.Errorf("store: failed to encode record %s: %w", fingerprint, err)
	}
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return "", fmt.Errorf("store: failed to insert record %s: %w", fingerprint, err)
	}
	s.logger.Printf("Record added: %s", fingerprint)
	return fingerprint, nil
}

// Get returns the record for a fingerprint.
func (s *PebbleStore) Get(ctx context.Context, fingerprint string) (*LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(fingerprint)
}

func (s *PebbleStore) getLocked(fingerprint string) (*LogRecord, error) {
	raw, closer, err := s.db.Get(recordKey(fingerprint))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read record %s: %w", fingerprint, err)
	}
	defer closer.Close()

	var value recordValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("store: corrupt record %s: %w", fingerprint, err)
	}
	return &LogRecord{Fingerprint: fingerprint, Payload: value.Log, Status: value.Status}, nil
}

// SetStatus rewrites the status of an existing record.
func (s *PebbleStore) SetStatus(ctx context.Context, fingerprint string, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.getLocked(fingerprint)
	if err != nil {
		return err
	}
	if record.Status == status {
		return nil
	}

	value, err := json.Marshal(recordValue{Log: record.Payload, Status: status})
	if err != nil {
		return fmt.Errorf("store: failed to encode record %s: %w", fingerprint, err)
	}
	if err := s.db.Set(recordKey(fingerprint), value, pebble.Sync); err != nil {
		return fmt.Errorf("store: failed to update record %s: %w", fingerprint, err)
	}
	s.logger.Printf("Record %s => %s", fingerprint, status)
	return nil
}

// ScanPending collects every record with status Unsent or Failed, in key
// order.
func (s *PebbleStore) ScanPending(ctx context.Context) ([]LogRecord, error) {
	return s.scan(ctx, func(st Status) bool { return st < StatusPending })
}

// RecoverPending is the startup recovery rule: any record still marked
// Pending was in flight when the previous process died and is reclassified
// as retryable.
func (s *PebbleStore) RecoverPending(ctx context.Context) (int, error) {
	stuck, err := s.scan(ctx, func(st Status) bool { return st == StatusPending })
	if err != nil {
		return 0, err
	}
	for _, record := range stuck {
		if err := s.SetStatus(ctx, record.Fingerprint, StatusFailed); err != nil {
			return 0, err
		}
	}
	if len(stuck) > 0 {
		s.logger.Printf("Startup recovery: reset %d pending record(s) to failed", len(stuck))
	}
	return len(stuck), nil
}

func (s *PebbleStore) scan(ctx context.Context, include func(Status) bool) ([]LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(recordKeyPrefix),
		UpperBound: keyUpperBound([]byte(recordKeyPrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to open iterator: %w", err)
	}
	defer iter.Close()

	var records []LogRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var value recordValue
		if err := json.Unmarshal(iter.Value(), &value); err != nil {
			s.logger.Printf("Warning: skipping corrupt record %s: %v", iter.Key(), err)
			continue
		}
		if !include(value.Status) {
			continue
		}
		fingerprint := string(iter.Key()[len(recordKeyPrefix):])
		records = append(records, LogRecord{
			Fingerprint: fingerprint,
			Payload:     value.Log,
			Status:      value.Status,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: scan failed: %w", err)
	}
	return records, nil
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PebbleStore)(nil)
