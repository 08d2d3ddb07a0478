// Package wal provides a write-ahead log for exposure events. Exposures
// are appended and fsynced before the in-memory aggregates are touched, so
// a crash loses no observations: on restart the day's log is replayed into
// the aggregator.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one durably logged exposure or outcome event.
type Record struct {
	Timestamp    time.Time `json:"ts"`
	Kind         string    `json:"kind"` // exposure | outcome | value
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	SubjectID    string    `json:"subject_id,omitempty"`
	Success      bool      `json:"success,omitempty"`
	Value        float64   `json:"value,omitempty"`
}

// Event kinds.
const (
	KindExposure = "exposure"
	KindOutcome  = "outcome"
	KindValue    = "value"
)

// ExposureWAL appends JSON-line records to a daily file.
type ExposureWAL struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewExposureWAL creates or opens today's log file under dirPath.
func NewExposureWAL(dirPath string) (*ExposureWAL, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	walPath := filepath.Join(dirPath, fmt.Sprintf("exposures-%s.wal", time.Now().Format("20060102")))

	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &ExposureWAL{
		file: file,
		path: walPath,
	}, nil
}

// Path returns the file currently being appended to.
func (w *ExposureWAL) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Append writes one record with fsync.
func (w *ExposureWAL) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode WAL record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write WAL record: %w", err)
	}

	// Critical: fsync to ensure durability
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

// Close flushes and closes the log.
func (w *ExposureWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Replay reads all records from a log file, skipping malformed lines. A
// missing file is not an error: there is simply nothing to replay.
func Replay(walPath string) ([]Record, error) {
	file, err := os.Open(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // skip malformed lines
		}
		if rec.Kind == "" || rec.ExperimentID == "" {
			continue
		}
		records = append(records, rec)
	}

	return records, scanner.Err()
}

// Rotate closes the current log, opens a fresh daily file, and returns
// the path of the closed one so it can be archived.
func Rotate(dirPath string, current *ExposureWAL) (*ExposureWAL, string, error) {
	current.mu.Lock()
	oldPath := current.path
	current.mu.Unlock()

	if err := current.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close current WAL: %w", err)
	}

	next, err := NewExposureWAL(dirPath)
	if err != nil {
		return nil, "", err
	}

	return next, oldPath, nil
}
