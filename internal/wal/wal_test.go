package wal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := NewExposureWAL(dir)
	if err != nil {
		t.Fatal(err)
	}

	records := []Record{
		{Kind: KindExposure, ExperimentID: "exp-1", VariantID: "control", SubjectID: "u1"},
		{Kind: KindOutcome, ExperimentID: "exp-1", VariantID: "control", SubjectID: "u1", Success: true},
		{Kind: KindValue, ExperimentID: "exp-1", VariantID: "treatment", Value: 42.5},
	}
	for _, rec := range records {
		if err := w.Append(rec); err != nil {
			t.Fatal(err)
		}
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := Replay(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(records) {
		t.Fatalf("replayed %d records, want %d", len(got), len(records))
	}
	for i, rec := range got {
		if rec.Kind != records[i].Kind || rec.ExperimentID != records[i].ExperimentID {
			t.Errorf("record %d = %+v, want kind=%s exp=%s", i, rec, records[i].Kind, records[i].ExperimentID)
		}
		if rec.Timestamp.IsZero() {
			t.Errorf("record %d has zero timestamp", i)
		}
	}
	if !got[1].Success {
		t.Error("outcome record lost its success flag")
	}
	if got[2].Value != 42.5 {
		t.Errorf("value record = %v, want 42.5", got[2].Value)
	}
}

func TestReplayMissingFile(t *testing.T) {
	records, err := Replay(filepath.Join(t.TempDir(), "absent.wal"))
	if err != nil {
		t.Fatal(err)
	}
	if records != nil {
		t.Errorf("expected nil for missing file, got %v", records)
	}
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exposures-bad.wal")
	content := `{"kind":"exposure","experiment_id":"exp-1","variant_id":"a","ts":"2026-08-30T12:00:00Z"}
not json at all
{"kind":"","experiment_id":"exp-1"}
{"kind":"outcome","experiment_id":"exp-1","variant_id":"a","success":true,"ts":"2026-08-30T12:00:01Z"}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	records, err := Replay(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("replayed %d records, want 2 valid ones", len(records))
	}
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	w, err := NewExposureWAL(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(Record{Kind: KindExposure, ExperimentID: "exp-1", VariantID: "a"}); err != nil {
		t.Fatal(err)
	}

	next, oldPath, err := Rotate(dir, w)
	if err != nil {
		t.Fatal(err)
	}
	defer next.Close()

	records, err := Replay(oldPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("old file holds %d records, want 1", len(records))
	}
}
