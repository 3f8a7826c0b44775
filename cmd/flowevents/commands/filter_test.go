package commands

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowkit-net/flowkit-go/pkg/log"
)

func readAllEvents(t *testing.T, path string) []log.Event {
	t.Helper()
	reader, err := log.NewReader(path)
	if err != nil {
		t.Fatalf("failed to open output: %v", err)
	}
	defer reader.Close()

	var events []log.Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read event: %v", err)
		}
		events = append(events, event)
	}
	return events
}

func TestFilterBySession(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: ts, SessionID: "sess-1", Category: log.CategoryIO,
			IO: &log.IOEvent{Direction: log.DirectionIn, Bytes: 1}},
		{Timestamp: ts, SessionID: "sess-2", Category: log.CategoryIO,
			IO: &log.IOEvent{Direction: log.DirectionIn, Bytes: 2}},
		{Timestamp: ts, SessionID: "sess-1", Category: log.CategoryIO,
			IO: &log.IOEvent{Direction: log.DirectionOut, Bytes: 3}},
	}

	path := createTestLogFile(t, events)
	outPath := filepath.Join(t.TempDir(), "filtered.flog")

	err := RunFilter(path, FilterOptions{
		Output:    outPath,
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}

	got := readAllEvents(t, outPath)
	if len(got) != 2 {
		t.Fatalf("expected 2 filtered events, got %d", len(got))
	}
	for _, e := range got {
		if e.SessionID != "sess-1" {
			t.Errorf("event with SessionID %q leaked through filter", e.SessionID)
		}
	}
}

func TestFilterByTimeRange(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: base, SessionID: "s", Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{NewState: "CONNECTING"}},
		{Timestamp: base.Add(time.Hour), SessionID: "s", Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{NewState: "CONNECTED"}},
		{Timestamp: base.Add(2 * time.Hour), SessionID: "s", Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{NewState: "ERRORED"}},
	}

	path := createTestLogFile(t, events)
	outPath := filepath.Join(t.TempDir(), "filtered.flog")

	err := RunFilter(path, FilterOptions{
		Output:    outPath,
		TimeStart: base.Add(30 * time.Minute).Format(time.RFC3339),
		TimeEnd:   base.Add(90 * time.Minute).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}

	got := readAllEvents(t, outPath)
	if len(got) != 1 {
		t.Fatalf("expected 1 filtered event, got %d", len(got))
	}
	if got[0].StateChange == nil || got[0].StateChange.NewState != "CONNECTED" {
		t.Errorf("wrong event survived the time filter: %+v", got[0])
	}
}

func TestFilterByCategory(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: ts, SessionID: "s", Category: log.CategoryIO,
			IO: &log.IOEvent{Direction: log.DirectionIn, Bytes: 64}},
		{Timestamp: ts, SessionID: "s", Category: log.CategoryError,
			Error: &log.ErrorEventData{Message: "boom"}},
	}

	path := createTestLogFile(t, events)
	outPath := filepath.Join(t.TempDir(), "filtered.flog")

	err := RunFilter(path, FilterOptions{
		Output:   outPath,
		Category: "error",
	})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}

	got := readAllEvents(t, outPath)
	if len(got) != 1 {
		t.Fatalf("expected 1 filtered event, got %d", len(got))
	}
	if got[0].Error == nil || got[0].Error.Message != "boom" {
		t.Errorf("wrong event survived the category filter: %+v", got[0])
	}
}

func TestFilterInvalidTimeFormat(t *testing.T) {
	path := createTestLogFile(t, []log.Event{{Timestamp: time.Now()}})
	outPath := filepath.Join(t.TempDir(), "filtered.flog")

	err := RunFilter(path, FilterOptions{
		Output:    outPath,
		TimeStart: "not-a-time",
	})
	if err == nil {
		t.Error("expected error for invalid time format")
	}
}

func TestFilterInvalidLayer(t *testing.T) {
	path := createTestLogFile(t, []log.Event{{Timestamp: time.Now()}})
	outPath := filepath.Join(t.TempDir(), "filtered.flog")

	err := RunFilter(path, FilterOptions{
		Output: outPath,
		Layer:  "datalink",
	})
	if err == nil {
		t.Error("expected error for invalid layer")
	}
}
