package log

import (
	"io"
	"path/filepath"
	"testing"
	"time"
)

func writeTestLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.flog")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	events := []Event{
		{
			Timestamp: base,
			SessionID: "sess-a",
			Layer:     LayerStage,
			Category:  CategoryState,
			Stage:     "tunnel",
			StateChange: &StateChangeEvent{
				Axis: AxisConnect, NewState: "CONNECTING",
			},
		},
		{
			Timestamp: base.Add(time.Second),
			SessionID: "sess-a",
			Layer:     LayerEngine,
			Category:  CategoryHandshake,
			Stage:     "tunnel",
			Handshake: &HandshakeEvent{Round: 1, Status: "NEEDS_IO"},
		},
		{
			Timestamp: base.Add(2 * time.Second),
			SessionID: "sess-b",
			Layer:     LayerTransport,
			Category:  CategoryIO,
			Stage:     "tcp",
			IO:        &IOEvent{Direction: DirectionIn, Bytes: 1024},
		},
		{
			Timestamp: base.Add(3 * time.Second),
			SessionID: "sess-b",
			Layer:     LayerStage,
			Category:  CategoryError,
			Stage:     "tcp",
			Error:     &ErrorEventData{Message: "connection reset"},
		},
	}
	for _, e := range events {
		logger.Log(e)
	}
	return path
}

func readAll(t *testing.T, r *Reader) []Event {
	t.Helper()
	var events []Event
	for {
		e, err := r.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		events = append(events, e)
	}
}

func TestReaderReadsAll(t *testing.T) {
	path := writeTestLog(t)
	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	events := readAll(t, reader)
	if len(events) != 4 {
		t.Fatalf("read %d events, want 4", len(events))
	}
}

func TestReaderFilterBySession(t *testing.T) {
	path := writeTestLog(t)
	reader, err := NewFilteredReader(path, Filter{SessionID: "sess-a"})
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer reader.Close()

	events := readAll(t, reader)
	if len(events) != 2 {
		t.Fatalf("read %d events, want 2", len(events))
	}
	for _, e := range events {
		if e.SessionID != "sess-a" {
			t.Errorf("unexpected session %q", e.SessionID)
		}
	}
}

func TestReaderFilterByLayerAndCategory(t *testing.T) {
	path := writeTestLog(t)
	layer := LayerStage
	cat := CategoryError
	reader, err := NewFilteredReader(path, Filter{Layer: &layer, Category: &cat})
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer reader.Close()

	events := readAll(t, reader)
	if len(events) != 1 {
		t.Fatalf("read %d events, want 1", len(events))
	}
	if events[0].Error == nil || events[0].Error.Message != "connection reset" {
		t.Errorf("wrong event: %+v", events[0])
	}
}

func TestReaderFilterByTimeWindow(t *testing.T) {
	path := writeTestLog(t)
	start := time.Date(2026, 3, 14, 10, 0, 1, 0, time.UTC)
	end := time.Date(2026, 3, 14, 10, 0, 3, 0, time.UTC)
	reader, err := NewFilteredReader(path, Filter{TimeStart: &start, TimeEnd: &end})
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer reader.Close()

	events := readAll(t, reader)
	if len(events) != 2 {
		t.Fatalf("read %d events, want 2", len(events))
	}
}

func TestReaderFilterByStage(t *testing.T) {
	path := writeTestLog(t)
	reader, err := NewFilteredReader(path, Filter{Stage: "tcp"})
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer reader.Close()

	events := readAll(t, reader)
	if len(events) != 2 {
		t.Fatalf("read %d events, want 2", len(events))
	}
}

func TestReaderMissingFile(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "missing.flog")); err == nil {
		t.Error("expected error for missing file")
	}
}
