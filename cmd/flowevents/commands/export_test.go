package commands

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flowkit-net/flowkit-go/pkg/log"
)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.flog")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()

	return path
}

func TestExportToJSONL(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	events := []log.Event{
		{
			Timestamp: ts,
			SessionID: "sess-1",
			Layer:     log.LayerTransport,
			Category:  log.CategoryIO,
			Stage:     "tcp",
			IO:        &log.IOEvent{Direction: log.DirectionOut, Bytes: 512},
		},
		{
			Timestamp: ts.Add(time.Second),
			SessionID: "sess-1",
			Layer:     log.LayerEngine,
			Category:  log.CategoryHandshake,
			Stage:     "tunnel",
			Handshake: &log.HandshakeEvent{Round: 1, Status: "NEEDS_IO", BytesOut: 256},
		},
	}

	path := createTestLogFile(t, events)
	outPath := filepath.Join(t.TempDir(), "out.jsonl")

	if err := RunExport(path, "jsonl", outPath); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", len(lines))
	}

	// Each line must be standalone valid JSON.
	for i, line := range lines {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Errorf("line %d is not valid JSON: %v", i, err)
		}
	}

	if !strings.Contains(lines[0], "sess-1") {
		t.Errorf("expected session ID in first line, got: %s", lines[0])
	}
}

func TestExportToCSV(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	events := []log.Event{
		{
			Timestamp: ts,
			SessionID: "sess-1",
			Layer:     log.LayerTransport,
			Category:  log.CategoryIO,
			Stage:     "tcp",
			Remote:    "10.0.0.5:443",
			IO:        &log.IOEvent{Direction: log.DirectionIn, Bytes: 1024},
		},
		{
			Timestamp: ts,
			SessionID: "sess-1",
			Layer:     log.LayerStage,
			Category:  log.CategoryError,
			Stage:     "tunnel",
			Error:     &log.ErrorEventData{Message: "handshake failed"},
		},
	}

	path := createTestLogFile(t, events)

	var buf bytes.Buffer
	reader, err := log.NewReader(path)
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	defer reader.Close()
	if err := exportCSV(reader, &buf); err != nil {
		t.Fatalf("exportCSV failed: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	if len(records) != 3 { // header + 2 rows
		t.Fatalf("expected 3 CSV records, got %d", len(records))
	}

	header := records[0]
	if header[0] != "timestamp" || header[1] != "session_id" {
		t.Errorf("unexpected header: %v", header)
	}

	ioRow := records[1]
	if ioRow[6] != "io" || ioRow[7] != "IN" || ioRow[8] != "1024" {
		t.Errorf("unexpected io row: %v", ioRow)
	}

	errRow := records[2]
	if errRow[6] != "error" || errRow[9] != "handshake failed" {
		t.Errorf("unexpected error row: %v", errRow)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, []log.Event{{Timestamp: time.Now()}})

	if err := RunExport(path, "xml", ""); err == nil {
		t.Error("expected error for unknown format")
	}
}
