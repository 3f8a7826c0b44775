package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/flowkit-net/flowkit-go/pkg/log"
)

func TestFormatStateChangeEvent(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 30, 15, 123456000, time.UTC)
	event := log.Event{
		Timestamp: ts,
		SessionID: "abc12345-6789-0123-4567-890abcdef012",
		Layer:     log.LayerStage,
		Category:  log.CategoryState,
		Stage:     "tunnel",
		StateChange: &log.StateChangeEvent{
			Axis:     log.AxisConnect,
			OldState: "CONNECTING",
			NewState: "CONNECTED",
		},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	if !strings.Contains(output, "2026-03-14T09:30:15.123456Z") {
		t.Errorf("expected timestamp, got: %s", output)
	}
	if !strings.Contains(output, "[sess:abc12345]") {
		t.Errorf("expected shortened session ID, got: %s", output)
	}
	if !strings.Contains(output, "STAGE") {
		t.Errorf("expected STAGE layer, got: %s", output)
	}
	if !strings.Contains(output, "CONNECT: CONNECTING -> CONNECTED") {
		t.Errorf("expected state transition, got: %s", output)
	}
}

func TestFormatHandshakeEvent(t *testing.T) {
	event := log.Event{
		Timestamp: time.Date(2026, 3, 14, 9, 30, 15, 0, time.UTC),
		SessionID: "abc12345",
		Layer:     log.LayerEngine,
		Category:  log.CategoryHandshake,
		Stage:     "tunnel",
		Handshake: &log.HandshakeEvent{Round: 2, Status: "NEEDS_IO", BytesOut: 517},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	if !strings.Contains(output, "Handshake") {
		t.Errorf("expected Handshake label, got: %s", output)
	}
	if !strings.Contains(output, "Round 2: NEEDS_IO (517 bytes out)") {
		t.Errorf("expected handshake round details, got: %s", output)
	}
}

func TestFormatIOEvent(t *testing.T) {
	event := log.Event{
		Timestamp: time.Date(2026, 3, 14, 9, 30, 15, 0, time.UTC),
		SessionID: "abc12345",
		Layer:     log.LayerTransport,
		Category:  log.CategoryIO,
		Stage:     "tcp",
		Remote:    "192.0.2.1:443",
		IO:        &log.IOEvent{Direction: log.DirectionOut, Bytes: 4096},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	if !strings.Contains(output, "OUT 4096 bytes") {
		t.Errorf("expected IO details, got: %s", output)
	}
	if !strings.Contains(output, "Remote: 192.0.2.1:443") {
		t.Errorf("expected remote endpoint, got: %s", output)
	}
}

func TestFormatErrorEvent(t *testing.T) {
	event := log.Event{
		Timestamp: time.Date(2026, 3, 14, 9, 30, 15, 0, time.UTC),
		SessionID: "abc12345",
		Layer:     log.LayerStage,
		Category:  log.CategoryError,
		Stage:     "tunnel",
		Error:     &log.ErrorEventData{Message: "remote error: tls: bad certificate", Context: "handshake"},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	if !strings.Contains(output, "Message: remote error: tls: bad certificate") {
		t.Errorf("expected error message, got: %s", output)
	}
	if !strings.Contains(output, "Context: handshake") {
		t.Errorf("expected error context, got: %s", output)
	}
}

func TestRunViewFiltersByLayer(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	events := []log.Event{
		{
			Timestamp: ts,
			SessionID: "sess-1",
			Layer:     log.LayerTransport,
			Category:  log.CategoryIO,
			Stage:     "tcp",
			IO:        &log.IOEvent{Direction: log.DirectionIn, Bytes: 100},
		},
		{
			Timestamp: ts,
			SessionID: "sess-1",
			Layer:     log.LayerEngine,
			Category:  log.CategoryHandshake,
			Stage:     "tunnel",
			Handshake: &log.HandshakeEvent{Round: 1, Status: "DONE"},
		},
	}

	path := createTestLogFile(t, events)

	layer := log.LayerEngine
	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Layer: &layer}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}

	output := buf.String()
	if strings.Contains(output, "TRANSPORT") {
		t.Errorf("transport event leaked through layer filter:\n%s", output)
	}
	if !strings.Contains(output, "ENGINE") {
		t.Errorf("expected engine event in output:\n%s", output)
	}
}

func TestRunViewFiltersByStage(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: ts, SessionID: "s", Stage: "tcp", Category: log.CategoryIO,
			IO: &log.IOEvent{Direction: log.DirectionIn, Bytes: 1}},
		{Timestamp: ts, SessionID: "s", Stage: "tunnel", Category: log.CategoryIO,
			IO: &log.IOEvent{Direction: log.DirectionIn, Bytes: 2}},
	}

	path := createTestLogFile(t, events)

	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Stage: "tunnel"}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "IN 2 bytes") {
		t.Errorf("expected tunnel event in output:\n%s", output)
	}
	if strings.Contains(output, "IN 1 bytes") {
		t.Errorf("tcp event leaked through stage filter:\n%s", output)
	}
}

func TestParseLayerFlag(t *testing.T) {
	tests := []struct {
		input   string
		want    log.Layer
		wantErr bool
	}{
		{"stage", log.LayerStage, false},
		{"ENGINE", log.LayerEngine, false},
		{"Transport", log.LayerTransport, false},
		{"wire", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseLayerFlag(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLayerFlag(%q) succeeded, want error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLayerFlag(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLayerFlag(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseCategoryFlag(t *testing.T) {
	tests := []struct {
		input   string
		want    log.Category
		wantErr bool
	}{
		{"state", log.CategoryState, false},
		{"HANDSHAKE", log.CategoryHandshake, false},
		{"io", log.CategoryIO, false},
		{"error", log.CategoryError, false},
		{"message", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseCategoryFlag(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseCategoryFlag(%q) succeeded, want error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCategoryFlag(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCategoryFlag(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
