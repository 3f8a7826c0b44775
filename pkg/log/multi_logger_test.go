package log

import (
	"testing"
	"time"
)

// captureLogger records every event it receives.
type captureLogger struct {
	events []Event
}

func (c *captureLogger) Log(event Event) {
	c.events = append(c.events, event)
}

func TestMultiLoggerFansOut(t *testing.T) {
	a := &captureLogger{}
	b := &captureLogger{}
	multi := NewMultiLogger(a, b)

	event := Event{
		Timestamp: time.Now(),
		SessionID: "sess-multi",
		Layer:     LayerStage,
		Category:  CategoryState,
	}
	multi.Log(event)

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("fan-out broken: a=%d b=%d", len(a.events), len(b.events))
	}
	if a.events[0].SessionID != "sess-multi" {
		t.Errorf("wrong event delivered: %+v", a.events[0])
	}
}

func TestMultiLoggerEmpty(t *testing.T) {
	multi := NewMultiLogger()
	// Must not panic.
	multi.Log(Event{Timestamp: time.Now()})
}
