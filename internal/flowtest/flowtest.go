// Package flowtest provides scripted engine and flow fakes plus small
// helpers shared by the pipeline tests.
package flowtest

import (
	"testing"

	"github.com/flowkit-net/flowkit-go/pkg/runloop"
)

// StartLoop creates a runloop, runs it on its own goroutine and stops it
// when the test finishes.
func StartLoop(t *testing.T) *runloop.Runloop {
	t.Helper()
	loop := runloop.New()
	go loop.Run()
	t.Cleanup(loop.Stop)
	return loop
}
