package runloop

import (
	"testing"
	"time"
)

func TestTasksRunInPostOrder(t *testing.T) {
	loop := New()
	go loop.Run()
	defer loop.Stop()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		loop.Post(func() { got = append(got, i) })
	}
	loop.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for tasks")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task order broken: got %v", got)
		}
	}
}

func TestDoWaitsForTask(t *testing.T) {
	loop := New()
	go loop.Run()
	defer loop.Stop()

	ran := false
	loop.Do(func() { ran = true })
	if !ran {
		t.Error("Do returned before task ran")
	}
}

func TestTasksMayPostTasks(t *testing.T) {
	loop := New()
	go loop.Run()
	defer loop.Stop()

	done := make(chan struct{})
	loop.Post(func() {
		loop.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestStopUnblocksRun(t *testing.T) {
	loop := New()
	finished := make(chan struct{})
	go func() {
		loop.Run()
		close(finished)
	}()

	loop.Stop()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestStopFromTask(t *testing.T) {
	loop := New()
	finished := make(chan struct{})
	go func() {
		loop.Run()
		close(finished)
	}()

	loop.Post(func() { loop.Stop() })

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop from a task")
	}
}

func TestPostAfterStopDropped(t *testing.T) {
	loop := New()
	loop.Stop()
	loop.Post(func() { t.Error("task ran after Stop") })
	loop.Run() // returns immediately, running nothing
}

func TestDoAfterStopReturns(t *testing.T) {
	loop := New()
	loop.Stop()

	returned := make(chan struct{})
	go func() {
		loop.Do(func() {})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Do blocked forever on a stopped loop")
	}
}
