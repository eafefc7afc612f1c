package ble

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaz8081/gghub/internal/gatt"
)

func TestProfilesDispatch(t *testing.T) {
	var r Profiles
	var a, b int
	r.Register("a", ProfileFunc(func(GATTSEvent, gatt.Interface) { a++ }))
	r.Register("b", ProfileFunc(func(GATTSEvent, gatt.Interface) { b++ }))

	// Unbound profiles only see IfNone events.
	if n := r.Dispatch(GATTSEvent{Type: EventRead}, 3); n != 0 {
		t.Errorf("Dispatch(3) before bind ran %d profiles, want 0", n)
	}

	if err := r.Bind("a", 3); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := r.Bind("b", 4); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := r.Bind("c", 5); err == nil {
		t.Error("Bind() of unknown profile should fail")
	}

	if n := r.Dispatch(GATTSEvent{Type: EventRead}, 3); n != 1 || a != 1 || b != 0 {
		t.Errorf("Dispatch(3) ran %d, a=%d b=%d", n, a, b)
	}
	if n := r.Dispatch(GATTSEvent{Type: EventRead}, gatt.IfNone); n != 2 || a != 2 || b != 1 {
		t.Errorf("Dispatch(IfNone) ran %d, a=%d b=%d", n, a, b)
	}
	if r.Interface("b") != 4 {
		t.Errorf("Interface(b) = %d, want 4", r.Interface("b"))
	}

	r.Reset()
	if r.Interface("a") != gatt.IfNone {
		t.Error("Reset() should unbind profiles")
	}
}

func TestEventQueueOrder(t *testing.T) {
	q := NewEventQueue(4)
	defer q.Close()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		if !q.Post(func() { got = append(got, i) }) {
			t.Fatal("Post() = false on an open queue")
		}
	}
	q.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d ran as %d, want in-order delivery", i, v)
		}
	}
}

func TestEventQueueClosed(t *testing.T) {
	q := NewEventQueue(1)
	q.Close()
	var ran atomic.Bool
	if q.Post(func() { ran.Store(true) }) {
		t.Error("Post() after Close() = true")
	}
	q.Close()
	if ran.Load() {
		t.Error("callback ran after Close()")
	}
}
