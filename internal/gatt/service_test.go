package gatt

import (
	"bytes"
	"errors"
	"testing"
)

func newTestService(t *testing.T) (*Service, *mockAttrStack) {
	t.Helper()
	table := NewBuilder(UUID16(0x180A)).
		Read("serial", UUID16(0x2A25), MustValue("XXXXXX")).
		Notify("status", UUID16(0x2A19), MustValue(uint8(0)), 0).
		MustBuild()
	stack := newMockAttrStack()
	return NewService("test", 1, table, stack), stack
}

func TestServiceLifecycle(t *testing.T) {
	svc, stack := newTestService(t)
	if svc.State() != StateNotCreated {
		t.Fatalf("State() = %s, want not-created", svc.State())
	}
	if h := svc.Handle(2); h != 0 {
		t.Errorf("Handle() before start = %d, want 0", h)
	}

	if err := svc.CreateTable(3, false); err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	if err := svc.CreateTable(3, false); err != nil {
		t.Fatalf("second CreateTable() error = %v", err)
	}
	if stack.creates != 1 {
		t.Errorf("stack creates = %d, want 1", stack.creates)
	}
	if err := svc.CreateTable(3, true); err != nil {
		t.Fatalf("CreateTable(override) error = %v", err)
	}
	if stack.creates != 2 {
		t.Errorf("stack creates after override = %d, want 2", stack.creates)
	}
	if svc.State() != StateTableSubmitted {
		t.Errorf("State() = %s, want table-submitted", svc.State())
	}

	handles := stack.allocate(svc.Table())
	if err := svc.StartService(handles, false); err != nil {
		t.Fatalf("StartService() error = %v", err)
	}
	if err := svc.StartService(handles, false); err != nil {
		t.Fatalf("second StartService() error = %v", err)
	}
	if len(stack.starts) != 1 || stack.starts[0] != handles[0] {
		t.Errorf("starts = %v, want [%d]", stack.starts, handles[0])
	}
	if !svc.Started() {
		t.Error("Started() = false after StartService")
	}
	if svc.Handle(2) != handles[2] {
		t.Errorf("Handle(2) = %d, want %d", svc.Handle(2), handles[2])
	}
	if i, ok := svc.IndexOf(handles[4]); !ok || i != 4 {
		t.Errorf("IndexOf() = %d, %v, want 4", i, ok)
	}

	svc.Reset()
	if svc.State() != StateNotCreated || svc.Handle(2) != 0 {
		t.Error("Reset() should clear state and handles")
	}
}

func TestServiceCreateErrorStillSubmitted(t *testing.T) {
	svc, stack := newTestService(t)
	stack.createFn = func() error { return errors.New("no resources") }
	if err := svc.CreateTable(3, false); err == nil {
		t.Fatal("CreateTable() should surface the stack error")
	}
	if !svc.Created() {
		t.Error("Created() = false, table submission is recorded even on failure")
	}
}

func TestServiceStartHandleCount(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.StartService([]uint16{1, 2}, false); !errors.Is(err, ErrHandleCount) {
		t.Errorf("StartService() error = %v, want ErrHandleCount", err)
	}
}

func TestServiceUpdateValueRoundTrip(t *testing.T) {
	svc, stack := newTestService(t)
	_ = svc.CreateTable(3, false)
	if err := svc.StartService(stack.allocate(svc.Table()), false); err != nil {
		t.Fatalf("StartService() error = %v", err)
	}
	idx := svc.Table().MustIndex("serial")
	if err := svc.UpdateValue(idx, []byte("ABCDEF")); err != nil {
		t.Fatalf("UpdateValue() error = %v", err)
	}
	got, err := svc.Value(idx)
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if !bytes.Equal(got, []byte("ABCDEF")) {
		t.Errorf("Value() = %q, want ABCDEF", got)
	}
	if err := svc.UpdateValue(idx, []byte("TOOLONG")); !errors.Is(err, ErrInvalidAttrLen) {
		t.Errorf("UpdateValue(too long) error = %v, want ErrInvalidAttrLen", err)
	}
}

func TestServiceUpdateBeforeStart(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.UpdateValue(2, []byte("A")); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("UpdateValue() before start error = %v, want ErrInvalidHandle", err)
	}
}

func TestServiceMatches(t *testing.T) {
	svc, _ := newTestService(t)
	if !svc.Matches(1, 6) {
		t.Error("Matches(1, 6) = false")
	}
	if svc.Matches(2, 6) || svc.Matches(1, 5) {
		t.Error("Matches should reject wrong id or entry count")
	}
}
