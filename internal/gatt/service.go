package gatt

import (
	"errors"
	"fmt"
	"sync"
)

// Interface identifies an application registration with the stack.
type Interface uint8

// IfNone means the event is not bound to one interface.
const IfNone Interface = 0xFF

// Status is a GATT status code as reported in stack events.
type Status uint8

const (
	StatusOK             Status = 0x00
	StatusInvalidHandle  Status = 0x01
	StatusInvalidAttrLen Status = 0x0D
	StatusError          Status = 0x85
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidHandle:
		return "invalid handle"
	case StatusInvalidAttrLen:
		return "invalid attribute length"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("status 0x%02X", uint8(s))
}

var (
	// ErrInvalidHandle is returned by stacks for handle 0 or unknown handles.
	ErrInvalidHandle = errors.New("gatt: invalid attribute handle")
	// ErrInvalidAttrLen is returned when a value exceeds its max length.
	ErrInvalidAttrLen = errors.New("gatt: invalid attribute length")
	// ErrHandleCount is returned when a handle list does not match the table.
	ErrHandleCount = errors.New("gatt: handle count does not match table")
)

// AttrStack is the part of the BLE stack a service needs. Create and start
// complete asynchronously; the outcome arrives as a stack event.
type AttrStack interface {
	CreateAttrTable(iface Interface, table *Table, serviceID uint8) error
	StartService(serviceHandle uint16) error
	SetAttrValue(handle uint16, value []byte) error
	GetAttrValue(handle uint16) ([]byte, error)
}

// State is the lifecycle state of a service.
type State uint8

const (
	StateNotCreated State = iota
	StateTableSubmitted
	StateStarted
)

func (s State) String() string {
	switch s {
	case StateNotCreated:
		return "not-created"
	case StateTableSubmitted:
		return "table-submitted"
	case StateStarted:
		return "started"
	}
	return "unknown"
}

// Service binds a Table to the handles the stack assigned to it.
type Service struct {
	name  string
	id    uint8
	table *Table
	stack AttrStack

	mu      sync.RWMutex
	state   State
	handles []uint16
}

// NewService returns a service in state NotCreated.
func NewService(name string, id uint8, table *Table, stack AttrStack) *Service {
	return &Service{name: name, id: id, table: table, stack: stack}
}

// Name returns the service name used in logs.
func (s *Service) Name() string { return s.name }

// ID returns the service instance id passed with the table.
func (s *Service) ID() uint8 { return s.id }

// Table returns the attribute table.
func (s *Service) Table() *Table { return s.table }

// Entries returns the table size.
func (s *Service) Entries() int { return s.table.Len() }

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Created reports whether the table was submitted.
func (s *Service) Created() bool { return s.State() >= StateTableSubmitted }

// Started reports whether the service was started.
func (s *Service) Started() bool { return s.State() == StateStarted }

// Matches reports whether a table-created event with the given id and handle
// count belongs to this service.
func (s *Service) Matches(id uint8, numHandles int) bool {
	return s.id == id && s.table.Len() == numHandles
}

// CreateTable submits the table to the stack. Without override it only
// does so once.
func (s *Service) CreateTable(iface Interface, override bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotCreated && !override {
		return nil
	}
	err := s.stack.CreateAttrTable(iface, s.table, s.id)
	if s.state == StateNotCreated {
		s.state = StateTableSubmitted
	}
	return err
}

// StartService records the handles assigned to the table and starts the
// service at handles[0]. Without override it only does so once.
func (s *Service) StartService(handles []uint16, override bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarted && !override {
		return nil
	}
	if len(handles) != s.table.Len() {
		return fmt.Errorf("%w: got %d, want %d", ErrHandleCount, len(handles), s.table.Len())
	}
	s.handles = append(s.handles[:0], handles...)
	if err := s.stack.StartService(s.handles[0]); err != nil {
		return err
	}
	s.state = StateStarted
	return nil
}

// Reset returns the service to NotCreated after the stack was torn down.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateNotCreated
	s.handles = nil
}

// Handle returns the stack handle of row index, or 0 before the service
// was started.
func (s *Service) Handle(index int) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateStarted || index < 0 || index >= len(s.handles) {
		return 0
	}
	return s.handles[index]
}

// IndexOf returns the row holding handle h.
func (s *Service) IndexOf(h uint16) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h == 0 {
		return 0, false
	}
	for i, hh := range s.handles {
		if hh == h {
			return i, true
		}
	}
	return 0, false
}

// UpdateValue writes b into the attribute at row index.
func (s *Service) UpdateValue(index int, b []byte) error {
	return s.stack.SetAttrValue(s.Handle(index), b)
}

// Value reads the stored value of row index back from the stack.
func (s *Service) Value(index int) ([]byte, error) {
	return s.stack.GetAttrValue(s.Handle(index))
}
