// Package sim is an in-process BLE stack. It allocates attribute handles
// sequentially and reports completions asynchronously, the way a radio
// stack does, so the controller can run without hardware.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/gghub/internal/ble"
	"github.com/chaz8081/gghub/internal/ble/protocol"
	"github.com/chaz8081/gghub/internal/gatt"
)

// FirstHandle is the first attribute handle handed out after Enable.
const FirstHandle uint16 = 40

var (
	ErrDisabled     = errors.New("sim: stack disabled")
	ErrUnknownApp   = errors.New("sim: app not registered")
	ErrNotConnected = errors.New("sim: connection not open")
	ErrNotWritable  = errors.New("sim: attribute not writable")
)

// Op names a stack operation for fault injection.
type Op string

const (
	OpEnable        Op = "enable"
	OpRegisterApp   Op = "register-app"
	OpCreateTable   Op = "create-table"
	OpStartService  Op = "start-service"
	OpSetAttr       Op = "set-attr"
	OpIndicate      Op = "indicate"
	OpClose         Op = "close"
	OpStartAdv      Op = "start-adv"
	OpStopAdv       Op = "stop-adv"
	OpConfigAdvData Op = "config-adv"
	OpUnregisterApp Op = "unregister-app"
	OpDisable       Op = "disable"
	OpMACAddress    Op = "mac"
	OpRegisterGAP   Op = "register-gap"
)

// Notification is a value pushed to a peer.
type Notification struct {
	ConnID uint16
	Handle uint16
	Value  []byte
}

type attr struct {
	row   gatt.Descriptor
	iface gatt.Interface
}

type table struct {
	iface   gatt.Interface
	t       *gatt.Table
	handles []uint16
	started bool
}

type conn struct {
	iface gatt.Interface
	peer  [6]byte
}

// Stack implements ble.Stack in memory.
type Stack struct {
	queue *ble.EventQueue

	mu       sync.Mutex
	enabled  bool
	gap      func(ble.GAPEvent)
	gatts    func(ble.GATTSEvent, gatt.Interface)
	apps     map[uint16]gatt.Interface
	nextIf   gatt.Interface
	next     uint16
	attrs    map[uint16]*attr
	tables   map[uint16]*table
	conns    map[uint16]conn
	nextConn uint16
	adv      bool
	advData  []byte
	params   ble.AdvParams
	sent     []Notification
	mac      [6]byte
	faults   map[Op]error
}

var _ ble.Stack = (*Stack)(nil)

// New returns a disabled stack reporting mac as its address.
func New(mac [6]byte) *Stack {
	return &Stack{
		queue:  ble.NewEventQueue(64),
		mac:    mac,
		faults: make(map[Op]error),
		nextIf: 3,
	}
}

// Shutdown stops event delivery.
func (s *Stack) Shutdown() { s.queue.Close() }

// FailNext makes the next call of op return err.
func (s *Stack) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// fault must be called with s.mu held.
func (s *Stack) fault(op Op) error {
	err, ok := s.faults[op]
	if !ok {
		return nil
	}
	delete(s.faults, op)
	return err
}

func (s *Stack) postGAP(ev ble.GAPEvent) {
	if h := s.gap; h != nil {
		s.queue.Post(func() { h(ev) })
	}
}

func (s *Stack) postGATTS(ev ble.GATTSEvent, iface gatt.Interface) {
	if h := s.gatts; h != nil {
		s.queue.Post(func() { h(ev, iface) })
	}
}

func (s *Stack) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpEnable); err != nil {
		return err
	}
	if s.enabled {
		return nil
	}
	s.enabled = true
	s.next = FirstHandle
	s.apps = make(map[uint16]gatt.Interface)
	s.attrs = make(map[uint16]*attr)
	s.tables = make(map[uint16]*table)
	s.conns = make(map[uint16]conn)
	return nil
}

// Disable drops every table, connection and registration.
func (s *Stack) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpDisable); err != nil {
		return err
	}
	s.enabled = false
	s.adv = false
	s.apps, s.attrs, s.tables, s.conns = nil, nil, nil, nil
	return nil
}

func (s *Stack) RegisterGAPHandler(h func(ble.GAPEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpRegisterGAP); err != nil {
		return err
	}
	s.gap = h
	return nil
}

func (s *Stack) RegisterGATTSHandler(h func(ble.GATTSEvent, gatt.Interface)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gatts = h
	return nil
}

func (s *Stack) RegisterApp(appID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return ErrDisabled
	}
	if err := s.fault(OpRegisterApp); err != nil {
		s.postGATTS(ble.GATTSEvent{Type: ble.EventRegister, Status: gatt.StatusError, AppID: appID}, gatt.IfNone)
		return nil
	}
	iface, ok := s.apps[appID]
	if !ok {
		iface = s.nextIf
		s.nextIf++
		s.apps[appID] = iface
	}
	s.postGATTS(ble.GATTSEvent{Type: ble.EventRegister, AppID: appID}, iface)
	return nil
}

func (s *Stack) UnregisterApp(appID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpUnregisterApp); err != nil {
		return err
	}
	if _, ok := s.apps[appID]; !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownApp, appID)
	}
	delete(s.apps, appID)
	return nil
}

func (s *Stack) registered(iface gatt.Interface) bool {
	for _, i := range s.apps {
		if i == iface {
			return true
		}
	}
	return false
}

func (s *Stack) CreateAttrTable(iface gatt.Interface, t *gatt.Table, serviceID uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return ErrDisabled
	}
	if !s.registered(iface) {
		return fmt.Errorf("%w: interface %d", ErrUnknownApp, iface)
	}
	if err := s.fault(OpCreateTable); err != nil {
		s.postGATTS(ble.GATTSEvent{Type: ble.EventCreateAttrTable, Status: gatt.StatusError, ServiceID: serviceID}, iface)
		return nil
	}

	handles := make([]uint16, t.Len())
	for i, row := range t.Rows() {
		handles[i] = s.next
		s.attrs[s.next] = &attr{row: row, iface: iface}
		s.next++
	}
	s.tables[handles[0]] = &table{iface: iface, t: t, handles: handles}
	s.postGATTS(ble.GATTSEvent{
		Type:       ble.EventCreateAttrTable,
		ServiceID:  serviceID,
		NumHandles: len(handles),
		Handles:    handles,
	}, iface)
	return nil
}

func (s *Stack) StartService(serviceHandle uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.tables[serviceHandle]
	if !ok {
		return gatt.ErrInvalidHandle
	}
	if err := s.fault(OpStartService); err != nil {
		return err
	}
	tbl.started = true
	s.postGATTS(ble.GATTSEvent{Type: ble.EventStart, Handle: serviceHandle}, tbl.iface)
	return nil
}

func (s *Stack) SetAttrValue(handle uint16, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attrs[handle]
	if !ok {
		return gatt.ErrInvalidHandle
	}
	if len(value) > int(a.row.MaxLen) {
		return gatt.ErrInvalidAttrLen
	}
	if err := s.fault(OpSetAttr); err != nil {
		s.postGATTS(ble.GATTSEvent{Type: ble.EventSetAttrValue, Status: gatt.StatusError, Handle: handle}, a.iface)
		return err
	}
	a.row.Value = bytes.Clone(value)
	s.postGATTS(ble.GATTSEvent{Type: ble.EventSetAttrValue, Handle: handle}, a.iface)
	return nil
}

func (s *Stack) GetAttrValue(handle uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attrs[handle]
	if !ok {
		return nil, gatt.ErrInvalidHandle
	}
	return bytes.Clone(a.row.Value), nil
}

// SendIndicate records the notification. Payloads above the default ATT
// MTU are rejected.
func (s *Stack) SendIndicate(_ gatt.Interface, connID, handle uint16, value []byte, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[connID]; !ok {
		return fmt.Errorf("%w: %d", ErrNotConnected, connID)
	}
	if _, ok := s.attrs[handle]; !ok {
		return gatt.ErrInvalidHandle
	}
	if len(value) > protocol.MaxNotifyPayload {
		return gatt.ErrInvalidAttrLen
	}
	if err := s.fault(OpIndicate); err != nil {
		return err
	}
	s.sent = append(s.sent, Notification{ConnID: connID, Handle: handle, Value: bytes.Clone(value)})
	return nil
}

func (s *Stack) Close(iface gatt.Interface, connID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpClose); err != nil {
		return err
	}
	c, ok := s.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotConnected, connID)
	}
	delete(s.conns, connID)
	s.postGATTS(ble.GATTSEvent{Type: ble.EventDisconnect, ConnID: connID, Peer: c.peer}, iface)
	return nil
}

func (s *Stack) ConfigAdvDataRaw(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpConfigAdvData); err != nil {
		return err
	}
	if _, err := protocol.ParseADStructures(data); err != nil {
		return err
	}
	s.advData = bytes.Clone(data)
	s.postGAP(ble.GAPEvent{Type: ble.GAPAdvDataSet})
	return nil
}

func (s *Stack) StartAdvertising(params ble.AdvParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return ErrDisabled
	}
	if err := s.fault(OpStartAdv); err != nil {
		s.postGAP(ble.GAPEvent{Type: ble.GAPAdvStartComplete, Status: gatt.StatusError})
		return nil
	}
	s.adv = true
	s.params = params
	s.postGAP(ble.GAPEvent{Type: ble.GAPAdvStartComplete})
	return nil
}

func (s *Stack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpStopAdv); err != nil {
		return err
	}
	s.adv = false
	s.postGAP(ble.GAPEvent{Type: ble.GAPAdvStopComplete})
	return nil
}

func (s *Stack) MACAddress() ([6]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpMACAddress); err != nil {
		return [6]byte{}, err
	}
	return s.mac, nil
}

// Advertising reports whether the stack is advertising and the payload.
func (s *Stack) Advertising() (bool, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adv, bytes.Clone(s.advData)
}

// Connect opens a connection from peer on the first registered app and
// stops advertising, as a radio does on an incoming link.
func (s *Stack) Connect(peer [6]byte) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return 0, ErrDisabled
	}
	iface := gatt.IfNone
	for _, i := range s.apps {
		iface = i
		break
	}
	id := s.nextConn
	s.nextConn++
	s.conns[id] = conn{iface: iface, peer: peer}
	s.adv = false
	s.postGATTS(ble.GATTSEvent{Type: ble.EventConnect, ConnID: id, Peer: peer}, iface)
	return id, nil
}

// Disconnect drops the connection from the peer side.
func (s *Stack) Disconnect(connID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotConnected, connID)
	}
	delete(s.conns, connID)
	s.postGATTS(ble.GATTSEvent{Type: ble.EventDisconnect, ConnID: connID, Peer: c.peer}, c.iface)
	return nil
}

// Write performs a peer write. The stored value changes before the event
// is delivered.
func (s *Stack) Write(connID, handle uint16, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotConnected, connID)
	}
	a, ok := s.attrs[handle]
	if !ok {
		return gatt.ErrInvalidHandle
	}
	if a.row.Perm&gatt.PermWrite == 0 {
		return fmt.Errorf("%w: handle %d", ErrNotWritable, handle)
	}
	if len(value) > int(a.row.MaxLen) {
		return gatt.ErrInvalidAttrLen
	}
	a.row.Value = bytes.Clone(value)
	s.postGATTS(ble.GATTSEvent{
		Type:   ble.EventWrite,
		ConnID: connID,
		Peer:   c.peer,
		Handle: handle,
		Value:  bytes.Clone(value),
	}, a.iface)
	return nil
}

// Read returns an attribute value as a peer would see it.
func (s *Stack) Read(handle uint16) ([]byte, error) {
	return s.GetAttrValue(handle)
}

// FindHandle returns the value handle of characteristic char in service
// svc, or the CCC handle when cccOf is true.
func (s *Stack) FindHandle(svc, char gatt.UUID, cccOf bool) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tbl := range s.tables {
		if !tbl.t.Service().Equal(svc) {
			continue
		}
		for i, row := range tbl.t.Rows() {
			if !row.UUID.Equal(char) {
				continue
			}
			if !cccOf {
				return tbl.handles[i], true
			}
			if i+1 < len(tbl.handles) && tbl.t.Row(i+1).UUID.Equal(gatt.UUIDClientCharConfig) {
				return tbl.handles[i+1], true
			}
			return 0, false
		}
	}
	return 0, false
}

// Notifications returns everything sent to peers so far.
func (s *Stack) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.sent...)
}

// Log writes a one-line summary of the stack state.
func (s *Stack) Log() {
	s.mu.Lock()
	defer s.mu.Unlock()
	slog.Debug("[SIM] stack",
		"enabled", s.enabled,
		"apps", len(s.apps),
		"attrs", len(s.attrs),
		"conns", len(s.conns),
		"advertising", s.adv,
		"interval", s.params.MinInterval(),
	)
}
