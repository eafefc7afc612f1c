//go:build linux

package ble

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/gghub/internal/ble/protocol"
	"github.com/chaz8081/gghub/internal/gatt"
)

// TinyGoStack drives the host adapter through tinygo.org/x/bluetooth
// (BlueZ over D-Bus). BlueZ keeps its own attribute handles; this stack
// hands out sequential handles per table and maps them to characteristics.
type TinyGoStack struct {
	adapter *bluetooth.Adapter
	queue   *EventQueue

	mu      sync.Mutex
	enabled bool
	gap     func(GAPEvent)
	gatts   func(GATTSEvent, gatt.Interface)
	apps    map[uint16]gatt.Interface
	nextIf  gatt.Interface
	next    uint16
	attrs   map[uint16]*tinygoAttr
	tables  map[uint16]*tinygoTable
	linked  bool
	peerKey string // address of the linked peer, "" when only a write announced it
	adv     *bluetooth.Advertisement
	advOpts bluetooth.AdvertisementOptions
}

// tinygoConnID is the id of the single peer link. tinygo reports every
// write on Linux as Connection(0), so connect and disconnect use it too.
const tinygoConnID uint16 = 0

type tinygoAttr struct {
	row   gatt.Descriptor
	iface gatt.Interface
	char  *bluetooth.Characteristic
}

type tinygoTable struct {
	iface   gatt.Interface
	table   *gatt.Table
	handles []uint16
	started bool
}

// NewTinyGoStack returns a stack on the default adapter.
func NewTinyGoStack() (Stack, error) {
	return &TinyGoStack{
		adapter: bluetooth.DefaultAdapter,
		queue:   NewEventQueue(64),
		attrs:   make(map[uint16]*tinygoAttr),
		tables:  make(map[uint16]*tinygoTable),
		next:    1,
	}, nil
}

var _ Stack = (*TinyGoStack)(nil)

func (s *TinyGoStack) postGAP(ev GAPEvent) {
	s.mu.Lock()
	h := s.gap
	s.mu.Unlock()
	if h != nil {
		s.queue.Post(func() { h(ev) })
	}
}

func (s *TinyGoStack) postGATTS(ev GATTSEvent, iface gatt.Interface) {
	s.mu.Lock()
	h := s.gatts
	s.mu.Unlock()
	if h != nil {
		s.queue.Post(func() { h(ev, iface) })
	}
}

func statusOf(err error) gatt.Status {
	if err != nil {
		return gatt.StatusError
	}
	return gatt.StatusOK
}

func (s *TinyGoStack) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	s.adapter.SetConnectHandler(s.onConnect)
	s.adv = s.adapter.DefaultAdvertisement()
	s.enabled = true
	return nil
}

// Disable stops advertising and forgets all tables. Services already
// exported to BlueZ stay registered until the process exits.
func (s *TinyGoStack) Disable() error {
	s.mu.Lock()
	adv := s.adv
	s.enabled = false
	s.attrs = make(map[uint16]*tinygoAttr)
	s.tables = make(map[uint16]*tinygoTable)
	s.linked = false
	s.peerKey = ""
	s.apps = nil
	s.mu.Unlock()
	if adv != nil {
		if err := adv.Stop(); err != nil {
			slog.Debug("[BLE] stop advertisement on disable", "error", err)
		}
	}
	return nil
}

func (s *TinyGoStack) RegisterGAPHandler(h func(GAPEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gap = h
	return nil
}

func (s *TinyGoStack) RegisterGATTSHandler(h func(GATTSEvent, gatt.Interface)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gatts = h
	return nil
}

func (s *TinyGoStack) RegisterApp(appID uint16) error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return errors.New("ble: register app: adapter not enabled")
	}
	if s.apps == nil {
		s.apps = make(map[uint16]gatt.Interface)
	}
	iface, ok := s.apps[appID]
	if !ok {
		iface = s.nextIf
		s.nextIf++
		s.apps[appID] = iface
	}
	s.mu.Unlock()
	s.postGATTS(GATTSEvent{Type: EventRegister, AppID: appID}, iface)
	return nil
}

func (s *TinyGoStack) UnregisterApp(appID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[appID]; !ok {
		return fmt.Errorf("ble: unregister app %#x: not registered", appID)
	}
	delete(s.apps, appID)
	return nil
}

func (s *TinyGoStack) CreateAttrTable(iface gatt.Interface, t *gatt.Table, serviceID uint8) error {
	s.mu.Lock()
	handles := make([]uint16, t.Len())
	for i, row := range t.Rows() {
		handles[i] = s.next
		s.attrs[s.next] = &tinygoAttr{row: row, iface: iface}
		s.next++
	}
	s.tables[handles[0]] = &tinygoTable{iface: iface, table: t, handles: handles}
	s.mu.Unlock()

	s.postGATTS(GATTSEvent{
		Type:       EventCreateAttrTable,
		ServiceID:  serviceID,
		NumHandles: len(handles),
		Handles:    handles,
	}, iface)
	return nil
}

// StartService exports the table to BlueZ. Declaration and CCC rows are
// synthesized by BlueZ and only kept locally.
func (s *TinyGoStack) StartService(serviceHandle uint16) error {
	s.mu.Lock()
	tbl, ok := s.tables[serviceHandle]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("ble: start service %d: %w", serviceHandle, gatt.ErrInvalidHandle)
	}
	if tbl.started {
		s.mu.Unlock()
		return nil
	}
	svc := &bluetooth.Service{UUID: toTinyGoUUID(tbl.table.Service())}
	for _, name := range tbl.table.Names() {
		idx := tbl.table.MustIndex(name)
		h := tbl.handles[idx]
		attr := s.attrs[h]
		attr.char = &bluetooth.Characteristic{}
		props := gatt.Prop(tbl.table.Row(idx - 1).Value[0])
		svc.Characteristics = append(svc.Characteristics, bluetooth.CharacteristicConfig{
			Handle: attr.char,
			UUID:   toTinyGoUUID(attr.row.UUID),
			Value:  bytes.Clone(attr.row.Value),
			Flags:  charFlags(props),
			WriteEvent: func(conn bluetooth.Connection, offset int, value []byte) {
				s.onWrite(h, conn, offset, value)
			},
		})
	}
	s.mu.Unlock()

	if err := s.adapter.AddService(svc); err != nil {
		return fmt.Errorf("ble: add service %s: %w", tbl.table.Service(), err)
	}
	s.mu.Lock()
	tbl.started = true
	s.mu.Unlock()
	s.postGATTS(GATTSEvent{Type: EventStart, Handle: serviceHandle}, tbl.iface)
	return nil
}

func (s *TinyGoStack) SetAttrValue(handle uint16, value []byte) error {
	s.mu.Lock()
	attr, ok := s.attrs[handle]
	if !ok || handle == 0 {
		s.mu.Unlock()
		return gatt.ErrInvalidHandle
	}
	if len(value) > int(attr.row.MaxLen) {
		s.mu.Unlock()
		return gatt.ErrInvalidAttrLen
	}
	attr.row.Value = bytes.Clone(value)
	char, iface := attr.char, attr.iface
	s.mu.Unlock()

	var err error
	if char != nil {
		_, err = char.Write(value)
	}
	s.postGATTS(GATTSEvent{Type: EventSetAttrValue, Handle: handle, Status: statusOf(err)}, iface)
	return err
}

func (s *TinyGoStack) GetAttrValue(handle uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attr, ok := s.attrs[handle]
	if !ok {
		return nil, gatt.ErrInvalidHandle
	}
	return bytes.Clone(attr.row.Value), nil
}

// SendIndicate writes value to the characteristic; BlueZ notifies every
// subscribed peer.
func (s *TinyGoStack) SendIndicate(_ gatt.Interface, connID, handle uint16, value []byte, _ bool) error {
	s.mu.Lock()
	attr, ok := s.attrs[handle]
	connected := s.linked && connID == tinygoConnID
	s.mu.Unlock()
	if !ok || attr.char == nil {
		return gatt.ErrInvalidHandle
	}
	if !connected {
		return fmt.Errorf("ble: notify conn %d: not connected", connID)
	}
	_, err := attr.char.Write(value)
	return err
}

// Close is not available from the peripheral side through BlueZ; the
// caller treats errors.ErrUnsupported as nothing to close.
func (s *TinyGoStack) Close(_ gatt.Interface, connID uint16) error {
	return fmt.Errorf("ble: close conn %d: %w", connID, errors.ErrUnsupported)
}

func (s *TinyGoStack) ConfigAdvDataRaw(data []byte) error {
	a, err := protocol.DecodeAdvData(data)
	if err != nil {
		return fmt.Errorf("ble: config adv data: %w", err)
	}
	s.mu.Lock()
	s.advOpts.LocalName = a.LocalName()
	s.advOpts.ServiceUUIDs = []bluetooth.UUID{toTinyGoUUID(gatt.UUID128(a.UUID))}
	s.mu.Unlock()
	s.postGAP(GAPEvent{Type: GAPAdvDataSet})
	return nil
}

func (s *TinyGoStack) StartAdvertising(params AdvParams) error {
	s.mu.Lock()
	adv := s.adv
	opts := s.advOpts
	s.mu.Unlock()
	if adv == nil {
		return errors.New("ble: start advertising: adapter not enabled")
	}
	opts.Interval = bluetooth.NewDuration(params.MinInterval())

	err := configureAdv(adv, opts)
	if err == nil {
		err = adv.Start()
	}
	s.postGAP(GAPEvent{Type: GAPAdvStartComplete, Status: statusOf(err)})
	if err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	return nil
}

// configureAdv applies opts. Some BlueZ backends panic when an
// advertisement is configured twice.
func configureAdv(adv *bluetooth.Advertisement, opts bluetooth.AdvertisementOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("configure advertisement: %v", r)
		}
	}()
	return adv.Configure(opts)
}

func (s *TinyGoStack) StopAdvertising() error {
	s.mu.Lock()
	adv := s.adv
	s.mu.Unlock()
	if adv == nil {
		return errors.New("ble: stop advertising: adapter not enabled")
	}
	err := adv.Stop()
	s.postGAP(GAPEvent{Type: GAPAdvStopComplete, Status: statusOf(err)})
	if err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	return nil
}

func (s *TinyGoStack) MACAddress() ([6]byte, error) {
	var mac [6]byte
	addr, err := s.adapter.Address()
	if err != nil {
		return mac, fmt.Errorf("ble: read adapter address: %w", err)
	}
	hw, err := net.ParseMAC(addr.MAC.String())
	if err != nil {
		return mac, fmt.Errorf("ble: parse adapter address: %w", err)
	}
	copy(mac[:], hw)
	return mac, nil
}

func (s *TinyGoStack) currentIface() gatt.Interface {
	for _, iface := range s.apps {
		return iface
	}
	return gatt.IfNone
}

func (s *TinyGoStack) onConnect(device bluetooth.Device, connected bool) {
	s.peerLink(device.Address.String(), connected)
}

// peerLink tracks the one peer link. Connect and disconnect events
// alternate: a second peer replaces the first with a disconnect, and a
// disconnect from an unknown peer is ignored.
func (s *TinyGoStack) peerLink(key string, connected bool) {
	var peer [6]byte
	if hw, err := net.ParseMAC(key); err == nil {
		copy(peer[:], hw)
	}

	var evs []GATTSEvent
	s.mu.Lock()
	iface := s.currentIface()
	switch {
	case connected && s.linked && (s.peerKey == key || s.peerKey == ""):
		s.peerKey = key
	case connected:
		if s.linked {
			slog.Warn("[BLE] second peer replaces link", "old", s.peerKey, "new", key)
			evs = append(evs, GATTSEvent{Type: EventDisconnect, ConnID: tinygoConnID})
		}
		s.linked, s.peerKey = true, key
		evs = append(evs, GATTSEvent{Type: EventConnect, ConnID: tinygoConnID, Peer: peer})
	case s.linked && (s.peerKey == key || s.peerKey == ""):
		s.linked, s.peerKey = false, ""
		evs = append(evs, GATTSEvent{Type: EventDisconnect, ConnID: tinygoConnID, Peer: peer})
	default:
		slog.Debug("[BLE] disconnect from unlinked peer", "peer", key)
	}
	s.mu.Unlock()

	for _, ev := range evs {
		s.postGATTS(ev, iface)
	}
}

// onWrite runs on the BlueZ callback goroutine. A write that arrives before
// the adapter reported any link is announced as a connect first.
func (s *TinyGoStack) onWrite(handle uint16, _ bluetooth.Connection, offset int, value []byte) {
	s.mu.Lock()
	attr, ok := s.attrs[handle]
	if !ok {
		s.mu.Unlock()
		return
	}
	attr.row.Value = bytes.Clone(value)
	iface := s.currentIface()
	announce := !s.linked
	s.linked = true
	s.mu.Unlock()

	if announce {
		s.postGATTS(GATTSEvent{Type: EventConnect, ConnID: tinygoConnID}, iface)
	}
	s.postGATTS(GATTSEvent{
		Type:   EventWrite,
		ConnID: tinygoConnID,
		Handle: handle,
		Value:  bytes.Clone(value),
		Offset: uint16(offset),
	}, iface)
}

func toTinyGoUUID(u gatt.UUID) bluetooth.UUID {
	b := u.Bytes()
	switch u.Len() {
	case gatt.UUIDLen16:
		return bluetooth.New16BitUUID(u.Uint16())
	case gatt.UUIDLen32:
		return bluetooth.UUID{0x5F9B34FB, 0x80000080, 0x00001000, binary.LittleEndian.Uint32(b)}
	}
	var out bluetooth.UUID
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return out
}

func charFlags(p gatt.Prop) bluetooth.CharacteristicPermissions {
	var f bluetooth.CharacteristicPermissions
	if p&gatt.PropBroadcast != 0 {
		f |= bluetooth.CharacteristicBroadcastPermission
	}
	if p&gatt.PropRead != 0 {
		f |= bluetooth.CharacteristicReadPermission
	}
	if p&gatt.PropWriteNoResp != 0 {
		f |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p&gatt.PropWrite != 0 {
		f |= bluetooth.CharacteristicWritePermission
	}
	if p&gatt.PropNotify != 0 {
		f |= bluetooth.CharacteristicNotifyPermission
	}
	if p&gatt.PropIndicate != 0 {
		f |= bluetooth.CharacteristicIndicatePermission
	}
	return f
}
