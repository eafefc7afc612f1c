package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/chaz8081/gghub/internal/ble/protocol"
	"github.com/chaz8081/gghub/internal/gatt"
)

// SPP service and characteristic UUIDs, little-endian.
var (
	UUIDSPP = gatt.UUID128([16]byte{
		0x55, 0xE4, 0x05, 0xD2, 0xAF, 0x9F, 0xA9, 0x8F,
		0xE5, 0x4A, 0x7D, 0xFE, 0x43, 0x53, 0x53, 0x49,
	})
	UUIDSPPWrite = gatt.UUID128([16]byte{
		0xB3, 0x9B, 0x72, 0x34, 0xBE, 0xEC, 0xD4, 0xA8,
		0xF4, 0x43, 0x41, 0x88, 0x43, 0x53, 0x53, 0x49,
	})
	UUIDSPPNotify = gatt.UUID128([16]byte{
		0x16, 0x96, 0x24, 0x47, 0xC6, 0x23, 0x61, 0xBA,
		0xD9, 0x4B, 0x4D, 0x1E, 0x43, 0x53, 0x53, 0x49,
	})
)

// SPP characteristic names.
const (
	CharSPPWrite  = "write"
	CharSPPNotify = "notify"
)

// NoConnection is the connection id of an empty record.
const NoConnection uint16 = 0xFFFF

var (
	ErrNotConnected   = errors.New("services: no peer connected")
	ErrPayloadTooLong = errors.New("services: notification payload too long")
)

// PeerStack is the part of the BLE stack that talks to a connected peer.
type PeerStack interface {
	SendIndicate(iface gatt.Interface, connID uint16, handle uint16, value []byte, needConfirm bool) error
	Close(iface gatt.Interface, connID uint16) error
}

// Stack is what the services need from the BLE stack.
type Stack interface {
	gatt.AttrStack
	PeerStack
}

// ConnectionRecord describes the single connected peer.
type ConnectionRecord struct {
	ConnID    uint16
	Iface     gatt.Interface
	Peer      [6]byte
	Connected bool
}

// PeerAddr returns the peer address in display order.
func (r ConnectionRecord) PeerAddr() string {
	return net.HardwareAddr(r.Peer[:]).String()
}

func emptyRecord() ConnectionRecord {
	return ConnectionRecord{
		ConnID: NoConnection,
		Iface:  gatt.IfNone,
		Peer:   [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	}
}

// SPPOptions configures the data channel.
type SPPOptions struct {
	// ChunkDelay is the pause between notification chunks.
	ChunkDelay time.Duration
}

// DefaultSPPOptions returns options with sensible defaults.
func DefaultSPPOptions() SPPOptions {
	return SPPOptions{ChunkDelay: 10 * time.Millisecond}
}

// SPP is the serial-port-style data channel: a write characteristic the
// peer sends on and a notify characteristic the hub answers on.
type SPP struct {
	*gatt.Service
	peer PeerStack
	opts SPPOptions

	mu        sync.Mutex
	rec       ConnectionRecord
	receivers []func([]byte)
}

// NewSPP builds the data channel service.
func NewSPP(id uint8, stack Stack, opts SPPOptions) (*SPP, error) {
	table, err := gatt.NewBuilder(UUIDSPP).
		ReadWrite(CharSPPWrite, UUIDSPPWrite, gatt.MustValue([]byte{0x00}), protocol.MaxNotifyPayload).
		Notify(CharSPPNotify, UUIDSPPNotify, gatt.MustValue([]byte{0x00}), protocol.MaxNotifyPayload).
		Build()
	if err != nil {
		return nil, err
	}
	return &SPP{
		Service: gatt.NewService("spp", id, table, stack),
		peer:    stack,
		opts:    opts,
		rec:     emptyRecord(),
	}, nil
}

// SaveConnection records the connected peer.
func (s *SPP) SaveConnection(connID uint16, iface gatt.Interface, peer [6]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = ConnectionRecord{ConnID: connID, Iface: iface, Peer: peer, Connected: true}
}

// ClearConnection resets the record to its empty sentinels.
func (s *SPP) ClearConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = emptyRecord()
}

// Connected reports whether a peer is connected.
func (s *SPP) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Connected
}

// Record returns a copy of the connection record.
func (s *SPP) Record() ConnectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// OnReceive registers fn for data the peer writes to the write
// characteristic. fn runs on the controller's event loop.
func (s *SPP) OnReceive(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivers = append(s.receivers, fn)
}

// HandleWrite delivers a peer write to the receivers. It reports whether
// handle belongs to the write characteristic.
func (s *SPP) HandleWrite(handle uint16, value []byte) bool {
	if handle == 0 || handle != s.Handle(s.Table().MustIndex(CharSPPWrite)) {
		return false
	}
	s.mu.Lock()
	fns := slices.Clone(s.receivers)
	s.mu.Unlock()
	data := append([]byte(nil), value...)
	for _, fn := range fns {
		fn(data)
	}
	return true
}

// Notify sends b to the peer on the notify characteristic.
func (s *SPP) Notify(b []byte) error {
	if len(b) > protocol.MaxNotifyPayload {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(b), protocol.MaxNotifyPayload)
	}
	rec := s.Record()
	if !rec.Connected {
		return ErrNotConnected
	}
	h := s.Handle(s.Table().MustIndex(CharSPPNotify))
	return s.peer.SendIndicate(rec.Iface, rec.ConnID, h, b, false)
}

// NotifyString sends str in MaxNotifyPayload-sized chunks, pausing between
// chunks. A failed chunk does not stop the rest; all failures are joined.
func (s *SPP) NotifyString(str string) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	var errs []error
	chunks := protocol.ChunkText(str, protocol.MaxNotifyPayload)
	for i, c := range chunks {
		if err := s.Notify([]byte(c)); err != nil {
			errs = append(errs, err)
		}
		if i < len(chunks)-1 && s.opts.ChunkDelay > 0 {
			time.Sleep(s.opts.ChunkDelay)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("[SPP] notify failed", "chunks", len(chunks), "failed", len(errs))
		return err
	}
	return nil
}

// Disconnect closes the peer connection. The record is cleared only when
// the stack accepted the close or cannot close links at all
// (errors.ErrUnsupported).
func (s *SPP) Disconnect() error {
	rec := s.Record()
	err := s.peer.Close(rec.Iface, rec.ConnID)
	if errors.Is(err, errors.ErrUnsupported) {
		slog.Debug("[SPP] stack cannot close links, leaving it to the peer", "conn_id", rec.ConnID)
		err = nil
	}
	if err != nil {
		return fmt.Errorf("services: close connection %d: %w", rec.ConnID, err)
	}
	s.ClearConnection()
	return nil
}
