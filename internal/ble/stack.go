// Package ble runs the hub's BLE peripheral: it registers the GATT services
// with the radio stack, advertises, tracks the single peer connection and
// routes stack events to the services.
package ble

import (
	"time"

	"github.com/chaz8081/gghub/internal/gatt"
	"github.com/chaz8081/gghub/internal/gatt/services"
)

// Stack abstracts the BLE host stack for testing. Calls return once the
// request is queued; results arrive later through the registered handlers,
// in the order the stack produced them.
type Stack interface {
	services.Stack

	// Enable brings up the controller and host.
	Enable() error
	// Disable tears the controller and host down.
	Disable() error
	// RegisterGAPHandler sets the receiver of advertising events.
	RegisterGAPHandler(h func(GAPEvent)) error
	// RegisterGATTSHandler sets the receiver of GATT server events.
	RegisterGATTSHandler(h func(GATTSEvent, gatt.Interface)) error
	// RegisterApp registers an application; an EventRegister carries the
	// interface assigned to it.
	RegisterApp(appID uint16) error
	UnregisterApp(appID uint16) error
	// ConfigAdvDataRaw sets the raw advertising payload.
	ConfigAdvDataRaw(data []byte) error
	StartAdvertising(params AdvParams) error
	StopAdvertising() error
	// MACAddress returns the burned-in address in display order.
	MACAddress() ([6]byte, error)
}

// GAPEventType identifies a GAP event.
type GAPEventType uint8

const (
	GAPAdvDataSet GAPEventType = iota
	GAPAdvStartComplete
	GAPAdvStopComplete
)

func (t GAPEventType) String() string {
	switch t {
	case GAPAdvDataSet:
		return "adv-data-set"
	case GAPAdvStartComplete:
		return "adv-start-complete"
	case GAPAdvStopComplete:
		return "adv-stop-complete"
	}
	return "unknown"
}

// GAPEvent is an advertising event.
type GAPEvent struct {
	Type   GAPEventType
	Status gatt.Status
}

// GATTSEventType identifies a GATT server event.
type GATTSEventType uint8

const (
	EventRegister GATTSEventType = iota
	EventRead
	EventWrite
	EventConnect
	EventDisconnect
	EventCreateAttrTable
	EventSetAttrValue
	EventCongest
	EventCreate
	EventStart
)

var eventNames = [...]string{
	EventRegister:        "register",
	EventRead:            "read",
	EventWrite:           "write",
	EventConnect:         "connect",
	EventDisconnect:      "disconnect",
	EventCreateAttrTable: "create-attr-table",
	EventSetAttrValue:    "set-attr-value",
	EventCongest:         "congest",
	EventCreate:          "create",
	EventStart:           "start",
}

func (t GATTSEventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return "unknown"
}

// GATTSEvent is a GATT server event. Only the fields relevant to Type are
// set.
type GATTSEvent struct {
	Type   GATTSEventType
	Status gatt.Status

	// Register
	AppID uint16

	// Connect, disconnect, read, write, congest
	ConnID uint16
	Peer   [6]byte

	// Read, write, set-attr-value, create, start
	Handle uint16
	Value  []byte
	IsPrep bool
	Offset uint16

	// Create-attr-table
	ServiceID  uint8
	NumHandles int
	Handles    []uint16

	// Congest
	Congested bool
}

// AdvType is the advertising PDU type.
type AdvType uint8

const (
	AdvTypeInd AdvType = iota
	AdvTypeDirectIndHigh
	AdvTypeScanInd
	AdvTypeNonConnInd
)

// AddrType is the own address type used while advertising.
type AddrType uint8

const (
	AddrPublic AddrType = iota
	AddrRandom
)

// AdvChannelAll enables channels 37, 38 and 39.
const AdvChannelAll uint8 = 0x07

// AdvParams are the advertising parameters. Intervals are in units of
// 0.625 ms.
type AdvParams struct {
	IntervalMin uint16
	IntervalMax uint16
	Type        AdvType
	OwnAddr     AddrType
	Channels    uint8
}

// DefaultAdvParams returns connectable undirected advertising every
// 20-40 ms on all channels.
func DefaultAdvParams() AdvParams {
	return AdvParams{
		IntervalMin: 0x20,
		IntervalMax: 0x40,
		Type:        AdvTypeInd,
		OwnAddr:     AddrPublic,
		Channels:    AdvChannelAll,
	}
}

// AdvInterval converts a duration to 0.625 ms units.
func AdvInterval(d time.Duration) uint16 {
	return uint16(d / (625 * time.Microsecond))
}

// MinInterval returns IntervalMin as a duration.
func (p AdvParams) MinInterval() time.Duration {
	return time.Duration(p.IntervalMin) * 625 * time.Microsecond
}
