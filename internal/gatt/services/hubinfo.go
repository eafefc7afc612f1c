package services

import (
	"fmt"

	"github.com/chaz8081/gghub/internal/gatt"
)

// Hub information service and characteristic UUIDs, little-endian.
var (
	UUIDHubInfo = gatt.UUID128([16]byte{
		0x01, 0x00, 0x5E, 0xA7, 0x3B, 0x1C, 0x4F, 0x8E,
		0x9D, 0x2A, 0x61, 0x7C, 0x00, 0x00, 0x47, 0x47,
	})
	UUIDHubPaired = gatt.UUID128([16]byte{
		0x02, 0x00, 0x5E, 0xA7, 0x3B, 0x1C, 0x4F, 0x8E,
		0x9D, 0x2A, 0x61, 0x7C, 0x00, 0x00, 0x47, 0x47,
	})
	UUIDHubWiFi = gatt.UUID128([16]byte{
		0x03, 0x00, 0x5E, 0xA7, 0x3B, 0x1C, 0x4F, 0x8E,
		0x9D, 0x2A, 0x61, 0x7C, 0x00, 0x00, 0x47, 0x47,
	})
	UUIDHubCell = gatt.UUID128([16]byte{
		0x04, 0x00, 0x5E, 0xA7, 0x3B, 0x1C, 0x4F, 0x8E,
		0x9D, 0x2A, 0x61, 0x7C, 0x00, 0x00, 0x47, 0x47,
	})
	UUIDHubSSID = gatt.UUID128([16]byte{
		0x05, 0x00, 0x5E, 0xA7, 0x3B, 0x1C, 0x4F, 0x8E,
		0x9D, 0x2A, 0x61, 0x7C, 0x00, 0x00, 0x47, 0x47,
	})
)

// Hub information characteristic names.
const (
	CharPaired = "paired"
	CharWiFi   = "wifi"
	CharCell   = "cell"
	CharSSID   = "ssid"
)

// SSIDMaxLen is the longest SSID the characteristic holds.
const SSIDMaxLen = 20

// HubInfoConfig holds the initial hub status.
type HubInfoConfig struct {
	Paired bool
	WiFi   bool
	Cell   bool
	SSID   string
}

// DefaultHubInfoConfig returns the factory status.
func DefaultHubInfoConfig() HubInfoConfig {
	return HubInfoConfig{SSID: "GreenGiant-2G4"}
}

// Link reports the current peer connection.
type Link interface {
	Record() ConnectionRecord
}

// HubInfo publishes pairing and connectivity status. Status changes are
// notified to the connected peer when it enabled notifications.
type HubInfo struct {
	*gatt.Service
	stack Stack
	link  Link
}

// NewHubInfo builds the service. link may be nil, in which case changes are
// only stored.
func NewHubInfo(id uint8, cfg HubInfoConfig, stack Stack, link Link) (*HubInfo, error) {
	if len(cfg.SSID) > SSIDMaxLen {
		return nil, fmt.Errorf("services: ssid longer than %d bytes", SSIDMaxLen)
	}
	ssid := cfg.SSID
	if ssid == "" {
		ssid = "0"
	}
	table, err := gatt.NewBuilder(UUIDHubInfo).
		Notify(CharPaired, UUIDHubPaired, gatt.MustValue(boolByte(cfg.Paired)), 1).
		Notify(CharWiFi, UUIDHubWiFi, gatt.MustValue(boolByte(cfg.WiFi)), 1).
		Notify(CharCell, UUIDHubCell, gatt.MustValue(boolByte(cfg.Cell)), 1).
		Characteristic(gatt.CharSpec{
			Name:   CharSSID,
			UUID:   UUIDHubSSID,
			Kind:   gatt.KindRead,
			Value:  gatt.MustValue(ssid),
			MaxLen: SSIDMaxLen,
		}).
		Build()
	if err != nil {
		return nil, err
	}
	return &HubInfo{
		Service: gatt.NewService("hub-info", id, table, stack),
		stack:   stack,
		link:    link,
	}, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// SetPaired publishes the pairing status.
func (h *HubInfo) SetPaired(paired bool) error { return h.setFlag(CharPaired, paired) }

// SetWiFiStatus publishes whether the Wi-Fi uplink is up.
func (h *HubInfo) SetWiFiStatus(up bool) error { return h.setFlag(CharWiFi, up) }

// SetCellStatus publishes whether the cellular uplink is up.
func (h *HubInfo) SetCellStatus(up bool) error { return h.setFlag(CharCell, up) }

// SetSSID publishes the Wi-Fi network name.
func (h *HubInfo) SetSSID(ssid string) error {
	if ssid == "" || len(ssid) > SSIDMaxLen {
		return fmt.Errorf("services: ssid must be 1-%d bytes", SSIDMaxLen)
	}
	return h.UpdateValue(h.Table().MustIndex(CharSSID), []byte(ssid))
}

// Flag reads a status flag back from the stack.
func (h *HubInfo) Flag(name string) (bool, error) {
	i, ok := h.Table().Index(name)
	if !ok {
		return false, fmt.Errorf("services: unknown hub characteristic %q", name)
	}
	b, err := h.Value(i)
	if err != nil {
		return false, err
	}
	return len(b) > 0 && b[0] != 0, nil
}

func (h *HubInfo) setFlag(name string, on bool) error {
	t := h.Table()
	value := []byte{boolByte(on)}
	if err := h.UpdateValue(t.MustIndex(name), value); err != nil {
		return fmt.Errorf("services: set %s: %w", name, err)
	}
	return h.notify(name, value)
}

func (h *HubInfo) notify(name string, value []byte) error {
	if h.link == nil {
		return nil
	}
	rec := h.link.Record()
	if !rec.Connected {
		return nil
	}
	ci, ok := h.Table().CCCIndex(name)
	if !ok {
		return nil
	}
	ccc, err := h.Value(ci)
	if err != nil || !gatt.NotifyEnabled(ccc) {
		return nil
	}
	return h.stack.SendIndicate(rec.Iface, rec.ConnID, h.Handle(h.Table().MustIndex(name)), value, false)
}
