// Package services implements the GATT services the hub exposes: device
// information, the SPP data channel, hub status and current time.
package services

import (
	"errors"
	"fmt"

	"github.com/chaz8081/gghub/internal/gatt"
)

// Device Information service and characteristic UUIDs.
var (
	UUIDDeviceInformation = gatt.UUID16(0x180A)
	UUIDManufacturerName  = gatt.UUID16(0x2A29)
	UUIDModelNumber       = gatt.UUID16(0x2A24)
	UUIDSerialNumber      = gatt.UUID16(0x2A25)
	UUIDHardwareRevision  = gatt.UUID16(0x2A27)
	UUIDFirmwareRevision  = gatt.UUID16(0x2A26)
)

// Device Information characteristic names.
const (
	CharManufacturer = "manufacturer"
	CharModel        = "model"
	CharSerial       = "serial"
	CharHardware     = "hardware"
	CharFirmware     = "firmware"
)

// SerialLen is the length of a formatted serial number.
const SerialLen = 6

// DeviceInfoConfig holds the strings published by the service.
type DeviceInfoConfig struct {
	Manufacturer string
	Model        string
	Serial       string
	Hardware     string
	Firmware     string
}

// DefaultDeviceInfoConfig returns the factory strings.
func DefaultDeviceInfoConfig() DeviceInfoConfig {
	return DeviceInfoConfig{
		Manufacturer: "GreenGiant",
		Model:        "Develop",
		Serial:       "XXXXXX",
		Hardware:     "1",
		Firmware:     "1",
	}
}

// DeviceInfo is the Device Information service.
type DeviceInfo struct {
	*gatt.Service
}

// NewDeviceInfo builds the service table. The serial characteristic is sized
// for SerialLen characters regardless of the initial string.
func NewDeviceInfo(id uint8, cfg DeviceInfoConfig, stack gatt.AttrStack) (*DeviceInfo, error) {
	values := make(map[string]*gatt.Value, 5)
	for name, s := range map[string]string{
		CharManufacturer: cfg.Manufacturer,
		CharModel:        cfg.Model,
		CharSerial:       cfg.Serial,
		CharHardware:     cfg.Hardware,
		CharFirmware:     cfg.Firmware,
	} {
		v, err := gatt.NewValue(s)
		if err != nil {
			return nil, fmt.Errorf("device info %s: %w", name, err)
		}
		values[name] = v
	}

	table, err := gatt.NewBuilder(UUIDDeviceInformation).
		Read(CharManufacturer, UUIDManufacturerName, values[CharManufacturer]).
		Read(CharModel, UUIDModelNumber, values[CharModel]).
		Characteristic(gatt.CharSpec{
			Name:   CharSerial,
			UUID:   UUIDSerialNumber,
			Kind:   gatt.KindRead,
			Value:  values[CharSerial],
			MaxLen: max(SerialLen, values[CharSerial].Len()),
		}).
		Read(CharHardware, UUIDHardwareRevision, values[CharHardware]).
		Read(CharFirmware, UUIDFirmwareRevision, values[CharFirmware]).
		Build()
	if err != nil {
		return nil, err
	}
	return &DeviceInfo{Service: gatt.NewService("device-info", id, table, stack)}, nil
}

// FormatSerial renders the low 24 bits of serial as six uppercase hex digits.
func FormatSerial(serial uint32) string {
	return fmt.Sprintf("%06X", serial&0xFFFFFF)
}

// SerialFromMAC renders the low three bytes of a MAC address.
func SerialFromMAC(mac [6]byte) string {
	return fmt.Sprintf("%02X%02X%02X", mac[3], mac[4], mac[5])
}

// ChangeSerial publishes a new serial number. It fails unless the stack
// accepted the write.
func (d *DeviceInfo) ChangeSerial(serial uint32) error {
	return d.setSerial(FormatSerial(serial))
}

// ChangeSerialFromMAC publishes the serial number derived from mac.
func (d *DeviceInfo) ChangeSerialFromMAC(mac [6]byte) error {
	return d.setSerial(SerialFromMAC(mac))
}

func (d *DeviceInfo) setSerial(s string) error {
	if len(s) != SerialLen {
		return errors.New("services: serial number must be 6 characters")
	}
	if err := d.UpdateValue(d.Table().MustIndex(CharSerial), []byte(s)); err != nil {
		return fmt.Errorf("services: change serial: %w", err)
	}
	return nil
}

// Serial reads the published serial number back from the stack.
func (d *DeviceInfo) Serial() (string, error) {
	b, err := d.Value(d.Table().MustIndex(CharSerial))
	return string(b), err
}
