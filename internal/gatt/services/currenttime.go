package services

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/chaz8081/gghub/internal/gatt"
	"github.com/chaz8081/gghub/internal/timesync"
)

// Current Time service and characteristic UUIDs.
var (
	UUIDCurrentTimeService = gatt.UUID16(0x1805)
	UUIDCurrentTime        = gatt.UUID16(0x2A2B)
	UUIDLocalTimeInfo      = gatt.UUID16(0x2A0F)
	UUIDReferenceTimeInfo  = gatt.UUID16(0x2A14)
)

// Current Time characteristic names.
const (
	CharCurrentTime   = "current-time"
	CharLocalTimeInfo = "local-time-info"
	CharReferenceTime = "reference-time-info"
)

// Encoded lengths.
const (
	CurrentTimeLen   = 8
	LocalTimeInfoLen = 2
	ReferenceTimeLen = 4
)

const timeMaxLen = 20

// CurrentTime is the Current Time service.
type CurrentTime struct {
	*gatt.Service
	tracker *timesync.Tracker
}

// NewCurrentTime builds the service. tracker supplies the reference time
// information and may be shared with whatever sets the clock.
func NewCurrentTime(id uint8, tracker *timesync.Tracker, stack gatt.AttrStack) (*CurrentTime, error) {
	table, err := gatt.NewBuilder(UUIDCurrentTimeService).
		Characteristic(timeChar(CharCurrentTime, UUIDCurrentTime, CurrentTimeLen)).
		Characteristic(timeChar(CharLocalTimeInfo, UUIDLocalTimeInfo, LocalTimeInfoLen)).
		Characteristic(timeChar(CharReferenceTime, UUIDReferenceTimeInfo, ReferenceTimeLen)).
		Build()
	if err != nil {
		return nil, err
	}
	return &CurrentTime{
		Service: gatt.NewService("current-time", id, table, stack),
		tracker: tracker,
	}, nil
}

func timeChar(name string, uuid gatt.UUID, n int) gatt.CharSpec {
	v, _ := gatt.NewBuffer(n)
	return gatt.CharSpec{Name: name, UUID: uuid, Kind: gatt.KindRead, Value: v, MaxLen: timeMaxLen}
}

// EncodeCurrentTime encodes t as year (little-endian), month, day, hour,
// minute, second and weekday with Monday = 1 and Sunday = 7.
func EncodeCurrentTime(t time.Time) [CurrentTimeLen]byte {
	var b [CurrentTimeLen]byte
	binary.LittleEndian.PutUint16(b[0:2], uint16(t.Year()))
	b[2] = byte(t.Month())
	b[3] = byte(t.Day())
	b[4] = byte(t.Hour())
	b[5] = byte(t.Minute())
	b[6] = byte(t.Second())
	wd := t.Weekday()
	if wd == time.Sunday {
		b[7] = 7
	} else {
		b[7] = byte(wd)
	}
	return b
}

// EncodeLocalTimeInfo encodes the standard-time zone offset of t in
// 15-minute units and a daylight saving flag.
func EncodeLocalTimeInfo(t time.Time) [LocalTimeInfoLen]byte {
	_, offset := t.Zone()
	var dst byte
	if t.IsDST() {
		dst = 1
		offset -= 3600
	}
	return [LocalTimeInfoLen]byte{byte(int8(offset / 900)), dst}
}

// EncodeReferenceTimeInfo encodes the time source and the elapsed days and
// hours since the last update. A clock that was never synced reports 255
// for both.
func EncodeReferenceTimeInfo(src timesync.Source, since time.Duration, synced bool) [ReferenceTimeLen]byte {
	if !synced {
		return [ReferenceTimeLen]byte{byte(src), 0, 255, 255}
	}
	days, hours := timesync.Elapsed(since)
	return [ReferenceTimeLen]byte{byte(src), 0, days, hours}
}

// Update publishes now and the tracker's reference information.
func (c *CurrentTime) Update(now time.Time) error {
	cur := EncodeCurrentTime(now)
	local := EncodeLocalTimeInfo(now)
	since, synced := c.tracker.SinceLastSync()
	ref := EncodeReferenceTimeInfo(c.tracker.Source(), since, synced)

	t := c.Table()
	return errors.Join(
		c.UpdateValue(t.MustIndex(CharCurrentTime), cur[:]),
		c.UpdateValue(t.MustIndex(CharLocalTimeInfo), local[:]),
		c.UpdateValue(t.MustIndex(CharReferenceTime), ref[:]),
	)
}
