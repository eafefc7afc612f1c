// Package timesync keeps the reference-time bookkeeping published by the
// Current Time service: where the clock was last set from and when.
package timesync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"
)

// Source is the origin of the last clock update.
type Source uint8

const (
	SourceUnknown Source = iota
	SourceNTP
	SourceGPS
	SourceRadio
	SourceManual
	SourceAtomic
	SourceCellular
)

var sourceNames = map[Source]string{
	SourceUnknown:  "unknown",
	SourceNTP:      "ntp",
	SourceGPS:      "gps",
	SourceRadio:    "radio",
	SourceManual:   "manual",
	SourceAtomic:   "atomic",
	SourceCellular: "cellular",
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

// ParseSource maps a config string to a Source.
func ParseSource(s string) (Source, error) {
	for src, name := range sourceNames {
		if strings.EqualFold(s, name) {
			return src, nil
		}
	}
	return SourceUnknown, fmt.Errorf("timesync: unknown time source %q", s)
}

// Tracker records the last clock update.
type Tracker struct {
	mu     sync.Mutex
	source Source
	last   time.Time
	now    func() time.Time
}

// NewTracker returns a tracker that has never been synced.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// MarkSynced records that the clock was set from src at t.
func (t *Tracker) MarkSynced(src Source, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.source = src
	t.last = at
}

// SyncFromMarker records a sync from src at the modification time of path,
// a file the host's time daemon touches after each successful sync (for
// systemd-timesyncd, /run/systemd/timesync/synchronized). A missing file
// means no sync yet. It reports whether the tracker moved forward.
func (t *Tracker) SyncFromMarker(src Source, path string) (bool, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("timesync: stat %s: %w", path, err)
	}
	at := fi.ModTime()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !at.After(t.last) {
		return false, nil
	}
	t.source = src
	t.last = at
	return true, nil
}

// Source returns the source of the last update.
func (t *Tracker) Source() Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.source
}

// LastSync returns the last update instant and whether there was one.
func (t *Tracker) LastSync() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, !t.last.IsZero()
}

// SinceLastSync returns the elapsed time since the last update. ok is false
// if the clock was never synced.
func (t *Tracker) SinceLastSync() (d time.Duration, ok bool) {
	last, ok := t.LastSync()
	if !ok {
		return 0, false
	}
	return t.now().Sub(last), true
}

// Elapsed splits d into the whole days and hours reported in the reference
// time information. Hours is 255 once at least a day has passed; days
// saturate at 255.
func Elapsed(d time.Duration) (days, hours uint8) {
	if d < 0 {
		d = 0
	}
	dd := d / (24 * time.Hour)
	if dd > 0 {
		return uint8(min(dd, 255)), 255
	}
	return 0, uint8(d / time.Hour)
}
