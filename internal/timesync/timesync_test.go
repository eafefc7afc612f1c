package timesync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestElapsed(t *testing.T) {
	tests := []struct {
		d         time.Duration
		days, hrs uint8
	}{
		{0, 0, 0},
		{59 * time.Minute, 0, 0},
		{3 * time.Hour, 0, 3},
		{23*time.Hour + 59*time.Minute, 0, 23},
		{24 * time.Hour, 1, 255},
		{50 * time.Hour, 2, 255},
		{400 * 24 * time.Hour, 255, 255},
		{-time.Hour, 0, 0},
	}
	for _, tt := range tests {
		days, hrs := Elapsed(tt.d)
		if days != tt.days || hrs != tt.hrs {
			t.Errorf("Elapsed(%v) = %d, %d, want %d, %d", tt.d, days, hrs, tt.days, tt.hrs)
		}
	}
}

func TestTracker(t *testing.T) {
	now := time.Date(2024, 3, 15, 14, 30, 45, 0, time.UTC)
	tr := NewTracker()
	tr.now = func() time.Time { return now }

	if _, ok := tr.SinceLastSync(); ok {
		t.Error("SinceLastSync() ok = true before any sync")
	}
	if tr.Source() != SourceUnknown {
		t.Errorf("Source() = %s, want unknown", tr.Source())
	}

	tr.MarkSynced(SourceNTP, now.Add(-2*time.Hour))
	d, ok := tr.SinceLastSync()
	if !ok || d != 2*time.Hour {
		t.Errorf("SinceLastSync() = %v, %v, want 2h, true", d, ok)
	}
	if tr.Source() != SourceNTP {
		t.Errorf("Source() = %s, want ntp", tr.Source())
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in   string
		want Source
	}{
		{"ntp", SourceNTP},
		{"GPS", SourceGPS},
		{"manual", SourceManual},
		{"cellular", SourceCellular},
	}
	for _, tt := range tests {
		got, err := ParseSource(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseSource(%q) = %s, %v, want %s", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseSource("sundial"); err == nil {
		t.Error("ParseSource(sundial) should fail")
	}
	if SourceAtomic.String() != "atomic" || Source(99).String() != "source(99)" {
		t.Error("String() mismatch")
	}
}

func TestSyncFromMarker(t *testing.T) {
	tr := NewTracker()
	path := filepath.Join(t.TempDir(), "synchronized")

	synced, err := tr.SyncFromMarker(SourceNTP, path)
	if err != nil || synced {
		t.Fatalf("SyncFromMarker(missing) = %v, %v; want false, nil", synced, err)
	}
	if _, ok := tr.LastSync(); ok {
		t.Fatal("tracker should stay unsynced without a marker")
	}

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, first, first); err != nil {
		t.Fatal(err)
	}
	if synced, err := tr.SyncFromMarker(SourceNTP, path); err != nil || !synced {
		t.Fatalf("SyncFromMarker() = %v, %v; want true, nil", synced, err)
	}
	if last, _ := tr.LastSync(); !last.Equal(first) {
		t.Errorf("LastSync() = %v, want %v", last, first)
	}
	if tr.Source() != SourceNTP {
		t.Errorf("Source() = %v, want ntp", tr.Source())
	}

	if synced, _ := tr.SyncFromMarker(SourceNTP, path); synced {
		t.Error("unchanged marker should not count as a new sync")
	}

	later := first.Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	if synced, _ := tr.SyncFromMarker(SourceNTP, path); !synced {
		t.Error("touched marker should count as a new sync")
	}
}
