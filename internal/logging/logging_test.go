package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestProdWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "prod", slog.LevelInfo, "1.2.3")
	log.Info("[BLE] connected", "conn_id", 0)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if rec["msg"] != "[BLE] connected" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["version"] != "1.2.3" || rec["app"] != "gghub" || rec["env"] != "prod" {
		t.Errorf("missing base attributes: %v", rec)
	}
}

func TestDevWritesText(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "dev", slog.LevelInfo, "dev")
	log.Info("[SPP] notify failed", "chunk", 2)
	if !strings.Contains(buf.String(), "[SPP] notify failed") {
		t.Errorf("output = %q", buf.String())
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Error("dev output should not be JSON")
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "prod", slog.LevelWarn, "")
	log.Info("hidden")
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("info below warn level was written: %q", buf.String())
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn was not written")
	}
}
