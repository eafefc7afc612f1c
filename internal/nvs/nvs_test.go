package nvs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "nvs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSetGet(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, KeySSID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty store = %v, want ErrNotFound", err)
	}
	if err := s.SetString(ctx, KeySSID, "GreenGiant-2G4"); err != nil {
		t.Fatalf("SetString() error = %v", err)
	}
	got, err := s.GetString(ctx, KeySSID)
	if err != nil || got != "GreenGiant-2G4" {
		t.Errorf("GetString() = %q, %v", got, err)
	}

	if err := s.SetString(ctx, KeySSID, "other"); err != nil {
		t.Fatalf("SetString() overwrite error = %v", err)
	}
	if got, _ := s.GetString(ctx, KeySSID); got != "other" {
		t.Errorf("GetString() after overwrite = %q", got)
	}
}

func TestEmptyValue(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	if err := s.Set(ctx, KeyMAC, nil); err != nil {
		t.Fatalf("Set(nil) error = %v", err)
	}
	if v, err := s.Get(ctx, KeyMAC); err != nil || len(v) != 0 {
		t.Errorf("Get() = %q, %v", v, err)
	}
	if err := s.Set(ctx, "", []byte("x")); err == nil {
		t.Error("Set() with empty key should fail")
	}
}

func TestBool(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	if err := s.SetBool(ctx, KeyPaired, true); err != nil {
		t.Fatalf("SetBool() error = %v", err)
	}
	if b, err := s.GetBool(ctx, KeyPaired); err != nil || !b {
		t.Errorf("GetBool() = %v, %v", b, err)
	}
	if err := s.SetString(ctx, KeyPaired, "maybe"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetBool(ctx, KeyPaired); err == nil {
		t.Error("GetBool() of a non-bool should fail")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	if err := s.SetString(ctx, KeyMAC, "24:6f:28:ab:cd:ef"); err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(ctx, KeyMAC); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if _, err := s.db.Exec(`UPDATE kv SET value = ? WHERE key = ?`, []byte("24:6f:28:00:00:01"), KeyMAC); err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(ctx, KeyMAC); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Verify() after tampering = %v, want ErrCorrupt", err)
	}
	if _, err := s.Get(ctx, KeyMAC); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Get() after tampering = %v, want ErrCorrupt", err)
	}
	if err := s.Verify(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Verify(missing) = %v, want ErrNotFound", err)
	}
}

func TestDigestBindsKey(t *testing.T) {
	if string(digest("a", []byte("bc"))) == string(digest("ab", []byte("c"))) {
		t.Error("digest should separate key and value")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()
	if err := s.SetString(ctx, KeyMAC, "24:6f:28:12:34:56"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()
	if got, err := s2.GetString(ctx, KeyMAC); err != nil || got != "24:6f:28:12:34:56" {
		t.Errorf("GetString() after reopen = %q, %v", got, err)
	}
	if err := s2.Delete(ctx, KeyMAC); err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Get(ctx, KeyMAC); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete() = %v", err)
	}
}
