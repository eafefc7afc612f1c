package sim_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/gghub/internal/ble"
	"github.com/chaz8081/gghub/internal/ble/protocol"
	"github.com/chaz8081/gghub/internal/ble/sim"
	"github.com/chaz8081/gghub/internal/gatt"
	"github.com/chaz8081/gghub/internal/gatt/services"
)

var testMAC = [6]byte{0x24, 0x6F, 0x28, 0xAB, 0xCD, 0xEF}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func testOptions() ble.Options {
	opts := ble.DefaultOptions()
	opts.InitRetryDelay = 5 * time.Millisecond
	opts.StartPollInterval = 2 * time.Millisecond
	opts.StartPollAttempts = 200
	opts.DrainDelay = 0
	opts.NameRestartDelay = 0
	opts.TimeUpdateInterval = 5 * time.Millisecond
	opts.SPP.ChunkDelay = 0
	return opts
}

// serve starts a controller over a fresh sim stack and waits until it
// advertises.
func serve(t *testing.T, prep func(*sim.Stack)) (*ble.Controller, *sim.Stack, func() error) {
	t.Helper()
	s := sim.New(testMAC)
	t.Cleanup(s.Shutdown)
	if prep != nil {
		prep(s)
	}
	c, err := ble.NewController(s, testOptions())
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()
	t.Cleanup(cancel)

	waitFor(t, "advertising", func() bool {
		on, _ := s.Advertising()
		return on && c.State() == ble.StateReady
	})
	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Serve() did not return")
			return nil
		}
	}
	return c, s, stop
}

func TestSimHandlesAreSequential(t *testing.T) {
	_, s, stop := serve(t, nil)
	defer stop()

	svc, ok := s.FindHandle(services.UUIDDeviceInformation, gatt.UUIDPrimaryService, false)
	if !ok || svc != sim.FirstHandle {
		t.Errorf("service handle = %d, %v; want %d", svc, ok, sim.FirstHandle)
	}
	h, ok := s.FindHandle(services.UUIDDeviceInformation, services.UUIDManufacturerName, false)
	if !ok || h != sim.FirstHandle+2 {
		t.Errorf("manufacturer handle = %d, %v; want %d", h, ok, sim.FirstHandle+2)
	}
	v, err := s.Read(h)
	if err != nil || string(v) != "GreenGiant" {
		t.Errorf("Read(manufacturer) = %q, %v", v, err)
	}
	serial, _ := s.FindHandle(services.UUIDDeviceInformation, services.UUIDSerialNumber, false)
	if v, _ := s.Read(serial); string(v) != "ABCDEF" {
		t.Errorf("serial = %q, want ABCDEF", v)
	}

	notify, ok := s.FindHandle(services.UUIDSPP, services.UUIDSPPNotify, false)
	if !ok {
		t.Fatal("SPP notify characteristic not found")
	}
	ccc, ok := s.FindHandle(services.UUIDSPP, services.UUIDSPPNotify, true)
	if !ok || ccc != notify+1 {
		t.Errorf("CCC handle = %d, %v; want %d", ccc, ok, notify+1)
	}
	if _, ok := s.FindHandle(services.UUIDSPP, services.UUIDSPPWrite, true); ok {
		t.Error("write characteristic should have no CCC")
	}
}

func TestSimAdvertisesSerialName(t *testing.T) {
	_, s, stop := serve(t, nil)
	_, payload := s.Advertising()
	adv, err := protocol.DecodeAdvData(payload)
	if err != nil {
		t.Fatalf("DecodeAdvData() error = %v", err)
	}
	if adv.LocalName() != "GGABCDEF" {
		t.Errorf("advertised name = %q, want GGABCDEF", adv.LocalName())
	}
	if !bytes.Equal(adv.UUID[:], ble.DefaultAdvUUID.Bytes()) {
		t.Errorf("advertised uuid = % X", adv.UUID)
	}

	if err := stop(); err != nil {
		t.Errorf("Serve() = %v", err)
	}
	if on, _ := s.Advertising(); on {
		t.Error("still advertising after shutdown")
	}
}

func TestSimPeerSession(t *testing.T) {
	c, s, stop := serve(t, nil)
	defer stop()

	received := make(chan string, 1)
	c.SPP().OnReceive(func(b []byte) { received <- string(b) })

	peer := [6]byte{1, 2, 3, 4, 5, 6}
	conn, err := s.Connect(peer)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "connected", func() bool { return c.State() == ble.StateConnected })
	if got := c.SPP().Record().PeerAddr(); got != "01:02:03:04:05:06" {
		t.Errorf("peer = %s", got)
	}

	write, _ := s.FindHandle(services.UUIDSPP, services.UUIDSPPWrite, false)
	if err := s.Write(conn, write, []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("received %q, want hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write was not delivered")
	}

	msg := strings.Repeat("x", 45)
	if err := c.SendString(msg); err != nil {
		t.Fatalf("SendString() error = %v", err)
	}
	notify, _ := s.FindHandle(services.UUIDSPP, services.UUIDSPPNotify, false)
	sent := s.Notifications()
	if len(sent) != 3 {
		t.Fatalf("got %d notifications, want 3", len(sent))
	}
	var joined []byte
	for _, n := range sent {
		if n.Handle != notify || n.ConnID != conn {
			t.Errorf("notification on conn %d handle %d, want %d/%d", n.ConnID, n.Handle, conn, notify)
		}
		joined = append(joined, n.Value...)
	}
	if string(joined) != msg {
		t.Errorf("reassembled %q", joined)
	}

	if err := s.Disconnect(conn); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	waitFor(t, "advertising restart", func() bool {
		on, _ := s.Advertising()
		return on && c.State() == ble.StateReady
	})
	if c.SPP().Connected() {
		t.Error("record should be cleared after disconnect")
	}
}

func TestSimHubNotifiesSubscribedPeer(t *testing.T) {
	c, s, stop := serve(t, nil)
	defer stop()

	conn, _ := s.Connect([6]byte{9, 9, 9, 9, 9, 9})
	waitFor(t, "connected", func() bool { return c.State() == ble.StateConnected })

	if err := c.HubInfo().SetPaired(true); err != nil {
		t.Fatalf("SetPaired() error = %v", err)
	}
	if n := len(s.Notifications()); n != 0 {
		t.Fatalf("got %d notifications before subscribing", n)
	}

	ccc, _ := s.FindHandle(services.UUIDHubInfo, services.UUIDHubPaired, true)
	if err := s.Write(conn, ccc, []byte{0x01, 0x00}); err != nil {
		t.Fatalf("Write(ccc) error = %v", err)
	}
	if err := c.HubInfo().SetPaired(false); err != nil {
		t.Fatalf("SetPaired() error = %v", err)
	}
	sent := s.Notifications()
	if len(sent) != 1 || !bytes.Equal(sent[0].Value, []byte{0}) {
		t.Errorf("notifications = %+v, want one 0x00", sent)
	}
}

func TestSimWriteRejectsReadOnly(t *testing.T) {
	c, s, stop := serve(t, nil)
	defer stop()

	conn, _ := s.Connect([6]byte{})
	waitFor(t, "connected", func() bool { return c.State() == ble.StateConnected })

	h, _ := s.FindHandle(services.UUIDDeviceInformation, services.UUIDModelNumber, false)
	if err := s.Write(conn, h, []byte("x")); !errors.Is(err, sim.ErrNotWritable) {
		t.Errorf("Write(model) = %v, want ErrNotWritable", err)
	}
	if err := s.Write(conn+7, h, []byte("x")); !errors.Is(err, sim.ErrNotConnected) {
		t.Errorf("Write(unknown conn) = %v, want ErrNotConnected", err)
	}
}

func TestSimStartRetriesAfterFaults(t *testing.T) {
	boom := errors.New("boom")
	c, s, stop := serve(t, func(s *sim.Stack) {
		s.FailNext(sim.OpEnable, boom)
	})
	defer stop()

	if c.State() != ble.StateReady {
		t.Errorf("state = %s, want ready", c.State())
	}
	for _, svc := range c.Services() {
		if !svc.Started() {
			t.Errorf("%s not started", svc.Name())
		}
	}
	s.Log()
}

func TestSimRegisterFailureRecovers(t *testing.T) {
	c, _, stop := serve(t, func(s *sim.Stack) {
		s.FailNext(sim.OpRegisterApp, errors.New("no resources"))
	})
	defer stop()
	if c.State() != ble.StateReady {
		t.Errorf("state = %s, want ready", c.State())
	}
}

func TestSimSendIndicateLimits(t *testing.T) {
	s := sim.New(testMAC)
	defer s.Shutdown()
	if err := s.SendIndicate(3, 0, 1, []byte("x"), false); !errors.Is(err, sim.ErrNotConnected) {
		t.Errorf("SendIndicate() without connection = %v", err)
	}
	if _, err := s.Connect([6]byte{}); !errors.Is(err, sim.ErrDisabled) {
		t.Errorf("Connect() on disabled stack = %v", err)
	}
	if err := s.StartAdvertising(ble.DefaultAdvParams()); !errors.Is(err, sim.ErrDisabled) {
		t.Errorf("StartAdvertising() on disabled stack = %v", err)
	}
}
