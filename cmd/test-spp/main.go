// Command test-spp is a manual test for the SPP data channel. It runs the
// controller on the simulated stack, connects a fake peer, writes to the
// hub and prints the notifications it gets back.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-spp [--text "message for the peer"] [--chunk-delay 40ms]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/gghub/internal/ble"
	"github.com/chaz8081/gghub/internal/ble/sim"
	"github.com/chaz8081/gghub/internal/gatt/services"
	"github.com/chaz8081/gghub/internal/logging"
)

func main() {
	text := flag.String("text", "Hello from gghub! This line is long enough to need several notifications.", "text to send to the peer")
	chunkDelay := flag.Duration("chunk-delay", 40*time.Millisecond, "delay between notification chunks")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(logging.NewWithWriter(os.Stderr, "dev", level, "test"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack := sim.New([6]byte{0x24, 0x6F, 0x28, 0xAB, 0xCD, 0xEF})
	defer stack.Shutdown()

	opts := ble.DefaultOptions()
	opts.SPP.ChunkDelay = *chunkDelay
	ctrl, err := ble.NewController(stack, opts)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ready := make(chan struct{}, 1)
	ctrl.OnStateChange(func(s ble.State) {
		fmt.Printf("--- state: %s\n", s)
		if s == ble.StateReady {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	ctrl.SPP().OnReceive(func(b []byte) {
		fmt.Printf(">>> hub received %q\n", b)
	})

	done := make(chan error, 1)
	go func() { done <- ctrl.Serve(ctx) }()

	select {
	case <-ready:
	case err := <-done:
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	case <-time.After(10 * time.Second):
		fmt.Println("Error: controller did not become ready")
		os.Exit(1)
	}
	_, adv := stack.Advertising()
	fmt.Printf("Advertising %d bytes as %s\n", len(adv), ctrl.AdvData().LocalName())

	if err := session(stack, ctrl, *text); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
	stack.Log()

	fmt.Println("Press Ctrl+C to exit.")
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Done.")
}

func session(stack *sim.Stack, ctrl *ble.Controller, text string) error {
	write, ok := stack.FindHandle(services.UUIDSPP, services.UUIDSPPWrite, false)
	if !ok {
		return errors.New("spp write characteristic not found")
	}
	ccc, ok := stack.FindHandle(services.UUIDSPP, services.UUIDSPPNotify, true)
	if !ok {
		return errors.New("spp notify ccc not found")
	}

	connID, err := stack.Connect([6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	if err != nil {
		return err
	}
	fmt.Printf("<<< peer connected (conn %d)\n", connID)
	if err := stack.Write(connID, ccc, []byte{0x01, 0x00}); err != nil {
		return err
	}
	if err := waitFor(func() bool { return ctrl.State() == ble.StateConnected }); err != nil {
		return err
	}

	if err := stack.Write(connID, write, []byte("ping")); err != nil {
		return err
	}

	before := len(stack.Notifications())
	if err := ctrl.SendString(text); err != nil {
		return err
	}
	for i, n := range stack.Notifications()[before:] {
		fmt.Printf("<<< notify[%d] handle=%d %q\n", i, n.Handle, n.Value)
	}

	if err := stack.Disconnect(connID); err != nil {
		return err
	}
	fmt.Println("<<< peer disconnected")
	return waitFor(ctrl.Advertising)
}

func waitFor(cond func() bool) error {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			return errors.New("timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
