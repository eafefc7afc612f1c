// Command gghub runs the hub's BLE peripheral: Device Information, the SPP
// data channel, hub status and Current Time, plus an optional MQTT bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/gghub/internal/ble"
	"github.com/chaz8081/gghub/internal/ble/sim"
	"github.com/chaz8081/gghub/internal/bridge"
	"github.com/chaz8081/gghub/internal/config"
	"github.com/chaz8081/gghub/internal/gatt"
	"github.com/chaz8081/gghub/internal/gatt/services"
	"github.com/chaz8081/gghub/internal/logging"
	"github.com/chaz8081/gghub/internal/nvs"
	"github.com/chaz8081/gghub/internal/timesync"
)

var version = "dev"

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gghub/config.yaml)")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	backend := flag.String("backend", "", "override ble.backend: tinygo or sim")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("gghub", version)
		return
	}

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote default config to", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *backend != "" {
		cfg.BLE.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(logging.New(cfg, version))
	printBanner(cfg)

	if err := run(cfg); err != nil {
		slog.Error("gghub stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Goodbye!")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := nvs.Open(cfg.NVS.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	restoreSettings(ctx, cfg, store)

	opts, err := controllerOptions(cfg)
	if err != nil {
		return err
	}

	stack, cleanup, err := newStack(cfg, opts.MAC)
	if err != nil {
		return err
	}
	defer cleanup()

	ctrl, err := ble.NewController(stack, opts)
	if err != nil {
		return err
	}

	var br *bridge.Bridge
	if cfg.MQTT.Enabled {
		br = bridge.New(bridge.Config{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, &hubPeer{ctrl: ctrl, store: store})
		defer br.Disconnect()
		go func() {
			if err := br.Connect(ctx); err != nil {
				slog.Error("[MQTT] connect failed", "error", err)
				return
			}
			if err := br.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("[MQTT] bridge stopped", "error", err)
			}
		}()
	}

	watchClockSync(ctrl, opts.Tracker, cfg.Time)

	ctrl.OnStateChange(func(s ble.State) {
		slog.Info("[BLE] state", "state", s)
		if br != nil {
			br.PublishState(s.String())
		}
	})
	ctrl.SPP().OnReceive(func(b []byte) {
		slog.Info("[SPP] received", "len", len(b))
		if br != nil {
			br.PublishData(b)
		}
	})

	slog.Info("Ready! Ctrl+C to quit.")
	return ctrl.Serve(ctx)
}

// restoreSettings applies persisted hub status and the MAC override. The
// config file wins for the MAC; a configured MAC is persisted.
func restoreSettings(ctx context.Context, cfg *config.Config, store *nvs.Store) {
	if paired, err := store.GetBool(ctx, nvs.KeyPaired); err == nil {
		cfg.Hub.Paired = paired
	} else if !errors.Is(err, nvs.ErrNotFound) {
		slog.Warn("[NVS] paired flag", "error", err)
	}
	if ssid, err := store.GetString(ctx, nvs.KeySSID); err == nil && ssid != "" {
		cfg.Hub.SSID = ssid
	} else if err != nil && !errors.Is(err, nvs.ErrNotFound) {
		slog.Warn("[NVS] ssid", "error", err)
	}

	if cfg.Device.MAC != "" {
		if err := store.SetString(ctx, nvs.KeyMAC, cfg.Device.MAC); err != nil {
			slog.Warn("[NVS] store mac override", "error", err)
		}
		return
	}
	mac, err := store.GetString(ctx, nvs.KeyMAC)
	if err != nil {
		if !errors.Is(err, nvs.ErrNotFound) {
			slog.Warn("[NVS] mac override", "error", err)
		}
		return
	}
	if _, err := net.ParseMAC(mac); err != nil {
		slog.Warn("[NVS] ignoring stored mac", "mac", mac, "error", err)
		return
	}
	cfg.Device.MAC = mac
}

func controllerOptions(cfg *config.Config) (ble.Options, error) {
	opts := ble.DefaultOptions()
	opts.AppID = cfg.BLE.AppID
	opts.InitRetryDelay = cfg.BLE.InitRetryDelay
	opts.StartPollInterval = cfg.BLE.StartPollInterval
	opts.StartPollAttempts = cfg.BLE.StartPollAttempts
	opts.DrainDelay = cfg.BLE.DrainDelay
	opts.TimeUpdateInterval = cfg.Time.UpdateInterval
	opts.AdvParams.IntervalMin = ble.AdvInterval(cfg.BLE.AdvIntervalMin)
	opts.AdvParams.IntervalMax = ble.AdvInterval(cfg.BLE.AdvIntervalMax)
	if cfg.BLE.AdvName != "" {
		opts.AdvName = cfg.BLE.AdvName
	}
	if cfg.BLE.AdvUUID != "" {
		u, err := gatt.ParseUUID(cfg.BLE.AdvUUID)
		if err != nil {
			return opts, err
		}
		opts.AdvUUID = u
	}

	mac, err := cfg.Device.HardwareAddr()
	if err != nil {
		return opts, err
	}
	opts.MAC = mac

	opts.DeviceInfo = services.DefaultDeviceInfoConfig()
	opts.DeviceInfo.Manufacturer = cfg.Device.Manufacturer
	opts.DeviceInfo.Model = cfg.Device.Model
	opts.DeviceInfo.Hardware = cfg.Device.Hardware
	opts.DeviceInfo.Firmware = cfg.Device.Firmware

	opts.HubInfo = services.HubInfoConfig{
		Paired: cfg.Hub.Paired,
		WiFi:   cfg.Hub.WiFi,
		Cell:   cfg.Hub.Cell,
		SSID:   cfg.Hub.SSID,
	}
	opts.SPP.ChunkDelay = cfg.BLE.ChunkDelay

	opts.Tracker = timesync.NewTracker()
	return opts, nil
}

// watchClockSync reports host clock syncs to the tracker. The tracker
// stays unsynced until the time daemon's marker file appears.
func watchClockSync(ctrl *ble.Controller, tracker *timesync.Tracker, cfg config.TimeConfig) {
	src, _ := timesync.ParseSource(cfg.Source)
	if src == timesync.SourceUnknown {
		return
	}
	check := func(time.Time) {
		synced, err := tracker.SyncFromMarker(src, cfg.SyncMarker)
		if err != nil {
			slog.Warn("[TIME] sync marker", "path", cfg.SyncMarker, "error", err)
			return
		}
		if synced {
			last, _ := tracker.LastSync()
			slog.Info("[TIME] clock synced", "source", src, "at", last)
		}
	}
	check(time.Now())
	ctrl.OnTick(check)
}

// newStack selects the radio backend.
func newStack(cfg *config.Config, mac net.HardwareAddr) (ble.Stack, func(), error) {
	switch cfg.BLE.Backend {
	case "sim":
		var addr [6]byte
		copy(addr[:], mac)
		s := sim.New(addr)
		return s, s.Shutdown, nil
	default:
		s, err := ble.NewTinyGoStack()
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

// hubPeer is the BLE side of the MQTT bridge. Hub status changes are
// persisted.
type hubPeer struct {
	ctrl  *ble.Controller
	store *nvs.Store
}

func (p *hubPeer) SendString(s string) error {
	return p.ctrl.SendString(s)
}

func (p *hubPeer) SetPaired(paired bool) error {
	if err := p.ctrl.HubInfo().SetPaired(paired); err != nil {
		return err
	}
	return p.store.SetBool(context.Background(), nvs.KeyPaired, paired)
}

func (p *hubPeer) SetSSID(ssid string) error {
	if err := p.ctrl.HubInfo().SetSSID(ssid); err != nil {
		return err
	}
	return p.store.SetString(context.Background(), nvs.KeySSID, ssid)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	mqtt := "off"
	if cfg.MQTT.Enabled {
		mqtt = fmt.Sprintf("%s:%d (%s/...)", cfg.MQTT.Broker, cfg.MQTT.Port, cfg.MQTT.TopicPrefix)
	}
	fmt.Println("=== gghub ===")
	fmt.Printf("  Version: %s\n", version)
	fmt.Printf("  Backend: %s\n", cfg.BLE.Backend)
	fmt.Printf("  Device:  %s %s\n", cfg.Device.Manufacturer, cfg.Device.Model)
	fmt.Printf("  Adv:     %s..%s\n", cfg.BLE.AdvIntervalMin, cfg.BLE.AdvIntervalMax)
	fmt.Printf("  MQTT:    %s\n", mqtt)
	fmt.Printf("  NVS:     %s\n", cfg.NVS.Path)
	fmt.Printf("  Log:     %s (%s)\n", cfg.LogLevel, cfg.Env)
	fmt.Println("=============")
}
