package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/chaz8081/gghub/internal/ble/protocol"
	"github.com/chaz8081/gghub/internal/gatt"
	"github.com/chaz8081/gghub/internal/gatt/services"
	"github.com/chaz8081/gghub/internal/timesync"
)

// State is the controller state.
type State uint8

const (
	StateOff State = iota
	StateSetup
	StateReady
	StateConnected
	// StateDisconnected and StateNewData are only reported to state
	// listeners; the controller never rests in them.
	StateDisconnected
	StateNewData
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateSetup:
		return "setup"
	case StateReady:
		return "ready"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateNewData:
		return "new-data"
	}
	return "unknown"
}

// AppProfile is the name of the hub's application profile.
const AppProfile = "gghub"

// Service instance ids passed with each attribute table.
const (
	ServiceIDDeviceInfo uint8 = iota
	ServiceIDSPP
	ServiceIDHubInfo
	ServiceIDCurrentTime
)

// DefaultAdvUUID is the advertised service UUID as stored in memory.
var DefaultAdvUUID = gatt.UUID128([16]byte{
	0xC8, 0x37, 0x80, 0x1F, 0x83, 0x29, 0x46, 0x58,
	0xB6, 0x11, 0x9F, 0x53, 0x7F, 0x73, 0xE8, 0x20,
})

var ErrServicesNotStarted = errors.New("ble: services not started")

// Options configures the controller.
type Options struct {
	AppID              uint16
	InitRetryDelay     time.Duration // between Init attempts in Start
	StartPollInterval  time.Duration // while waiting for services to start
	StartPollAttempts  int
	DrainDelay         time.Duration // before tearing down an active link
	NameRestartDelay   time.Duration // between stop and start on rename
	TimeUpdateInterval time.Duration // current time characteristic refresh
	EventQueueSize     int

	AdvParams AdvParams
	AdvUUID   gatt.UUID
	AdvName   string

	// MAC overrides the stack's burned-in address when set.
	MAC net.HardwareAddr

	DeviceInfo services.DeviceInfoConfig
	HubInfo    services.HubInfoConfig
	SPP        services.SPPOptions
	Tracker    *timesync.Tracker
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		AppID:              0x56,
		InitRetryDelay:     time.Second,
		StartPollInterval:  500 * time.Millisecond,
		StartPollAttempts:  10,
		DrainDelay:         100 * time.Millisecond,
		NameRestartDelay:   50 * time.Millisecond,
		TimeUpdateInterval: time.Second,
		EventQueueSize:     64,
		AdvParams:          DefaultAdvParams(),
		AdvUUID:            DefaultAdvUUID,
		AdvName:            "GGXXXXXX",
		DeviceInfo:         services.DefaultDeviceInfoConfig(),
		HubInfo:            services.DefaultHubInfoConfig(),
		SPP:                services.DefaultSPPOptions(),
	}
}

// Controller owns the stack, the services and the peripheral state
// machine. Stack callbacks only enqueue work; Run executes it.
type Controller struct {
	stack    Stack
	opts     Options
	profiles Profiles

	devInfo *services.DeviceInfo
	spp     *services.SPP
	hub     *services.HubInfo
	clock   *services.CurrentTime
	svcs    []*gatt.Service

	events chan func()

	// pending holds events posted while events is full, in order.
	qmu     sync.Mutex
	pending []func()

	mu          sync.Mutex
	state       State
	advertising bool
	stopping    bool
	adv         protocol.AdvData
	listeners   []func(State)
	tickers     []func(time.Time)
}

// NewController builds the services and the advertising payload. Zero
// option fields take their defaults.
func NewController(stack Stack, opts Options) (*Controller, error) {
	def := DefaultOptions()
	if opts.AppID == 0 {
		opts.AppID = def.AppID
	}
	if opts.InitRetryDelay <= 0 {
		opts.InitRetryDelay = def.InitRetryDelay
	}
	if opts.StartPollInterval <= 0 {
		opts.StartPollInterval = def.StartPollInterval
	}
	if opts.StartPollAttempts <= 0 {
		opts.StartPollAttempts = def.StartPollAttempts
	}
	if opts.TimeUpdateInterval <= 0 {
		opts.TimeUpdateInterval = def.TimeUpdateInterval
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = def.EventQueueSize
	}
	if opts.AdvParams == (AdvParams{}) {
		opts.AdvParams = def.AdvParams
	}
	if opts.AdvUUID.IsZero() {
		opts.AdvUUID = def.AdvUUID
	}
	if opts.AdvName == "" {
		opts.AdvName = def.AdvName
	}
	if opts.DeviceInfo == (services.DeviceInfoConfig{}) {
		opts.DeviceInfo = def.DeviceInfo
	}
	if opts.HubInfo == (services.HubInfoConfig{}) {
		opts.HubInfo = def.HubInfo
	}
	if opts.Tracker == nil {
		opts.Tracker = timesync.NewTracker()
	}

	adv, err := protocol.NewAdvData(opts.AdvUUID.Bytes(), opts.AdvName)
	if err != nil {
		return nil, fmt.Errorf("ble: advertising data: %w", err)
	}

	c := &Controller{
		stack:  stack,
		opts:   opts,
		events: make(chan func(), opts.EventQueueSize),
		adv:    adv,
	}
	if c.devInfo, err = services.NewDeviceInfo(ServiceIDDeviceInfo, opts.DeviceInfo, stack); err != nil {
		return nil, fmt.Errorf("ble: device info service: %w", err)
	}
	if c.spp, err = services.NewSPP(ServiceIDSPP, stack, opts.SPP); err != nil {
		return nil, fmt.Errorf("ble: spp service: %w", err)
	}
	if c.hub, err = services.NewHubInfo(ServiceIDHubInfo, opts.HubInfo, stack, c.spp); err != nil {
		return nil, fmt.Errorf("ble: hub info service: %w", err)
	}
	if c.clock, err = services.NewCurrentTime(ServiceIDCurrentTime, opts.Tracker, stack); err != nil {
		return nil, fmt.Errorf("ble: current time service: %w", err)
	}
	c.svcs = []*gatt.Service{c.devInfo.Service, c.spp.Service, c.hub.Service, c.clock.Service}
	c.profiles.Register(AppProfile, ProfileFunc(c.handleGATTS))
	return c, nil
}

// DeviceInfo returns the Device Information service.
func (c *Controller) DeviceInfo() *services.DeviceInfo { return c.devInfo }

// SPP returns the data channel service.
func (c *Controller) SPP() *services.SPP { return c.spp }

// HubInfo returns the hub status service.
func (c *Controller) HubInfo() *services.HubInfo { return c.hub }

// CurrentTime returns the Current Time service.
func (c *Controller) CurrentTime() *services.CurrentTime { return c.clock }

// Services returns all services in registration order.
func (c *Controller) Services() []*gatt.Service {
	return append([]*gatt.Service(nil), c.svcs...)
}

// Profiles returns the profile registry.
func (c *Controller) Profiles() *Profiles { return &c.profiles }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Advertising reports whether the stack confirmed advertising is running.
func (c *Controller) Advertising() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advertising
}

// AdvData returns a copy of the advertising payload.
func (c *Controller) AdvData() protocol.AdvData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adv
}

// OnStateChange registers fn for state transitions, including the
// transient Disconnected and NewData markers. fn runs on the event loop or
// on the goroutine that caused the transition and must not block.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// OnTick registers fn to run on every periodic update in Serve.
func (c *Controller) OnTick(fn func(time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers = append(c.tickers, fn)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	fns := slices.Clone(c.listeners)
	c.mu.Unlock()

	slog.Debug("[BLE] state", "from", prev, "to", s)
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Controller) emit(s State) {
	c.mu.Lock()
	fns := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Run executes queued stack events until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.events:
			fn()
			c.refill()
		}
	}
}

// post never blocks: stacks may call back from the Run goroutine. When the
// channel is full the event waits in pending and keeps its order.
func (c *Controller) post(kind string, fn func()) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.pending) == 0 {
		select {
		case c.events <- fn:
			return
		default:
		}
	}
	c.pending = append(c.pending, fn)
	slog.Warn("[BLE] event queue full, deferring event", "event", kind, "pending", len(c.pending))
}

// refill moves deferred events into the channel as space frees up.
func (c *Controller) refill() {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	for len(c.pending) > 0 {
		select {
		case c.events <- c.pending[0]:
			c.pending[0] = nil
			c.pending = c.pending[1:]
		default:
			return
		}
	}
	c.pending = nil
}

func (c *Controller) onGAP(ev GAPEvent) {
	c.post(ev.Type.String(), func() { c.handleGAP(ev) })
}

func (c *Controller) onGATTS(ev GATTSEvent, iface gatt.Interface) {
	c.post(ev.Type.String(), func() { c.dispatch(ev, iface) })
}

func (c *Controller) handleGAP(ev GAPEvent) {
	switch ev.Type {
	case GAPAdvStartComplete:
		if ev.Status != gatt.StatusOK {
			slog.Error("[BLE] advertising start failed", "status", ev.Status)
			return
		}
		c.mu.Lock()
		c.advertising = true
		c.mu.Unlock()
		slog.Info("[BLE] advertising", "name", c.AdvData().LocalName())
	case GAPAdvStopComplete:
		if ev.Status != gatt.StatusOK {
			slog.Error("[BLE] advertising stop failed", "status", ev.Status)
			return
		}
		c.mu.Lock()
		c.advertising = false
		c.mu.Unlock()
		slog.Info("[BLE] advertising stopped")
	}
}

// dispatch binds the application profile on registration and fans the
// event out to the profiles.
func (c *Controller) dispatch(ev GATTSEvent, iface gatt.Interface) {
	if ev.Type == EventRegister {
		if ev.Status != gatt.StatusOK {
			slog.Error("[BLE] app registration failed", "app_id", ev.AppID, "status", ev.Status)
			return
		}
		if err := c.profiles.Bind(AppProfile, iface); err != nil {
			slog.Error("[BLE] bind profile", "error", err)
			return
		}
	}
	c.profiles.Dispatch(ev, iface)
}

func (c *Controller) handleGATTS(ev GATTSEvent, iface gatt.Interface) {
	switch ev.Type {
	case EventRegister:
		for _, svc := range c.svcs {
			if err := svc.CreateTable(iface, false); err != nil {
				slog.Error("[BLE] create attribute table", "service", svc.Name(), "error", err)
			}
		}
	case EventRead:
		slog.Debug("[BLE] read", "conn_id", ev.ConnID, "handle", ev.Handle)
	case EventWrite:
		if ev.IsPrep {
			slog.Warn("[BLE] prepared write not supported", "conn_id", ev.ConnID, "handle", ev.Handle)
			return
		}
		if c.spp.HandleWrite(ev.Handle, ev.Value) {
			slog.Debug("[BLE] data received", "conn_id", ev.ConnID, "len", len(ev.Value))
			c.emit(StateNewData)
		}
	case EventConnect:
		c.spp.SaveConnection(ev.ConnID, iface, ev.Peer)
		slog.Info("[BLE] connected", "conn_id", ev.ConnID, "peer", net.HardwareAddr(ev.Peer[:]).String())
		if err := c.Advertise(false); err != nil {
			slog.Error("[BLE] stop advertising on connect", "error", err)
		}
		c.setState(StateConnected)
	case EventDisconnect:
		c.spp.ClearConnection()
		slog.Info("[BLE] disconnected", "conn_id", ev.ConnID)
		c.mu.Lock()
		stopping := c.stopping
		c.mu.Unlock()
		if stopping {
			return
		}
		c.emit(StateDisconnected)
		if err := c.Advertise(true); err != nil {
			slog.Error("[BLE] restart advertising on disconnect", "error", err)
		}
		c.setState(StateReady)
	case EventCreateAttrTable:
		c.handleTableCreated(ev)
	case EventSetAttrValue:
		if ev.Status != gatt.StatusOK {
			slog.Error("[BLE] set attribute value failed", "handle", ev.Handle, "status", ev.Status)
		}
	case EventCongest:
		slog.Error("[BLE] congestion", "conn_id", ev.ConnID, "congested", ev.Congested)
	case EventCreate, EventStart:
	}
}

func (c *Controller) handleTableCreated(ev GATTSEvent) {
	if ev.Status != gatt.StatusOK {
		slog.Error("[BLE] create attribute table failed", "service_id", ev.ServiceID, "status", ev.Status)
		return
	}
	for _, svc := range c.svcs {
		if !svc.Matches(ev.ServiceID, ev.NumHandles) {
			continue
		}
		if err := svc.StartService(ev.Handles, false); err != nil {
			slog.Error("[BLE] start service", "service", svc.Name(), "error", err)
			return
		}
		slog.Info("[BLE] service started", "service", svc.Name(), "handle", ev.Handles[0])
		if c.allStarted() && c.State() == StateSetup {
			c.setState(StateReady)
		}
		return
	}
	slog.Warn("[BLE] attribute table matches no service", "service_id", ev.ServiceID, "num_handles", ev.NumHandles)
}

func (c *Controller) allStarted() bool {
	for _, svc := range c.svcs {
		if !svc.Started() {
			return false
		}
	}
	return true
}

func wrap(step string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ble: %s: %w", step, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Init brings the stack up and registers the application, then waits for
// every service to start. Run must be executing so events are handled. On
// failure the stack is torn down again.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = false
	c.mu.Unlock()
	c.setState(StateSetup)
	err := errors.Join(
		wrap("enable", c.stack.Enable()),
		wrap("register gap handler", c.stack.RegisterGAPHandler(c.onGAP)),
		wrap("register gatts handler", c.stack.RegisterGATTSHandler(c.onGATTS)),
		wrap("register app", c.stack.RegisterApp(c.opts.AppID)),
	)
	if err != nil {
		if derr := c.Deinit(); derr != nil {
			slog.Warn("[BLE] deinit after failed init", "error", derr)
		}
		return err
	}

	for i := 0; i < c.opts.StartPollAttempts && !c.allStarted(); i++ {
		if err := sleepCtx(ctx, c.opts.StartPollInterval); err != nil {
			return err
		}
	}
	if !c.allStarted() {
		if derr := c.Deinit(); derr != nil {
			slog.Warn("[BLE] deinit after start timeout", "error", derr)
		}
		return fmt.Errorf("%w after %d polls", ErrServicesNotStarted, c.opts.StartPollAttempts)
	}
	c.setState(StateReady)
	return nil
}

// Deinit stops advertising, drops the peer, unregisters the application and
// disables the stack. Every step runs; failures are joined.
func (c *Controller) Deinit() error {
	c.mu.Lock()
	c.stopping = true
	adv := c.advertising
	c.mu.Unlock()
	connected := c.spp.Connected()
	if (adv || connected) && c.opts.DrainDelay > 0 {
		time.Sleep(c.opts.DrainDelay)
	}

	var errs []error
	if adv {
		errs = append(errs, wrap("stop advertising", c.stack.StopAdvertising()))
	}
	if connected {
		errs = append(errs, wrap("disconnect", c.spp.Disconnect()))
	}
	errs = append(errs,
		wrap("unregister app", c.stack.UnregisterApp(c.opts.AppID)),
		wrap("disable", c.stack.Disable()),
	)

	c.profiles.Reset()
	for _, svc := range c.svcs {
		svc.Reset()
	}
	c.spp.ClearConnection()

	err := errors.Join(errs...)
	if err == nil {
		c.mu.Lock()
		c.advertising = false
		c.mu.Unlock()
	}
	c.setState(StateOff)
	return err
}

// Advertise starts or stops advertising. Starting pushes the current
// payload first.
func (c *Controller) Advertise(on bool) error {
	if !on {
		return wrap("stop advertising", c.stack.StopAdvertising())
	}
	payload := c.AdvData().Encode()
	return errors.Join(
		wrap("config adv data", c.stack.ConfigAdvDataRaw(payload)),
		wrap("start advertising", c.stack.StartAdvertising(c.opts.AdvParams)),
	)
}

// ChangeAdvertisingName replaces the advertised name, which must be exactly
// protocol.NameLen characters. Active advertising is restarted.
func (c *Controller) ChangeAdvertisingName(name string) error {
	c.mu.Lock()
	err := c.adv.SetName(name)
	adv := c.advertising
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ble: change advertising name: %w", err)
	}
	if !adv {
		return nil
	}
	if err := c.Advertise(false); err != nil {
		return err
	}
	time.Sleep(c.opts.NameRestartDelay)
	return c.Advertise(true)
}

// ChangeAdvertisingUUID replaces the advertised 128-bit service UUID. It
// takes effect the next time advertising starts.
func (c *Controller) ChangeAdvertisingUUID(u gatt.UUID) error {
	if !u.Is128() {
		return fmt.Errorf("ble: change advertising uuid: %w", protocol.ErrUUIDLength)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adv.SetUUID(u.Bytes())
}

// ChangeSerialNumber publishes serial in Device Information and advertises
// as "GG" followed by the same six hex digits.
func (c *Controller) ChangeSerialNumber(serial uint32) error {
	if err := c.devInfo.ChangeSerial(serial); err != nil {
		return err
	}
	return c.ChangeAdvertisingName("GG" + services.FormatSerial(serial))
}

// ChangeSerialNumberFromMAC derives the serial number from the low three
// bytes of mac.
func (c *Controller) ChangeSerialNumberFromMAC(mac [6]byte) error {
	if err := c.devInfo.ChangeSerialFromMAC(mac); err != nil {
		return err
	}
	return c.ChangeAdvertisingName("GG" + services.SerialFromMAC(mac))
}

// SendString sends s to the connected peer over the data channel.
func (c *Controller) SendString(s string) error {
	return c.spp.NotifyString(s)
}

// MACAddress returns the configured override or the stack's address.
func (c *Controller) MACAddress() ([6]byte, error) {
	var mac [6]byte
	if len(c.opts.MAC) == 6 {
		copy(mac[:], c.opts.MAC)
		return mac, nil
	}
	return c.stack.MACAddress()
}

// Start retries Init until it succeeds or ctx is done, derives the serial
// number from the MAC address and starts advertising.
func (c *Controller) Start(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := c.Init(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("[BLE] init failed, retrying", "attempt", attempt, "delay", c.opts.InitRetryDelay, "error", err)
		if err := sleepCtx(ctx, c.opts.InitRetryDelay); err != nil {
			return err
		}
	}

	mac, err := c.MACAddress()
	if err != nil {
		slog.Warn("[BLE] read mac address", "error", err)
	} else if err := c.ChangeSerialNumberFromMAC(mac); err != nil {
		slog.Warn("[BLE] set serial number", "error", err)
	} else {
		slog.Info("[BLE] serial number", "serial", services.SerialFromMAC(mac))
	}

	if err := c.Advertise(true); err != nil {
		return err
	}
	return nil
}

// Serve runs the event loop, starts the peripheral and refreshes the
// current time every TimeUpdateInterval until ctx is done, then tears the
// stack down.
func (c *Controller) Serve(ctx context.Context) error {
	loopCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go c.Run(loopCtx)

	if err := c.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return c.Deinit()
		}
		return err
	}

	ticker := time.NewTicker(c.opts.TimeUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("[BLE] shutting down")
			return c.Deinit()
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

func (c *Controller) tick(now time.Time) {
	if c.clock.Started() {
		if err := c.clock.Update(now); err != nil {
			slog.Debug("[BLE] current time update", "error", err)
		}
	}
	c.mu.Lock()
	fns := slices.Clone(c.tickers)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(now)
	}
}
