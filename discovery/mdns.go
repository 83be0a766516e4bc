package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"devicelink/models"
)

const (
	// DefaultService is the mDNS service type without domain suffix.
	DefaultService = "_devicelink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is how often a fresh browse window is opened.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultMDNSExpireAfter drops mDNS sightings that were not re-announced
	// for this long and whose goodbye packet was missed.
	DefaultMDNSExpireAfter = 2 * time.Minute

	txtDeviceName = "deviceName"
	txtPublicKey  = "publicKey"
	txtServerPort = "serverPort"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls mDNS advertisement and browsing.
type MDNSConfig struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	ExpireAfter     time.Duration

	SelfDeviceID string
	DeviceName   string
	PublicKey    string
	ServicePort  int

	Clock  clock.Clock
	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ExpireAfter <= 0 {
		out.ExpireAfter = DefaultMDNSExpireAfter
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) serviceFQDN() string {
	return c.Service + "." + strings.TrimSuffix(c.Domain, ".") + "."
}

func (c MDNSConfig) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ServicePort <= 0 {
		return errors.New("service port must be > 0")
	}
	return nil
}

// Advertiser publishes the local service instance via mDNS. The instance
// name is the device ID so goodbye packets map straight to a candidate.
type Advertiser struct {
	server   *zeroconf.Server
	stopOnce sync.Once
}

// StartAdvertiser registers the local service instance.
func StartAdvertiser(config MDNSConfig) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		txtDeviceName + "=" + cfg.DeviceName,
		txtPublicKey + "=" + cfg.PublicKey,
		txtServerPort + "=" + strconv.Itoa(cfg.ServicePort),
	}

	server, err := cfg.registerFn(cfg.SelfDeviceID, cfg.Service, cfg.Domain, cfg.ServicePort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement; zeroconf sends the goodbye records.
func (a *Advertiser) Stop() {
	if a == nil {
		return
	}
	a.stopOnce.Do(func() {
		if a.server != nil {
			a.server.Shutdown()
		}
	})
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Browser browses for peer service instances and feeds every resolved entry
// into the candidate collection as it arrives.
type Browser struct {
	cfg        MDNSConfig
	candidates *Candidates
	logger     *zap.Logger

	browse browseFunc

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewBrowser creates a browser; the zeroconf resolver is created lazily on
// Start unless a browse function was injected.
func NewBrowser(config MDNSConfig, candidates *Candidates) (*Browser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}
	if candidates == nil {
		return nil, errors.New("candidates collection is required")
	}

	return &Browser{
		cfg:             cfg,
		candidates:      candidates,
		logger:          cfg.Logger.Named("mdns_browser"),
		browse:          cfg.browseFn,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background browsing.
func (b *Browser) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	if b.browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return fmt.Errorf("create mDNS resolver: %w", err)
		}
		b.browse = resolver.Browse
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.running = true
	b.wg.Add(1)
	go b.loop(b.ctx)
	return nil
}

// Stop cancels the in-flight browse and waits for the loop to exit.
func (b *Browser) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
}

// Refresh triggers an immediate browse window and waits for it to finish.
func (b *Browser) Refresh(ctx context.Context) error {
	b.mu.Lock()
	loopCtx := b.ctx
	running := b.running
	b.mu.Unlock()
	if !running {
		return errors.New("mDNS browser is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case b.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return errors.New("mDNS browser is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return errors.New("mDNS browser is stopped")
	}
}

func (b *Browser) loop(ctx context.Context) {
	defer b.wg.Done()

	if err := b.runScan(ctx, nil); err != nil {
		b.logger.Warn("mDNS browse failed", zap.Error(err))
	}

	ticker := b.cfg.Clock.Ticker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.runScan(ctx, nil); err != nil {
				b.logger.Warn("mDNS browse failed", zap.Error(err))
			}
		case req := <-b.refreshRequests:
			req.done <- b.runScan(ctx, req.ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Browser) runScan(loopCtx, requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(loopCtx, b.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry != nil {
					b.handleEntry(entry)
				}
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return fmt.Errorf("browse %s: %w", b.cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	cutoff := b.cfg.Clock.Now().Add(-b.cfg.ExpireAfter)
	for _, id := range b.candidates.Sweep(models.OriginMDNSService, cutoff) {
		b.logger.Debug("mDNS sighting expired", zap.String("device_id", id))
	}

	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *Browser) handleEntry(entry *zeroconf.ServiceEntry) {
	desc, ok := parseEntry(entry, b.cfg.SelfDeviceID)
	if !ok {
		return
	}
	if entry.TTL == 0 {
		if b.candidates.Remove(desc.DeviceID, models.OriginMDNSService) {
			b.logger.Debug("mDNS instance withdrawn", zap.String("device_id", desc.DeviceID))
		}
		return
	}
	desc.LastSeenAt = b.cfg.Clock.Now()
	b.candidates.Upsert(desc)
}

// handleGoodbye removes an instance announced with TTL 0.
func (b *Browser) handleGoodbye(instance string) {
	if instance == "" || instance == b.cfg.SelfDeviceID {
		return
	}
	if b.candidates.Remove(instance, models.OriginMDNSService) {
		b.logger.Info("mDNS peer said goodbye", zap.String("device_id", instance))
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (models.PeerDescriptor, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(entry.Instance)
	if deviceID == "" || deviceID == selfDeviceID {
		return models.PeerDescriptor{}, false
	}

	port := entry.Port
	if raw := txt[txtServerPort]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 65535 {
			port = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := txt[txtDeviceName]
	if name == "" {
		name = strings.TrimSuffix(entry.HostName, ".")
	}
	if name == "" {
		name = deviceID
	}

	return models.PeerDescriptor{
		DeviceID:   deviceID,
		DeviceName: name,
		PublicKey:  txt[txtPublicKey],
		Addresses:  addresses,
		Port:       port,
		Origin:     models.OriginMDNSService,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
