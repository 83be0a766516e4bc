package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"devicelink/models"
)

const (
	// DefaultDiscoveryPort is the UDP port DISCOVER probes are sent to.
	DefaultDiscoveryPort = 5149
	// DefaultProbeInterval is how often probes are broadcast.
	DefaultProbeInterval = time.Second
	// DefaultUDPStaleAfter drops UDP sightings silent for longer than this.
	DefaultUDPStaleAfter = 5 * time.Second
	// DefaultSweepInterval is how often stale UDP sightings are swept.
	DefaultSweepInterval = time.Second

	maxProbeSize = 1024
)

type listenPacketFunc func(ctx context.Context, address string) (net.PacketConn, error)

// UDPConfig controls the UDP broadcast discovery channel.
type UDPConfig struct {
	SelfDeviceID  string
	DeviceName    string
	ServicePort   int
	DiscoveryPort int

	ProbeInterval time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration

	// KnownAddresses returns IPs of paired peers that are probed directly in
	// addition to the broadcast addresses.
	KnownAddresses func() []string

	Clock  clock.Clock
	Logger *zap.Logger

	listenFn         listenPacketFunc
	interfaceAddrsFn func() ([]net.Addr, error)
}

func (c UDPConfig) withDefaults() UDPConfig {
	out := c
	if out.DiscoveryPort <= 0 {
		out.DiscoveryPort = DefaultDiscoveryPort
	}
	if out.ProbeInterval <= 0 {
		out.ProbeInterval = DefaultProbeInterval
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultUDPStaleAfter
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.listenFn == nil {
		out.listenFn = func(ctx context.Context, address string) (net.PacketConn, error) {
			lc := net.ListenConfig{Control: broadcastControl}
			return lc.ListenPacket(ctx, "udp4", address)
		}
	}
	if out.interfaceAddrsFn == nil {
		out.interfaceAddrsFn = broadcastInterfaceAddrs
	}
	return out
}

func (c UDPConfig) validate() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if c.ServicePort <= 0 {
		return errors.New("service port must be > 0")
	}
	return nil
}

// UDPChannel broadcasts DISCOVER probes and records probes from other devices.
type UDPChannel struct {
	cfg        UDPConfig
	candidates *Candidates
	logger     *zap.Logger

	mu      sync.Mutex
	conn    net.PacketConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewUDPChannel creates a UDP channel feeding candidates.
func NewUDPChannel(config UDPConfig, candidates *Candidates) (*UDPChannel, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if candidates == nil {
		return nil, errors.New("candidates collection is required")
	}
	return &UDPChannel{
		cfg:        cfg,
		candidates: candidates,
		logger:     cfg.Logger.Named("udp_discovery"),
	}, nil
}

// Start binds the discovery port and launches the probe, receive and sweep loops.
func (u *UDPChannel) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return nil
	}

	conn, err := u.cfg.listenFn(ctx, net.JoinHostPort("0.0.0.0", strconv.Itoa(u.cfg.DiscoveryPort)))
	if err != nil {
		return fmt.Errorf("listen udp discovery port %d: %w", u.cfg.DiscoveryPort, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	u.conn = conn
	u.cancel = cancel
	u.running = true

	u.wg.Add(3)
	go u.readLoop(loopCtx, conn)
	go u.probeLoop(loopCtx, conn)
	go u.sweepLoop(loopCtx)

	u.logger.Info("udp discovery started", zap.Int("port", u.cfg.DiscoveryPort))
	return nil
}

// Stop closes the socket and waits for every loop to exit. Safe to call
// repeatedly.
func (u *UDPChannel) Stop() error {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return nil
	}
	u.running = false
	conn := u.conn
	cancel := u.cancel
	u.conn = nil
	u.cancel = nil
	u.mu.Unlock()

	cancel()
	err := conn.Close()
	u.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close udp discovery socket: %w", err)
	}
	return nil
}

func (u *UDPChannel) readLoop(ctx context.Context, conn net.PacketConn) {
	defer u.wg.Done()

	buf := make([]byte, maxProbeSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			u.logger.Debug("udp discovery read failed", zap.Error(err))
			continue
		}
		u.handleDatagram(buf[:n], from)
	}
}

func (u *UDPChannel) handleDatagram(payload []byte, from net.Addr) {
	probe, err := ParseProbe(string(payload))
	if err != nil {
		u.logger.Debug("ignoring udp datagram", zap.Stringer("from", from), zap.Error(err))
		return
	}
	if probe.DeviceID == u.cfg.SelfDeviceID {
		return
	}

	var addresses []string
	if udpAddr, ok := from.(*net.UDPAddr); ok && udpAddr.IP != nil {
		addresses = []string{udpAddr.IP.String()}
	}

	u.candidates.Upsert(models.PeerDescriptor{
		DeviceID:   probe.DeviceID,
		DeviceName: probe.DeviceName,
		Addresses:  addresses,
		Port:       probe.Port,
		Origin:     models.OriginUDPBroadcast,
		LastSeenAt: u.cfg.Clock.Now(),
	})
}

func (u *UDPChannel) probeLoop(ctx context.Context, conn net.PacketConn) {
	defer u.wg.Done()

	u.sendProbes(conn)

	ticker := u.cfg.Clock.Ticker(u.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.sendProbes(conn)
		case <-ctx.Done():
			return
		}
	}
}

func (u *UDPChannel) sendProbes(conn net.PacketConn) {
	message := []byte(FormatProbe(Probe{
		DeviceID:   u.cfg.SelfDeviceID,
		DeviceName: u.cfg.DeviceName,
		Port:       u.cfg.ServicePort,
	}))

	addrs, err := u.cfg.interfaceAddrsFn()
	if err != nil {
		u.logger.Warn("list interface addresses failed", zap.Error(err))
	}
	var known []string
	if u.cfg.KnownAddresses != nil {
		known = u.cfg.KnownAddresses()
	}

	for _, target := range probeTargets(addrs, known) {
		dst := &net.UDPAddr{IP: target, Port: u.cfg.DiscoveryPort}
		if _, err := conn.WriteTo(message, dst); err != nil {
			u.logger.Debug("send probe failed", zap.Stringer("target", dst), zap.Error(err))
		}
	}
}

func (u *UDPChannel) sweepLoop(ctx context.Context) {
	defer u.wg.Done()

	ticker := u.cfg.Clock.Ticker(u.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (u *UDPChannel) sweep() {
	cutoff := u.cfg.Clock.Now().Add(-u.cfg.StaleAfter)
	for _, id := range u.candidates.Sweep(models.OriginUDPBroadcast, cutoff) {
		u.logger.Debug("udp sighting expired", zap.String("device_id", id))
	}
}

// probeTargets computes the IPv4 destinations for one probe round: each
// interface's subnet broadcast (or its x.y.z.255 fallback when the subnet
// broadcast is the global one), the global broadcast, then known peer IPs.
func probeTargets(addrs []net.Addr, known []string) []net.IP {
	var (
		out  []net.IP
		seen = make(map[string]struct{})
	)
	add := func(ip net.IP) {
		key := ip.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, ip)
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		mask := ipNet.Mask
		if len(mask) == net.IPv6len {
			mask = mask[12:]
		}
		if len(mask) != net.IPv4len {
			continue
		}

		broadcast := make(net.IP, net.IPv4len)
		for i := range broadcast {
			broadcast[i] = ip4[i] | ^mask[i]
		}
		if broadcast.Equal(net.IPv4bcast) {
			broadcast = net.IPv4(ip4[0], ip4[1], ip4[2], 255).To4()
		}
		add(broadcast)
	}

	add(net.IPv4bcast.To4())

	for _, raw := range known {
		ip := net.ParseIP(strings.TrimSpace(raw))
		if ip == nil || ip.To4() == nil {
			continue
		}
		add(ip.To4())
	}

	return out
}

func broadcastInterfaceAddrs() ([]net.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []net.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, addrs...)
	}
	return out, nil
}
