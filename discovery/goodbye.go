package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const mdnsPort = 5353

var mdnsGroupIPv4 = net.IPv4(224, 0, 0, 251)

// GoodbyeListener watches raw mDNS traffic for PTR records of our service
// type announced with TTL 0 and reports the withdrawn instance names. The
// zeroconf resolver drops such records without surfacing them.
type GoodbyeListener struct {
	serviceFQDN string
	onGoodbye   func(instance string)
	logger      *zap.Logger

	listenFn listenPacketFunc

	mu      sync.Mutex
	conn    net.PacketConn
	running bool
	wg      sync.WaitGroup
}

// NewGoodbyeListener creates a listener for serviceFQDN (for example
// "_devicelink._tcp.local.").
func NewGoodbyeListener(serviceFQDN string, onGoodbye func(instance string), logger *zap.Logger) *GoodbyeListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoodbyeListener{
		serviceFQDN: dns.Fqdn(strings.ToLower(serviceFQDN)),
		onGoodbye:   onGoodbye,
		logger:      logger.Named("mdns_goodbye"),
		listenFn: func(ctx context.Context, address string) (net.PacketConn, error) {
			lc := net.ListenConfig{Control: reuseControl}
			return lc.ListenPacket(ctx, "udp4", address)
		},
	}
}

// Start binds the mDNS port and joins the multicast group on every
// multicast-capable interface.
func (g *GoodbyeListener) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}

	conn, err := g.listenFn(ctx, net.JoinHostPort("0.0.0.0", strconv.Itoa(mdnsPort)))
	if err != nil {
		return fmt.Errorf("listen mDNS port: %w", err)
	}

	joined := joinMDNSGroup(conn, g.logger)
	if joined == 0 {
		g.logger.Warn("no interface joined the mDNS group; goodbye packets may be missed")
	}

	g.conn = conn
	g.running = true
	g.wg.Add(1)
	go g.readLoop(conn)
	return nil
}

// Stop closes the socket and waits for the read loop.
func (g *GoodbyeListener) Stop() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()

	err := conn.Close()
	g.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (g *GoodbyeListener) readLoop(conn net.PacketConn) {
	defer g.wg.Done()

	buf := make([]byte, 9000)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			g.logger.Debug("mDNS read failed", zap.Error(err))
			continue
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}
		for _, instance := range goodbyeInstances(msg, g.serviceFQDN) {
			g.onGoodbye(instance)
		}
	}
}

// goodbyeInstances extracts instance names from TTL-0 PTR answers for
// serviceFQDN. Queries and other services are ignored.
func goodbyeInstances(msg *dns.Msg, serviceFQDN string) []string {
	if msg == nil || !msg.Response {
		return nil
	}

	var out []string
	records := append(append([]dns.RR(nil), msg.Answer...), msg.Extra...)
	for _, rr := range records {
		ptr, ok := rr.(*dns.PTR)
		if !ok || ptr.Hdr.Ttl != 0 {
			continue
		}
		if !strings.EqualFold(ptr.Hdr.Name, serviceFQDN) {
			continue
		}
		if instance := instanceFromFQDN(ptr.Ptr, serviceFQDN); instance != "" {
			out = append(out, instance)
		}
	}
	return out
}

func instanceFromFQDN(fqdn, serviceFQDN string) string {
	fqdn = dns.Fqdn(fqdn)
	suffix := "." + serviceFQDN
	if len(fqdn) <= len(suffix) || !strings.EqualFold(fqdn[len(fqdn)-len(suffix):], suffix) {
		return ""
	}
	return unescapeLabel(fqdn[:len(fqdn)-len(suffix)])
}

// unescapeLabel reverses presentation-format escaping (\. and \DDD).
func unescapeLabel(label string) string {
	if !strings.Contains(label, `\`) {
		return label
	}
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c != '\\' || i+1 >= len(label) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(label) && isDigit(label[i+1]) && isDigit(label[i+2]) && isDigit(label[i+3]) {
			v, _ := strconv.Atoi(label[i+1 : i+4])
			b.WriteByte(byte(v))
			i += 3
			continue
		}
		b.WriteByte(label[i+1])
		i++
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func joinMDNSGroup(conn net.PacketConn, logger *zap.Logger) int {
	ifaces, err := net.Interfaces()
	if err != nil {
		logger.Warn("list interfaces failed", zap.Error(err))
		return 0
	}

	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: mdnsGroupIPv4}
	joined := 0
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, group); err != nil {
			logger.Debug("join mDNS group failed", zap.String("interface", iface.Name), zap.Error(err))
			continue
		}
		joined++
	}
	return joined
}
