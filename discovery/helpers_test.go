package discovery

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func testServiceEntry(instance, name string, port int, ip string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	entry.HostName = instance + ".local."
	entry.Port = port
	entry.TTL = 120
	entry.Text = []string{
		txtDeviceName + "=" + name,
		txtPublicKey + "=key-" + instance,
	}
	if ip != "" {
		entry.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return entry
}

// fakePacketConn records writes and blocks reads until closed.
type fakePacketConn struct {
	mu     sync.Mutex
	writes []string
	dests  []string

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{closed: make(chan struct{})}
}

func (c *fakePacketConn) ReadFrom(_ []byte) (int, net.Addr, error) {
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(p))
	c.dests = append(c.dests, addr.String())
	return len(p), nil
}

func (c *fakePacketConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakePacketConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: DefaultDiscoveryPort}
}

func (c *fakePacketConn) SetDeadline(time.Time) error      { return nil }
func (c *fakePacketConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakePacketConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakePacketConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakePacketConn) destinations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.dests...)
}
