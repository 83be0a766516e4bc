package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"

	"devicelink/models"
)

func newTestService(t *testing.T) (*Service, *fakePacketConn) {
	t.Helper()

	svc, err := NewService(Config{
		SelfDeviceID: "self",
		DeviceName:   "Desk",
		PublicKey:    "cHVi",
		ServicePort:  5150,
		Clock:        clock.NewMock(),
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	conn := newFakePacketConn()
	svc.udpCfg.listenFn = func(context.Context, string) (net.PacketConn, error) {
		return conn, nil
	}
	svc.udpCfg.interfaceAddrsFn = func() ([]net.Addr, error) { return nil, nil }
	svc.mdnsCfg.ScanTimeout = 20 * time.Millisecond
	svc.mdnsCfg.registerFn = func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}
	svc.mdnsCfg.browseFn = func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
		entries <- testServiceEntry("mdns-peer", "Tablet", 5150, "10.0.0.9")
		return nil
	}
	svc.goodbyeListenFn = func(context.Context, string) (net.PacketConn, error) {
		return nil, errors.New("goodbye listener disabled in tests")
	}
	return svc, conn
}

func TestServiceStartStopClearsCandidates(t *testing.T) {
	svc, _ := newTestService(t)

	// Leftover state from a previous run must not survive Start.
	svc.candidates.Upsert(models.PeerDescriptor{DeviceID: "ghost", Origin: models.OriginUDPBroadcast})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, ok := svc.Candidate("ghost"); ok {
		t.Fatalf("Start should clear prior candidates")
	}

	waitForCondition(t, time.Second, func() bool {
		_, ok := svc.Candidate("mdns-peer")
		return ok
	})

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(svc.Candidates()) != 0 {
		t.Fatalf("Stop should clear candidates")
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer svc.Stop()
	waitForCondition(t, time.Second, func() bool {
		_, ok := svc.Candidate("mdns-peer")
		return ok
	})
}

func TestServiceStartFailsOnlyWhenEveryChannelFails(t *testing.T) {
	svc, _ := newTestService(t)
	svc.udpCfg.listenFn = func(context.Context, string) (net.PacketConn, error) {
		return nil, errors.New("port in use")
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("mDNS alone should keep discovery running: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	svc.mdnsCfg.registerFn = func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, errors.New("no multicast")
	}
	if err := svc.Start(context.Background()); err == nil {
		t.Fatalf("expected Start to fail when no channel starts")
	}
}

func TestNewServiceRequiresAChannel(t *testing.T) {
	if _, err := NewService(Config{SelfDeviceID: "x", DisableUDP: true, DisableMDNS: true}); err == nil {
		t.Fatalf("expected error when both channels are disabled")
	}
}
