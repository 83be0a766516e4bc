package discovery

import (
	"testing"
	"time"

	"devicelink/models"
)

func TestCandidatesSweepDropsStaleUDPSightings(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	c := NewCandidates()

	c.Upsert(models.PeerDescriptor{
		DeviceID:   "stale",
		DeviceName: "Old Phone",
		Origin:     models.OriginUDPBroadcast,
		LastSeenAt: now.Add(-6 * time.Second),
	})
	c.Upsert(models.PeerDescriptor{
		DeviceID:   "fresh",
		DeviceName: "New Phone",
		Origin:     models.OriginUDPBroadcast,
		LastSeenAt: now.Add(-1 * time.Second),
	})

	removed := c.Sweep(models.OriginUDPBroadcast, now.Add(-5*time.Second))
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("unexpected removed ids: %v", removed)
	}
	if _, ok := c.Get("stale"); ok {
		t.Fatalf("stale sighting should be absent")
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Fatalf("fresh sighting should be present")
	}
}

func TestCandidatesMergeOriginsAndEmitEvents(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	c := NewCandidates()

	c.Upsert(models.PeerDescriptor{
		DeviceID:   "peer-1",
		DeviceName: "Pixel",
		PublicKey:  "pub-1",
		Addresses:  []string{"10.0.0.2"},
		Port:       5150,
		Origin:     models.OriginMDNSService,
		LastSeenAt: now,
	})
	expectEvent(t, c, EventPeerUpserted, "peer-1")

	// UDP probes carry no public key; the merged view keeps the mDNS one.
	c.Upsert(models.PeerDescriptor{
		DeviceID:   "peer-1",
		DeviceName: "Pixel",
		Addresses:  []string{"10.0.0.2"},
		Port:       5150,
		Origin:     models.OriginUDPBroadcast,
		LastSeenAt: now.Add(time.Second),
	})
	merged, ok := c.Get("peer-1")
	if !ok {
		t.Fatalf("expected merged candidate")
	}
	if merged.PublicKey != "pub-1" || merged.Origin != models.OriginUDPBroadcast {
		t.Fatalf("unexpected merged descriptor: %+v", merged)
	}
	expectEvent(t, c, EventPeerUpserted, "peer-1")

	// A refresh that only moves LastSeenAt is silent.
	c.Upsert(models.PeerDescriptor{
		DeviceID:   "peer-1",
		DeviceName: "Pixel",
		Addresses:  []string{"10.0.0.2"},
		Port:       5150,
		Origin:     models.OriginUDPBroadcast,
		LastSeenAt: now.Add(2 * time.Second),
	})
	expectNoEvent(t, c)

	if !c.Remove("peer-1", models.OriginUDPBroadcast) {
		t.Fatalf("expected UDP sighting to be removed")
	}
	if _, ok := c.Get("peer-1"); !ok {
		t.Fatalf("mDNS sighting should keep the candidate listed")
	}
	expectEvent(t, c, EventPeerUpserted, "peer-1")

	c.Remove("peer-1", models.OriginMDNSService)
	expectEvent(t, c, EventPeerRemoved, "peer-1")
	if len(c.List()) != 0 {
		t.Fatalf("expected empty candidate list")
	}
}

func TestCandidatesListSortedAndClear(t *testing.T) {
	c := NewCandidates()
	c.Upsert(models.PeerDescriptor{DeviceID: "b", DeviceName: "Zed", Origin: models.OriginUDPBroadcast})
	c.Upsert(models.PeerDescriptor{DeviceID: "a", DeviceName: "Amy", Origin: models.OriginUDPBroadcast})
	c.Upsert(models.PeerDescriptor{DeviceName: "no id", Origin: models.OriginUDPBroadcast})

	list := c.List()
	if len(list) != 2 || list[0].DeviceID != "a" || list[1].DeviceID != "b" {
		t.Fatalf("unexpected list order: %+v", list)
	}

	c.Clear()
	if len(c.List()) != 0 {
		t.Fatalf("expected Clear to drop every candidate")
	}
}

func expectEvent(t *testing.T, c *Candidates, want EventType, deviceID string) {
	t.Helper()
	select {
	case event := <-c.Events():
		if event.Type != want || event.Peer.DeviceID != deviceID {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected %s event for %s", want, deviceID)
	}
}

func expectNoEvent(t *testing.T, c *Candidates) {
	t.Helper()
	select {
	case event := <-c.Events():
		t.Fatalf("unexpected event: %+v", event)
	default:
	}
}
