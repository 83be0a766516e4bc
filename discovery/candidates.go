package discovery

import (
	"sort"
	"sync"
	"time"

	"devicelink/models"
)

const (
	// EventPeerUpserted is emitted when a candidate appears or its metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when the last sighting of a candidate goes away.
	EventPeerRemoved EventType = "peer_removed"
)

const defaultEventBuffer = 128

// EventType identifies candidate collection updates.
type EventType string

// Event carries discovery updates for network consumers.
type Event struct {
	Type EventType
	Peer models.PeerDescriptor
}

// Candidates is the shared collection of discovery sightings keyed by device
// ID. A device may be seen by both channels at once; it stays listed until
// every channel has dropped it.
type Candidates struct {
	mu    sync.RWMutex
	peers map[string]map[models.PeerOrigin]models.PeerDescriptor

	events chan Event
}

// NewCandidates creates an empty collection.
func NewCandidates() *Candidates {
	return &Candidates{
		peers:  make(map[string]map[models.PeerOrigin]models.PeerDescriptor),
		events: make(chan Event, defaultEventBuffer),
	}
}

// Events provides asynchronous upsert/remove notifications. Slow consumers
// miss events rather than block discovery.
func (c *Candidates) Events() <-chan Event {
	return c.events
}

// Upsert records a sighting. An event is emitted when the merged view of the
// device changes in anything other than its last-seen time.
func (c *Candidates) Upsert(desc models.PeerDescriptor) {
	if desc.DeviceID == "" {
		return
	}
	desc.Addresses = append([]string(nil), desc.Addresses...)

	c.mu.Lock()
	defer c.mu.Unlock()

	byOrigin, ok := c.peers[desc.DeviceID]
	if !ok {
		byOrigin = make(map[models.PeerOrigin]models.PeerDescriptor, 2)
		c.peers[desc.DeviceID] = byOrigin
	}
	before, existed := mergeSightings(byOrigin)
	byOrigin[desc.Origin] = desc
	after, _ := mergeSightings(byOrigin)

	if !existed || !descriptorsEqual(before, after) {
		c.emit(Event{Type: EventPeerUpserted, Peer: after})
	}
}

// Remove drops the sighting of deviceID from one origin.
func (c *Candidates) Remove(deviceID string, origin models.PeerOrigin) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(deviceID, origin)
}

// Sweep drops every sighting from origin last seen before cutoff and returns
// the IDs that were dropped.
func (c *Candidates) Sweep(origin models.PeerOrigin, cutoff time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for id, byOrigin := range c.peers {
		desc, ok := byOrigin[origin]
		if !ok || !desc.LastSeenAt.Before(cutoff) {
			continue
		}
		if c.removeLocked(id, origin) {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get returns the merged view of one device.
func (c *Candidates) Get(deviceID string) (models.PeerDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mergeSightings(c.peers[deviceID])
}

// List returns a snapshot of every candidate sorted by name then ID.
func (c *Candidates) List() []models.PeerDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.PeerDescriptor, 0, len(c.peers))
	for _, byOrigin := range c.peers {
		if desc, ok := mergeSightings(byOrigin); ok {
			out = append(out, desc)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// Clear forgets every sighting without emitting removal events.
func (c *Candidates) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = make(map[string]map[models.PeerOrigin]models.PeerDescriptor)
}

func (c *Candidates) removeLocked(deviceID string, origin models.PeerOrigin) bool {
	byOrigin, ok := c.peers[deviceID]
	if !ok {
		return false
	}
	last, ok := byOrigin[origin]
	if !ok {
		return false
	}
	delete(byOrigin, origin)
	if len(byOrigin) == 0 {
		delete(c.peers, deviceID)
		c.emit(Event{Type: EventPeerRemoved, Peer: last})
		return true
	}
	if merged, ok := mergeSightings(byOrigin); ok {
		c.emit(Event{Type: EventPeerUpserted, Peer: merged})
	}
	return true
}

func (c *Candidates) emit(event Event) {
	select {
	case c.events <- event:
	default:
	}
}

// mergeSightings picks the freshest sighting as the base and fills the public
// key and addresses from other channels when the freshest lacks them.
func mergeSightings(byOrigin map[models.PeerOrigin]models.PeerDescriptor) (models.PeerDescriptor, bool) {
	if len(byOrigin) == 0 {
		return models.PeerDescriptor{}, false
	}

	origins := make([]models.PeerOrigin, 0, len(byOrigin))
	for origin := range byOrigin {
		origins = append(origins, origin)
	}
	sort.Slice(origins, func(i, j int) bool {
		a, b := byOrigin[origins[i]], byOrigin[origins[j]]
		if a.LastSeenAt.Equal(b.LastSeenAt) {
			return origins[i] < origins[j]
		}
		return a.LastSeenAt.After(b.LastSeenAt)
	})

	merged := byOrigin[origins[0]]
	merged.Addresses = append([]string(nil), merged.Addresses...)
	for _, origin := range origins[1:] {
		other := byOrigin[origin]
		if merged.PublicKey == "" {
			merged.PublicKey = other.PublicKey
		}
		if len(merged.Addresses) == 0 {
			merged.Addresses = append([]string(nil), other.Addresses...)
		}
	}
	return merged, true
}

func descriptorsEqual(a, b models.PeerDescriptor) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.PublicKey != b.PublicKey ||
		a.Port != b.Port ||
		a.Origin != b.Origin ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
