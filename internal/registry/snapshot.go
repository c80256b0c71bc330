package registry

import (
	"sync"
	"time"
)

// DefaultSnapshotTTL is how long a published capability snapshot stays
// valid without a refresh.
const DefaultSnapshotTTL = 30 * time.Minute

// Entity is one discovered home capability (a light, a lock, a
// sensor). Entities arrive from discovery collaborators — the Home
// Assistant poller and the MQTT discovery subscriber — never from the
// catalog itself.
type Entity struct {
	EntityID     string         `json:"entity_id"`
	State        string         `json:"state"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Snapshot is an immutable view of discovered capabilities. Discovery
// collaborators build a complete snapshot and publish it whole; there
// is no in-place mutation.
type Snapshot struct {
	Entities []Entity  `json:"entities"`
	TakenAt  time.Time `json:"taken_at"`
	Source   string    `json:"source"`
}

// snapshotHolder implements exclusive-writer/shared-reader access to
// the current snapshot.
type snapshotHolder struct {
	mu      sync.RWMutex
	current *Snapshot
	ttl     time.Duration
}

// PublishSnapshot replaces the current capability snapshot. The
// snapshot must not be modified after publishing.
func (r *Registry) PublishSnapshot(s *Snapshot) {
	r.snap.mu.Lock()
	defer r.snap.mu.Unlock()
	r.snap.current = s
}

// CapabilitySnapshot returns the current snapshot, or nil and false if
// none has been published or the TTL has lapsed.
func (r *Registry) CapabilitySnapshot() (*Snapshot, bool) {
	r.snap.mu.RLock()
	defer r.snap.mu.RUnlock()
	s := r.snap.current
	if s == nil {
		return nil, false
	}
	if time.Since(s.TakenAt) > r.snap.ttl {
		return nil, false
	}
	return s, true
}

// InvalidateSnapshot drops the current snapshot immediately, forcing
// callers to wait for the next discovery pass.
func (r *Registry) InvalidateSnapshot() {
	r.snap.mu.Lock()
	defer r.snap.mu.Unlock()
	r.snap.current = nil
}
