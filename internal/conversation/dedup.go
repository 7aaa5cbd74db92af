package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dedup is a TTL set of event fingerprints. An event is admitted at most once
// per fingerprint per TTL window; everything else is a duplicate.
type Dedup struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedup creates a cache with the given entry lifetime.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{ttl: ttl, seen: make(map[string]time.Time)}
}

// Fingerprint returns the dedup key for a Matrix event: the event id itself.
func Fingerprint(eventID string) string { return eventID }

// FingerprintOther builds the key for non-Matrix origins:
// <kind>:<sender>:<ts>:<nonce>. The nonce keeps two same-second events from
// the same sender distinct.
func FingerprintOther(kind, sender string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%s", kind, sender, ts.Unix(), uuid.NewString())
}

// Admit inserts the fingerprint and reports whether it was new. A fingerprint
// already present within the TTL window is rejected.
func (d *Dedup) Admit(fp string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if expiry, ok := d.seen[fp]; ok && now.Before(expiry) {
		return false
	}
	d.seen[fp] = now.Add(d.ttl)
	return true
}

// Sweep removes expired fingerprints and returns how many were dropped.
func (d *Dedup) Sweep() int {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	dropped := 0
	for fp, expiry := range d.seen {
		if now.After(expiry) {
			delete(d.seen, fp)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of live fingerprints (expired ones included until
// the next sweep).
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
