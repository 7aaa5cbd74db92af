package conversation

import (
	"testing"
	"time"
)

func TestDedupAdmitsOncePerWindow(t *testing.T) {
	d := NewDedup(time.Hour)

	if !d.Admit(Fingerprint("$evt1")) {
		t.Fatal("first sighting rejected")
	}
	if d.Admit(Fingerprint("$evt1")) {
		t.Fatal("duplicate admitted within TTL")
	}
	if !d.Admit(Fingerprint("$evt2")) {
		t.Fatal("unrelated fingerprint rejected")
	}
}

func TestDedupReadmitsAfterExpiry(t *testing.T) {
	d := NewDedup(20 * time.Millisecond)

	if !d.Admit("$evt") {
		t.Fatal("first sighting rejected")
	}
	time.Sleep(40 * time.Millisecond)
	if !d.Admit("$evt") {
		t.Fatal("expired fingerprint still rejected")
	}
}

func TestDedupSweepDropsExpired(t *testing.T) {
	d := NewDedup(10 * time.Millisecond)
	d.Admit("$a")
	d.Admit("$b")
	time.Sleep(30 * time.Millisecond)
	d.Admit("$c")

	if dropped := d.Sweep(); dropped != 2 {
		t.Errorf("Sweep dropped %d, want 2", dropped)
	}
	if d.Len() != 1 {
		t.Errorf("Len = %d, want 1", d.Len())
	}
}

func TestFingerprintOtherIsUnique(t *testing.T) {
	ts := time.Now()
	a := FingerprintOther("opencode", "@dev:x", ts)
	b := FingerprintOther("opencode", "@dev:x", ts)
	if a == b {
		t.Error("two non-Matrix events from the same sender collided")
	}
}
