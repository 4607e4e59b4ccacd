package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/mschirtzinger/feedsync/internal/transport"
)

func mark(feed, guid string) transport.WireReadMark {
	return transport.WireReadMark{FeedURL: feed, ArticleGUID: guid}
}

func TestHub_CreateJoinDevices(t *testing.T) {
	h := NewHub(0)
	code, a := h.Create("laptop")
	if len(code) != 64 {
		t.Errorf("sync code length = %d, want 64", len(code))
	}

	b, err := h.Join(code, "phone")
	if err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	if a == b {
		t.Error("devices should get distinct ids")
	}

	devices, err := h.Devices(code, a)
	if err != nil {
		t.Fatalf("Devices() failed: %v", err)
	}
	if len(devices) != 2 || devices[0].DeviceName != "laptop" || devices[1].DeviceName != "phone" {
		t.Errorf("Devices() = %+v", devices)
	}

	if _, err := h.Join("nope", "x"); !errors.Is(err, ErrUnknownChain) {
		t.Errorf("Join(unknown) = %v, want ErrUnknownChain", err)
	}
}

func TestHub_MarksExcludeOwnAndAdvanceHighWater(t *testing.T) {
	h := NewHub(0)
	code, a := h.Create("a")
	b, _ := h.Join(code, "b")

	accepted, err := h.AddMarks(code, a, []transport.WireReadMark{mark("f", "1"), mark("", "x"), mark("f", "2")})
	if err != nil {
		t.Fatalf("AddMarks() failed: %v", err)
	}
	if len(accepted) != 2 || accepted[0] != 0 || accepted[1] != 2 {
		t.Errorf("accepted = %v, want [0 2]", accepted)
	}

	own, highA, _ := h.MarksSince(code, a, 0)
	if len(own) != 0 {
		t.Errorf("device should not receive its own marks, got %d", len(own))
	}
	if highA == 0 {
		t.Error("high-water should cover own marks")
	}

	items, high, err := h.MarksSince(code, b, 0)
	if err != nil {
		t.Fatalf("MarksSince() failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].Timestamp >= items[1].Timestamp {
		t.Errorf("timestamps not increasing: %d, %d", items[0].Timestamp, items[1].Timestamp)
	}
	if high != items[1].Timestamp {
		t.Errorf("high = %d, want %d", high, items[1].Timestamp)
	}

	again, high2, _ := h.MarksSince(code, b, high)
	if len(again) != 0 || high2 != high {
		t.Errorf("pull from high-water = %d items, high %d; want 0, %d", len(again), high2, high)
	}
}

func TestHub_StampMonotonic(t *testing.T) {
	h := NewHub(0)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	code, a := h.Create("a")
	b, _ := h.Join(code, "b")
	_, _ = h.AddMarks(code, a, []transport.WireReadMark{mark("f", "1"), mark("f", "2"), mark("f", "3")})

	items, _, _ := h.MarksSince(code, b, 0)
	for i := 1; i < len(items); i++ {
		if items[i].Timestamp <= items[i-1].Timestamp {
			t.Fatalf("timestamps must strictly increase under a frozen clock: %+v", items)
		}
	}
}

func TestHub_MaxMarks(t *testing.T) {
	h := NewHub(2)
	code, a := h.Create("a")
	b, _ := h.Join(code, "b")
	_, _ = h.AddMarks(code, a, []transport.WireReadMark{mark("f", "1"), mark("f", "2"), mark("f", "3")})

	items, _, _ := h.MarksSince(code, b, 0)
	if len(items) != 2 || items[0].ArticleGUID != "2" {
		t.Errorf("MarksSince() = %+v, want the two newest", items)
	}
}

func TestHub_RemoveDevice(t *testing.T) {
	h := NewHub(0)
	code, a := h.Create("a")
	b, _ := h.Join(code, "b")

	if err := h.RemoveDevice(code, a, 99); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("RemoveDevice(unknown) = %v, want ErrUnknownDevice", err)
	}
	if err := h.RemoveDevice(code, a, b); err != nil {
		t.Fatalf("RemoveDevice() failed: %v", err)
	}
	if err := h.Authenticate(code, b); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("removed device still authenticates: %v", err)
	}

	if err := h.RemoveDevice(code, a, a); err != nil {
		t.Fatalf("RemoveDevice(self) failed: %v", err)
	}
	if err := h.Authenticate(code, a); !errors.Is(err, ErrUnknownChain) {
		t.Errorf("chain should be gone with its last device, got %v", err)
	}
}

func TestHub_Feeds(t *testing.T) {
	h := NewHub(0)
	code, a := h.Create("a")

	if err := h.SetFeeds(code, a, transport.FeedsPayload{Feeds: []string{"x", "y"}, Hash: 7}); err != nil {
		t.Fatalf("SetFeeds() failed: %v", err)
	}
	p, err := h.Feeds(code, a)
	if err != nil {
		t.Fatalf("Feeds() failed: %v", err)
	}
	if len(p.Feeds) != 2 || p.Hash != 7 {
		t.Errorf("Feeds() = %+v", p)
	}
}
