// Package relay is a reference coordination service for feedsync chains.
//
// It stores sealed read marks and feed lists per chain and hands them to
// the other members. Payloads are opaque to the relay: it cannot tell which
// feeds or articles they name. State is kept in memory.
package relay

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/feedsync/internal/transport"
)

var (
	// ErrUnknownChain is returned for a sync code the hub has never issued.
	ErrUnknownChain = errors.New("unknown chain")
	// ErrUnknownDevice is returned for a device id not in the chain.
	ErrUnknownDevice = errors.New("unknown device")
)

type storedMark struct {
	feedURL     string
	articleGUID string
	timestamp   int64
	from        int64
}

type chain struct {
	devices      map[int64]string
	nextDeviceID int64
	marks        []storedMark
	lastStamp    int64
	feeds        []string
	feedsHash    int64
}

// Hub holds all chains.
type Hub struct {
	mu     sync.Mutex
	chains map[string]*chain

	maxMarks int
	now      func() time.Time
}

// NewHub creates an empty hub that keeps at most maxMarks marks per chain
// (0 = unlimited). The oldest marks are dropped first.
func NewHub(maxMarks int) *Hub {
	return &Hub{
		chains:   make(map[string]*chain),
		maxMarks: maxMarks,
		now:      time.Now,
	}
}

func newSyncCode() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// Create starts a chain with one device and returns its code and device id.
func (h *Hub) Create(deviceName string) (string, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	code := newSyncCode()
	c := &chain{devices: make(map[int64]string), nextDeviceID: 1}
	h.chains[code] = c
	return code, c.addDevice(deviceName)
}

// Join adds a device to an existing chain.
func (h *Hub) Join(code, deviceName string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.chains[code]
	if !ok {
		return 0, ErrUnknownChain
	}
	return c.addDevice(deviceName), nil
}

func (c *chain) addDevice(name string) int64 {
	id := c.nextDeviceID
	c.nextDeviceID++
	c.devices[id] = name
	return id
}

// Authenticate checks that deviceID is a member of the chain.
func (h *Hub) Authenticate(code string, deviceID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.member(code, deviceID)
	return err
}

func (h *Hub) member(code string, deviceID int64) (*chain, error) {
	c, ok := h.chains[code]
	if !ok {
		return nil, ErrUnknownChain
	}
	if _, ok := c.devices[deviceID]; !ok {
		return nil, ErrUnknownDevice
	}
	return c, nil
}

// Devices lists the members of a chain ordered by id.
func (h *Hub) Devices(code string, deviceID int64) ([]transport.WireDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.member(code, deviceID)
	if err != nil {
		return nil, err
	}

	devices := make([]transport.WireDevice, 0, len(c.devices))
	for id := int64(1); id < c.nextDeviceID; id++ {
		if name, ok := c.devices[id]; ok {
			devices = append(devices, transport.WireDevice{DeviceID: id, DeviceName: name})
		}
	}
	return devices, nil
}

// RemoveDevice removes target from the chain. The chain is dropped with its
// last member.
func (h *Hub) RemoveDevice(code string, deviceID, target int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.member(code, deviceID)
	if err != nil {
		return err
	}
	if _, ok := c.devices[target]; !ok {
		return ErrUnknownDevice
	}

	delete(c.devices, target)
	if len(c.devices) == 0 {
		delete(h.chains, code)
	}
	return nil
}

// AddMarks stores marks sent by deviceID and returns the indexes stored.
// Entries with an empty or oversized field are refused.
func (h *Hub) AddMarks(code string, deviceID int64, items []transport.WireReadMark) ([]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.member(code, deviceID)
	if err != nil {
		return nil, err
	}

	accepted := make([]int, 0, len(items))
	for i, it := range items {
		if !validPayload(it.FeedURL) || !validPayload(it.ArticleGUID) {
			continue
		}
		c.marks = append(c.marks, storedMark{
			feedURL:     it.FeedURL,
			articleGUID: it.ArticleGUID,
			timestamp:   c.stamp(h.now()),
			from:        deviceID,
		})
		accepted = append(accepted, i)
	}

	if h.maxMarks > 0 && len(c.marks) > h.maxMarks {
		c.marks = append([]storedMark(nil), c.marks[len(c.marks)-h.maxMarks:]...)
	}
	return accepted, nil
}

// stamp returns a strictly increasing millisecond timestamp for the chain.
func (c *chain) stamp(now time.Time) int64 {
	ts := now.UnixMilli()
	if ts <= c.lastStamp {
		ts = c.lastStamp + 1
	}
	c.lastStamp = ts
	return ts
}

func validPayload(s string) bool {
	return s != "" && len(s) <= transport.MaxPayloadLength
}

// MarksSince returns marks newer than since sent by other devices, and the
// high-water mark covering everything newer than since, own marks included.
func (h *Hub) MarksSince(code string, deviceID, since int64) ([]transport.WireReadMark, int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.member(code, deviceID)
	if err != nil {
		return nil, 0, err
	}

	high := since
	items := []transport.WireReadMark{}
	for _, m := range c.marks {
		if m.timestamp <= since {
			continue
		}
		if m.timestamp > high {
			high = m.timestamp
		}
		if m.from == deviceID {
			continue
		}
		items = append(items, transport.WireReadMark{
			FeedURL:     m.feedURL,
			ArticleGUID: m.articleGUID,
			Timestamp:   m.timestamp,
		})
	}
	return items, high, nil
}

// Feeds returns the chain's sealed feed list.
func (h *Hub) Feeds(code string, deviceID int64) (transport.FeedsPayload, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.member(code, deviceID)
	if err != nil {
		return transport.FeedsPayload{}, err
	}
	return transport.FeedsPayload{Feeds: append([]string{}, c.feeds...), Hash: c.feedsHash}, nil
}

// SetFeeds replaces the chain's sealed feed list.
func (h *Hub) SetFeeds(code string, deviceID int64, p transport.FeedsPayload) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.member(code, deviceID)
	if err != nil {
		return err
	}
	c.feeds = append([]string(nil), p.Feeds...)
	c.feedsHash = p.Hash
	return nil
}
