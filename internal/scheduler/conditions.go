package scheduler

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// NetworkType is the kind of connectivity a job needs.
type NetworkType int

const (
	// NetworkNone means the job runs without connectivity.
	NetworkNone NetworkType = iota
	// NetworkConnected needs any working connection.
	NetworkConnected
	// NetworkUnmetered needs a connection that is not metered.
	NetworkUnmetered
)

func (n NetworkType) String() string {
	switch n {
	case NetworkConnected:
		return "connected"
	case NetworkUnmetered:
		return "unmetered"
	default:
		return "none"
	}
}

// Constraints a job waits for before it runs.
type Constraints struct {
	Network          NetworkType
	RequiresCharging bool
}

func (c Constraints) String() string {
	s := "network " + c.Network.String()
	if c.RequiresCharging {
		s += ", charging"
	}
	return s
}

// Conditions reports whether the host currently satisfies constraints.
type Conditions interface {
	Met(c Constraints) bool
}

// AlwaysMet treats every constraint as satisfied.
type AlwaysMet struct{}

// Met implements Conditions.
func (AlwaysMet) Met(Constraints) bool { return true }

// HostConditions probes the local machine.
//
// Connectivity is a TCP dial to ProbeAddr. The host cannot tell metered
// links apart, so Metered is configured by the user. Charging reads
// /sys/class/power_supply; a machine without a battery counts as charging.
type HostConditions struct {
	ProbeAddr    string
	ProbeTimeout time.Duration
	Metered      bool

	// PowerSupplyDir overrides /sys/class/power_supply (for tests).
	PowerSupplyDir string
}

// Met implements Conditions.
func (h *HostConditions) Met(c Constraints) bool {
	if c.Network != NetworkNone {
		if !h.connected() {
			return false
		}
		if c.Network == NetworkUnmetered && h.Metered {
			return false
		}
	}
	if c.RequiresCharging && !h.charging() {
		return false
	}
	return true
}

func (h *HostConditions) connected() bool {
	if h.ProbeAddr == "" {
		return true
	}
	timeout := h.ProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", h.ProbeAddr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (h *HostConditions) charging() bool {
	dir := h.PowerSupplyDir
	if dir == "" {
		dir = "/sys/class/power_supply"
	}
	supplies, err := os.ReadDir(dir)
	if err != nil {
		return true
	}

	hasBattery := false
	for _, s := range supplies {
		base := filepath.Join(dir, s.Name())
		typ := readTrimmed(filepath.Join(base, "type"))
		switch typ {
		case "Mains", "USB":
			if readTrimmed(filepath.Join(base, "online")) == "1" {
				return true
			}
		case "Battery":
			hasBattery = true
			status := readTrimmed(filepath.Join(base, "status"))
			if status == "Charging" || status == "Full" {
				return true
			}
		}
	}
	return !hasBattery
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
