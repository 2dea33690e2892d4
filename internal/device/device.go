// Package device reports the device conditions that drive tier
// selection: battery level, charging state, and network class. A
// [Status] is always a point-in-time snapshot — it is recomputed on
// demand and never persisted.
package device

import (
	"context"
	"fmt"
	"strings"
)

// NetworkClass categorizes the active network connection.
type NetworkClass string

const (
	NetworkNone     NetworkClass = "none"
	NetworkLocal    NetworkClass = "local"    // wifi / ethernet on a local link
	NetworkCellular NetworkClass = "cellular"
	NetworkWired    NetworkClass = "wired"
	NetworkUnknown  NetworkClass = "unknown"
)

// ParseNetworkClass converts a platform-reported string to a
// NetworkClass, mapping unrecognized values to NetworkUnknown.
func ParseNetworkClass(s string) NetworkClass {
	switch NetworkClass(strings.ToLower(strings.TrimSpace(s))) {
	case NetworkNone, NetworkLocal, NetworkCellular, NetworkWired:
		return NetworkClass(strings.ToLower(strings.TrimSpace(s)))
	case "wifi", "ethernet":
		return NetworkLocal
	default:
		return NetworkUnknown
	}
}

// Status is a snapshot of device conditions.
type Status struct {
	Battery       int          `json:"battery"` // 0-100
	Charging      bool         `json:"charging"`
	Network       NetworkClass `json:"network"`
	SpeedMbps     float64      `json:"speed_mbps,omitempty"` // effective-speed hint, 0 = unknown
	DataSaver     bool         `json:"data_saver"`
}

// Online reports whether any network connection is present.
func (s Status) Online() bool {
	return s.Network != NetworkNone
}

// ConstrainedNetwork reports whether the connection should be treated
// as scarce: data saver is on, or the effective speed hint is very low.
func (s Status) ConstrainedNetwork() bool {
	if s.DataSaver {
		return true
	}
	return s.SpeedMbps > 0 && s.SpeedMbps < 1.0
}

func (s Status) String() string {
	charge := "discharging"
	if s.Charging {
		charge = "charging"
	}
	return fmt.Sprintf("battery=%d%% (%s) network=%s", s.Battery, charge, s.Network)
}

// Prober produces a device status snapshot. Implementations must be
// safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context) (Status, error)
}

// StaticProber returns a fixed status. It is the strategy used on
// platforms without battery or connectivity introspection, and in
// tests. The zero value reports a full, charging, wired device.
type StaticProber struct {
	Status Status
}

// NewStaticProber returns a prober pinned to the given status.
func NewStaticProber(s Status) *StaticProber {
	return &StaticProber{Status: s}
}

// Probe returns the fixed status. The zero-value status is normalized
// to a healthy wired device so a misconfigured prober never looks like
// a dead battery.
func (p *StaticProber) Probe(ctx context.Context) (Status, error) {
	s := p.Status
	if s.Battery == 0 && !s.Charging && s.Network == "" {
		s = Status{Battery: 100, Charging: true, Network: NetworkWired}
	}
	if s.Network == "" {
		s.Network = NetworkUnknown
	}
	return s, nil
}

// NewPlatformProber selects the prober implementation for the host
// platform, resolved once at startup. Platforms with sysfs battery
// and interface introspection get the real prober; everything else
// gets a static healthy default.
func NewPlatformProber() Prober {
	if p := newSysfsProber(); p != nil {
		return p
	}
	return NewStaticProber(Status{})
}
