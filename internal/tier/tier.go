// Package tier selects an execution backend from the configured set
// based on device conditions, measured reachability, capability
// requirements, and user policy.
package tier

import (
	"fmt"
	"sort"
	"time"

	"github.com/haven-assistant/haven/internal/config"
)

// Kind identifies a tier's backend family.
type Kind string

const (
	KindEmbedded  Kind = "embedded"  // on-device runtime behind the bridge
	KindCompanion Kind = "companion" // companion server on the local network
	KindCloud     Kind = "cloud"     // hosted inference
)

// Tier is one selectable execution backend. Tiers are static
// configuration — they are not created or destroyed at runtime.
type Tier struct {
	Name            string   `json:"name"`
	Kind            Kind     `json:"kind"`
	Endpoint        string   `json:"endpoint,omitempty"`
	Capabilities    []string `json:"capabilities"`
	MaxTokens       int      `json:"max_tokens,omitempty"`
	MinBattery      int      `json:"min_battery,omitempty"` // battery floor in percent, ignored while charging
	RequiresNetwork bool     `json:"requires_network"`
	Priority        int      `json:"priority"` // lower = preferred
}

// Supports reports whether the tier's capability set is a superset of
// the requested capabilities.
func (t Tier) Supports(caps ...string) bool {
	for _, want := range caps {
		found := false
		for _, have := range t.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FromConfig converts configured tiers to the runtime representation.
func FromConfig(cfgs []config.TierConfig) []Tier {
	tiers := make([]Tier, len(cfgs))
	for i, c := range cfgs {
		tiers[i] = Tier{
			Name:            c.Name,
			Kind:            Kind(c.Kind),
			Endpoint:        c.Endpoint,
			Capabilities:    c.Capabilities,
			MaxTokens:       c.MaxTokens,
			MinBattery:      c.MinBattery,
			RequiresNetwork: c.RequiresNetwork,
			Priority:        c.Priority,
		}
	}
	return tiers
}

// Status is the measured reachability of one tier. Statuses are
// recomputed on every selection cycle and never persisted.
type Status struct {
	Available bool          `json:"available"`
	Latency   time.Duration `json:"latency"`
	Err       string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (s Status) String() string {
	if s.Available {
		return fmt.Sprintf("available (%dms)", s.Latency.Milliseconds())
	}
	if s.Err != "" {
		return "unavailable: " + s.Err
	}
	return "unavailable"
}

// ByPriority returns a copy of tiers sorted by ascending priority
// number, name as tiebreaker for deterministic output.
func ByPriority(tiers []Tier) []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}
