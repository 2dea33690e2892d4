package tier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haven-assistant/haven/internal/config"
	"github.com/haven-assistant/haven/internal/device"
)

// Mode controls how much say the user has in tier selection.
type Mode string

const (
	// ModeAuto lets the heuristics pick freely.
	ModeAuto Mode = "auto"
	// ModePrefer nudges selection toward a named tier when it is a
	// viable candidate, falling back to auto otherwise.
	ModePrefer Mode = "prefer"
	// ModeManual pins a named tier whenever it is reachable, falling
	// back to auto only when it is not.
	ModeManual Mode = "manual"
)

// Policy is the user-configurable selection policy. It lives in
// process memory for the session; it is not persisted across restarts.
type Policy struct {
	Mode          Mode
	PreferredTier string
	LowBatteryPct int
	TooSlowMs     int
	AllowCloud    bool
}

// PolicyFromConfig builds the initial policy from configuration.
func PolicyFromConfig(c config.SelectionConfig) Policy {
	mode := Mode(c.Mode)
	if mode == "" {
		mode = ModeAuto
	}
	return Policy{
		Mode:          mode,
		PreferredTier: c.PreferredTier,
		LowBatteryPct: c.LowBatteryPct,
		TooSlowMs:     c.TooSlowMs,
		AllowCloud:    c.AllowCloud,
	}
}

// Decision is the outcome of one selection cycle. Alternatives lists
// the unchosen-but-available candidates sorted by priority, for
// transparency to the caller.
type Decision struct {
	Selected     Tier              `json:"selected"`
	Reason       string            `json:"reason"`
	Alternatives []Tier            `json:"alternatives,omitempty"`
	Device       device.Status     `json:"device"`
	Statuses     map[string]Status `json:"statuses"`
	At           time.Time         `json:"at"`
}

// ErrNoCapableTier means no configured tier supports the requested
// capabilities. This is fatal to the call only — other requests with
// different requirements may still succeed.
var ErrNoCapableTier = errors.New("no tier supports the requested capabilities")

// Selector combines device status, reachability, capability
// requirements, and policy into one selected tier. Selection holds no
// persisted state; every Select recomputes from scratch. The only
// durable output is the process-local current decision, readable via
// [Selector.Current] without forcing a recompute.
type Selector struct {
	tiers   []Tier
	prober  device.Prober
	checker *Checker
	logger  *slog.Logger

	// Notify, when set, receives every new decision. It is called
	// synchronously from the selecting goroutine and must not block.
	Notify func(Decision)

	mu      sync.RWMutex
	policy  Policy
	current *Decision
}

// NewSelector creates a selector over the given static tier set.
func NewSelector(tiers []Tier, prober device.Prober, checker *Checker, policy Policy, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		tiers:   tiers,
		prober:  prober,
		checker: checker,
		policy:  policy,
		logger:  logger,
	}
}

// Policy returns the current selection policy.
func (s *Selector) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetPolicy replaces the selection policy for the rest of the session.
func (s *Selector) SetPolicy(p Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	s.logger.Info("selection policy updated",
		"mode", string(p.Mode),
		"preferred", p.PreferredTier,
		"allow_cloud", p.AllowCloud,
	)
}

// Current returns the most recent decision without recomputing, or
// nil if no selection has run yet.
func (s *Selector) Current() *Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	d := *s.current
	return &d
}

// Tiers returns the configured tier set.
func (s *Selector) Tiers() []Tier {
	return s.tiers
}

// Select picks a tier for a request needing the given capabilities.
func (s *Selector) Select(ctx context.Context, caps ...string) (*Decision, error) {
	dev, err := s.prober.Probe(ctx)
	if err != nil {
		// A failed probe must not block selection; assume a healthy
		// device and let reachability filtering do the work.
		s.logger.Warn("device probe failed, assuming healthy device", "error", err)
		dev = device.Status{Battery: 100, Charging: true, Network: device.NetworkUnknown}
	}

	statuses := s.checker.Check(ctx, s.tiers)
	policy := s.Policy()

	// Capability filter. An empty result here is a genuine capability
	// mismatch — degrading would hand the request to a tier that
	// cannot serve it.
	capable := make([]Tier, 0, len(s.tiers))
	for _, t := range s.tiers {
		if t.Supports(caps...) {
			capable = append(capable, t)
		}
	}
	if len(capable) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoCapableTier, caps)
	}

	// Availability, battery floor, network, and cloud-permission filters.
	candidates := make([]Tier, 0, len(capable))
	for _, t := range capable {
		st := statuses[t.Name]
		switch {
		case !st.Available:
		case t.MinBattery > 0 && dev.Battery < t.MinBattery && !dev.Charging:
		case t.RequiresNetwork && !dev.Online():
		case t.Kind == KindCloud && !policy.AllowCloud:
		default:
			candidates = append(candidates, t)
		}
	}

	decision := &Decision{
		Device:   dev,
		Statuses: statuses,
		At:       time.Now(),
	}

	if len(candidates) == 0 {
		// Degrade to the offline-capable tier even if its own probe
		// failed. A response, possibly a capability error from a cold
		// runtime, beats no tier at all.
		offline, ok := offlineTier(capable)
		if !ok {
			return nil, fmt.Errorf("%w: all capable tiers filtered out and none is offline-capable", ErrNoCapableTier)
		}
		decision.Selected = offline
		decision.Reason = fmt.Sprintf("no tier passed filters (%s); degrading to offline tier %q", dev, offline.Name)
		s.store(decision)
		return decision, nil
	}

	selected, reason := s.applyPolicy(policy, dev, statuses, candidates)
	decision.Selected = selected
	decision.Reason = reason
	decision.Alternatives = alternatives(candidates, selected)

	s.store(decision)
	return decision, nil
}

// applyPolicy runs manual pinning and the ordered auto heuristics over
// the candidate set. Candidates are non-empty.
func (s *Selector) applyPolicy(policy Policy, dev device.Status, statuses map[string]Status, candidates []Tier) (Tier, string) {
	// Manual mode: pinned tier wins whenever it is reachable.
	if policy.Mode == ModeManual {
		for _, t := range candidates {
			if t.Name == policy.PreferredTier {
				return t, fmt.Sprintf("manually pinned to %q", t.Name)
			}
		}
		// Pinned tier unavailable; fall through to auto logic.
	}

	if policy.Mode == ModePrefer {
		for _, t := range candidates {
			if t.Name == policy.PreferredTier {
				return t, fmt.Sprintf("preferred tier %q is viable", t.Name)
			}
		}
	}

	// Low battery and not charging: stay off the network radios.
	if dev.Battery < policy.LowBatteryPct && !dev.Charging {
		if t, ok := offlineTier(candidates); ok {
			return t, fmt.Sprintf("battery at %d%% and not charging; preferring on-device tier %q", dev.Battery, t.Name)
		}
	}

	// Data saver or a very slow connection: same preference.
	if dev.ConstrainedNetwork() {
		if t, ok := offlineTier(candidates); ok {
			why := "data saver enabled"
			if !dev.DataSaver {
				why = fmt.Sprintf("effective speed %.1f Mbps", dev.SpeedMbps)
			}
			return t, fmt.Sprintf("%s; preferring on-device tier %q", why, t.Name)
		}
	}

	// Latency heuristic: if the default network tier is measuring past
	// the threshold, compare against a network-independent alternative
	// or a faster remote one and take whichever answers fastest.
	byPrio := ByPriority(candidates)
	def, hasDefault := defaultNetworkTier(byPrio)
	if hasDefault && policy.TooSlowMs > 0 {
		defLatency := statuses[def.Name].Latency
		if defLatency > time.Duration(policy.TooSlowMs)*time.Millisecond {
			if alt, ok := fastestOther(byPrio, statuses, def.Name); ok {
				altLatency := statuses[alt.Name].Latency
				if altLatency < defLatency {
					return alt, fmt.Sprintf(
						"%q measured %dms, over the %dms threshold; %q at %dms is faster",
						def.Name, defLatency.Milliseconds(), policy.TooSlowMs,
						alt.Name, altLatency.Milliseconds(),
					)
				}
			}
			// Nothing faster; the slow default still beats nothing.
			return def, fmt.Sprintf(
				"%q measured %dms, over the %dms threshold, but no faster alternative is available",
				def.Name, defLatency.Milliseconds(), policy.TooSlowMs,
			)
		}
	}

	best := byPrio[0]
	return best, fmt.Sprintf("highest-priority viable tier %q (priority %d)", best.Name, best.Priority)
}

// Run re-runs selection on a fixed interval until ctx is cancelled.
// Callers that need event-driven refresh (network state changes) call
// [Selector.Refresh] from their event handler.
func (s *Selector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh recomputes the current decision for the baseline chat
// capability. Errors are logged, not returned — the previous decision
// remains current.
func (s *Selector) Refresh(ctx context.Context) {
	d, err := s.Select(ctx, "chat")
	if err != nil {
		s.logger.Warn("background reselection failed", "error", err)
		return
	}
	s.logger.Debug("background reselection",
		"tier", d.Selected.Name,
		"reason", d.Reason,
	)
}

// store records the decision as current and fires the notify hook.
func (s *Selector) store(d *Decision) {
	s.mu.Lock()
	s.current = d
	s.mu.Unlock()

	s.logger.Info("tier selected",
		"tier", d.Selected.Name,
		"reason", d.Reason,
		"alternatives", tierNames(d.Alternatives),
	)

	if s.Notify != nil {
		s.Notify(*d)
	}
}

// offlineTier returns the lowest-priority-number tier that does not
// require the network.
func offlineTier(tiers []Tier) (Tier, bool) {
	var best Tier
	found := false
	for _, t := range ByPriority(tiers) {
		if !t.RequiresNetwork {
			best = t
			found = true
			break
		}
	}
	return best, found
}

// defaultNetworkTier returns the preferred network-requiring tier from
// a priority-sorted candidate list.
func defaultNetworkTier(sorted []Tier) (Tier, bool) {
	for _, t := range sorted {
		if t.RequiresNetwork {
			return t, true
		}
	}
	return Tier{}, false
}

// fastestOther returns the lowest-latency candidate other than the
// named tier.
func fastestOther(tiers []Tier, statuses map[string]Status, exclude string) (Tier, bool) {
	var best Tier
	found := false
	for _, t := range tiers {
		if t.Name == exclude {
			continue
		}
		if !found || statuses[t.Name].Latency < statuses[best.Name].Latency {
			best = t
			found = true
		}
	}
	return best, found
}

// alternatives returns the candidates other than the selected tier,
// sorted by priority.
func alternatives(candidates []Tier, selected Tier) []Tier {
	alts := make([]Tier, 0, len(candidates))
	for _, t := range ByPriority(candidates) {
		if t.Name != selected.Name {
			alts = append(alts, t)
		}
	}
	return alts
}

func tierNames(tiers []Tier) string {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = t.Name
	}
	return strings.Join(names, ",")
}
