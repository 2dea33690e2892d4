package tier

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/haven-assistant/haven/internal/httpkit"
)

// Probe timeouts per tier kind. Cloud endpoints get more slack; a LAN
// companion or the on-device runtime should answer quickly or not at all.
const (
	cloudProbeTimeout = 10 * time.Second
	localProbeTimeout = 5 * time.Second
)

// EmbeddedProbe reports the reachability of the on-device runtime.
// The bridge supplies the real implementation; it must return quickly.
type EmbeddedProbe func(ctx context.Context) error

// Checker measures per-tier reachability. All tiers are probed
// concurrently with independent timeouts so one unreachable tier
// cannot starve the others.
type Checker struct {
	client   *http.Client
	embedded EmbeddedProbe
	logger   *slog.Logger
}

// NewChecker creates a reachability checker. embedded may be nil when
// no bridge is configured; the embedded tier then reports unavailable.
func NewChecker(embedded EmbeddedProbe, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		// The overall deadline is enforced per probe via context, so the
		// client itself carries no timeout.
		client:   httpkit.NewClient(httpkit.WithTimeout(0)),
		embedded: embedded,
		logger:   logger,
	}
}

// Check probes every tier concurrently and returns a status per tier
// name. It waits for all probes; each is individually time-bounded.
func (c *Checker) Check(ctx context.Context, tiers []Tier) map[string]Status {
	statuses := make(map[string]Status, len(tiers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, t := range tiers {
		wg.Add(1)
		go func(t Tier) {
			defer wg.Done()
			st := c.probe(ctx, t)
			mu.Lock()
			statuses[t.Name] = st
			mu.Unlock()
		}(t)
	}

	wg.Wait()
	return statuses
}

// probe measures one tier. Auth challenges (401/403) count as
// reachable: the backend is up, it just wants credentials.
func (c *Checker) probe(ctx context.Context, t Tier) Status {
	timeout := localProbeTimeout
	if t.Kind == KindCloud {
		timeout = cloudProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	st := Status{CheckedAt: start}

	if t.Kind == KindEmbedded {
		if c.embedded == nil {
			st.Err = "bridge not configured"
			return st
		}
		if err := c.embedded(probeCtx); err != nil {
			st.Err = err.Error()
			c.logger.Debug("embedded tier probe failed", "tier", t.Name, "error", err)
			return st
		}
		st.Available = true
		st.Latency = time.Since(start)
		return st
	}

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, t.Endpoint+"/health", nil)
	if err != nil {
		st.Err = err.Error()
		return st
	}

	resp, err := c.client.Do(req)
	if err != nil {
		st.Err = err.Error()
		c.logger.Debug("tier probe failed", "tier", t.Name, "error", err)
		return st
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	st.Latency = time.Since(start)
	switch {
	case resp.StatusCode < 300,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		st.Available = true
	default:
		st.Err = fmt.Sprintf("health returned %d", resp.StatusCode)
	}
	return st
}
