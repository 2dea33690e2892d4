package device

import (
	"context"
	"testing"
	"time"
)

func TestParseNetworkClass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want NetworkClass
	}{
		{"none", NetworkNone},
		{"local", NetworkLocal},
		{"wifi", NetworkLocal},
		{"ethernet", NetworkLocal},
		{"cellular", NetworkCellular},
		{"wired", NetworkWired},
		{"  Wired  ", NetworkWired},
		{"CELLULAR", NetworkCellular},
		{"5g-ultra", NetworkUnknown},
		{"", NetworkUnknown},
	}
	for _, tt := range tests {
		if got := ParseNetworkClass(tt.in); got != tt.want {
			t.Errorf("ParseNetworkClass(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatusOnline(t *testing.T) {
	t.Parallel()

	if (Status{Network: NetworkNone}).Online() {
		t.Error("no network should be offline")
	}
	for _, n := range []NetworkClass{NetworkLocal, NetworkCellular, NetworkWired, NetworkUnknown} {
		if !(Status{Network: n}).Online() {
			t.Errorf("%s should count as online", n)
		}
	}
}

func TestStatusConstrainedNetwork(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{"data saver on", Status{DataSaver: true}, true},
		{"very slow link", Status{SpeedMbps: 0.5}, true},
		{"fast link", Status{SpeedMbps: 50}, false},
		{"unknown speed", Status{}, false},
	}
	for _, tt := range tests {
		if got := tt.status.ConstrainedNetwork(); got != tt.want {
			t.Errorf("%s: ConstrainedNetwork() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStaticProberNormalizesZeroValue(t *testing.T) {
	t.Parallel()

	got, err := NewStaticProber(Status{}).Probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got.Battery != 100 || !got.Charging || got.Network != NetworkWired {
		t.Errorf("zero-value prober reports %s", got)
	}

	// An explicit status passes through untouched except the network
	// class default.
	got, err = NewStaticProber(Status{Battery: 40, Network: NetworkCellular}).Probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got.Battery != 40 || got.Charging || got.Network != NetworkCellular {
		t.Errorf("explicit prober reports %s", got)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	s := Status{Battery: 42, Charging: true, Network: NetworkLocal}
	if got := s.String(); got != "battery=42% (charging) network=local" {
		t.Errorf("String() = %q", got)
	}
}

func TestFeedHandleAndProbe(t *testing.T) {
	fallback := NewStaticProber(Status{Battery: 77, Charging: true, Network: NetworkWired})
	var changes []Status
	feed := NewFeed(FeedConfig{
		BrokerURL: "mqtt://unused:1883",
		Topic:     "haven/device/status",
		Stale:     time.Minute,
		Fallback:  fallback,
		OnChange:  func(s Status) { changes = append(changes, s) },
	})

	// No event yet: the fallback answers.
	got, err := feed.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got.Battery != 77 {
		t.Errorf("fallback battery = %d", got.Battery)
	}

	feed.handle([]byte(`{"battery": 31, "charging": false, "network": "cellular"}`))
	got, err = feed.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe after event: %v", err)
	}
	if got.Battery != 31 || got.Network != NetworkCellular {
		t.Errorf("cached event = %s", got)
	}
	if len(changes) != 1 {
		t.Fatalf("OnChange fired %d times, want 1 (first event)", len(changes))
	}

	// Same network and charging state: no reselection trigger.
	feed.handle([]byte(`{"battery": 29, "charging": false, "network": "cellular"}`))
	if len(changes) != 1 {
		t.Errorf("battery-only change fired OnChange")
	}

	// Network class flip triggers OnChange.
	feed.handle([]byte(`{"battery": 29, "charging": false, "network": "wifi"}`))
	if len(changes) != 2 {
		t.Errorf("network change did not fire OnChange")
	}
	if changes[1].Network != NetworkLocal {
		t.Errorf("wifi should map to local, got %s", changes[1].Network)
	}

	// Malformed payloads are dropped, cache untouched.
	feed.handle([]byte(`{not json`))
	got, _ = feed.Probe(context.Background())
	if got.Network != NetworkLocal {
		t.Errorf("malformed event disturbed the cache: %s", got)
	}
}

func TestFeedStaleEventFallsBack(t *testing.T) {
	fallback := NewStaticProber(Status{Battery: 88, Charging: true, Network: NetworkWired})
	feed := NewFeed(FeedConfig{
		BrokerURL: "mqtt://unused:1883",
		Stale:     10 * time.Millisecond,
		Fallback:  fallback,
	})

	feed.handle([]byte(`{"battery": 5, "network": "cellular"}`))
	time.Sleep(25 * time.Millisecond)

	got, err := feed.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got.Battery != 88 {
		t.Errorf("stale event should fall back to the prober, got %s", got)
	}
}
