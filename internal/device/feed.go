package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// statusEvent is the JSON payload the platform shell publishes on the
// device status topic whenever battery or connectivity changes.
type statusEvent struct {
	Battery   int     `json:"battery"`
	Charging  bool    `json:"charging"`
	Network   string  `json:"network"`
	SpeedMbps float64 `json:"speed_mbps,omitempty"`
	DataSaver bool    `json:"data_saver"`
}

// FeedConfig configures an MQTT device status feed.
type FeedConfig struct {
	BrokerURL string
	Topic     string
	ClientID  string

	// Stale is how long a received event stays authoritative before
	// Probe falls back to the underlying prober (default 2m).
	Stale time.Duration

	// Fallback produces a snapshot when no fresh event is available.
	Fallback Prober

	// OnChange is invoked (in the feed's goroutine) whenever a status
	// event changes the network class or crosses the charging boundary.
	// Used to trigger tier reselection on network state changes. Optional.
	OnChange func(Status)

	Logger *slog.Logger
}

// Feed consumes platform device-status events from an MQTT broker and
// caches the most recent snapshot. It implements [Prober]: a fresh
// cached event answers Probe without touching the platform; a stale or
// absent event falls through to the fallback prober.
type Feed struct {
	cfg FeedConfig
	cm  *autopaho.ConnectionManager

	mu       sync.Mutex
	last     Status
	lastSeen time.Time
}

// NewFeed creates a feed. Call [Feed.Start] to connect.
func NewFeed(cfg FeedConfig) *Feed {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stale <= 0 {
		cfg.Stale = 2 * time.Minute
	}
	if cfg.Fallback == nil {
		cfg.Fallback = NewPlatformProber()
	}
	return &Feed{cfg: cfg}
}

// Start connects to the broker and subscribes to the status topic.
// autopaho handles reconnection; a lost broker simply makes Probe fall
// back to the platform prober once the cached event goes stale.
func (f *Feed) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.cfg.Logger.Info("device feed connected", "broker", f.cfg.BrokerURL)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: f.cfg.Topic, QoS: 1},
				},
			}); err != nil {
				f.cfg.Logger.Warn("device feed subscribe failed", "topic", f.cfg.Topic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			f.cfg.Logger.Warn("device feed connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: f.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					f.handle(pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("connect device feed: %w", err)
	}
	f.cm = cm
	return nil
}

// Stop disconnects from the broker.
func (f *Feed) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	return f.cm.Disconnect(ctx)
}

// handle parses one status event and updates the cache.
func (f *Feed) handle(payload []byte) {
	var ev statusEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		f.cfg.Logger.Debug("device feed dropping malformed event",
			"payload_size", len(payload),
			"error", err,
		)
		return
	}

	status := Status{
		Battery:   ev.Battery,
		Charging:  ev.Charging,
		Network:   ParseNetworkClass(ev.Network),
		SpeedMbps: ev.SpeedMbps,
		DataSaver: ev.DataSaver,
	}

	f.mu.Lock()
	prev := f.last
	hadEvent := !f.lastSeen.IsZero()
	f.last = status
	f.lastSeen = time.Now()
	f.mu.Unlock()

	f.cfg.Logger.Debug("device status event", "status", status.String())

	changed := !hadEvent ||
		prev.Network != status.Network ||
		prev.Charging != status.Charging ||
		prev.DataSaver != status.DataSaver
	if changed && f.cfg.OnChange != nil {
		f.cfg.OnChange(status)
	}
}

// Probe returns the cached event if fresh, else the fallback snapshot.
func (f *Feed) Probe(ctx context.Context) (Status, error) {
	f.mu.Lock()
	last, seen := f.last, f.lastSeen
	f.mu.Unlock()

	if !seen.IsZero() && time.Since(seen) < f.cfg.Stale {
		return last, nil
	}
	return f.cfg.Fallback.Probe(ctx)
}
