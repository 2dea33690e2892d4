package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haven-assistant/haven/internal/bridge"
)

// BridgeClient adapts the RPC bridge into a chat [Client], making the
// embedded runtime selectable like any network tier.
type BridgeClient struct {
	bridge *bridge.Bridge
}

// NewBridgeClient wraps an existing bridge.
func NewBridgeClient(b *bridge.Bridge) *BridgeClient {
	return &BridgeClient{bridge: b}
}

// Chat dispatches the message through the bridge. A synthesized
// offline response (runtime not ready) is reported as an error so the
// dispatch cascade can try the next tier.
func (c *BridgeClient) Chat(ctx context.Context, message string, history []Message) (*ChatResponse, error) {
	resp, err := c.bridge.Call(ctx, "/chat", "POST", chatRequest{
		Message: message,
		History: history,
	})
	if err != nil {
		return nil, err
	}
	if resp.Offline {
		return nil, fmt.Errorf("embedded runtime offline: %s", resp.Error)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, fmt.Errorf("embedded runtime returned %d: %s", resp.Status, resp.Error)
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("decode bridge response: %w", err)
	}
	if out.Model == "" {
		out.Model = "embedded"
	}
	return &ChatResponse{Response: out.Response, Model: out.Model}, nil
}

// Ping reports bridge readiness.
func (c *BridgeClient) Ping(ctx context.Context) error {
	return c.bridge.Probe(ctx)
}
