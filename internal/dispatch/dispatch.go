// Package dispatch routes a user request to an execution tier and runs
// it, falling back through the remaining tiers when the chosen one
// fails mid-flight. Every exchange is persisted to the local store
// before the result is returned.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haven-assistant/haven/internal/llm"
	"github.com/haven-assistant/haven/internal/store"
	"github.com/haven-assistant/haven/internal/tier"
)

// CapabilityChat is the baseline capability every conversational
// request needs. Callers add more (vision, long-context) per request.
const CapabilityChat = "chat"

// Request is one unit of work for the router.
type Request struct {
	Input          string
	ConversationID string
	// Tier pins the request to a named tier instead of consulting the
	// selector. The cascade still runs if the pinned tier fails.
	Tier string
	// Capabilities the serving tier must support. Defaults to chat.
	Capabilities []string
}

// Result is a completed exchange.
type Result struct {
	Output   string
	Tier     string
	Model    string
	Duration time.Duration
	// Fallbacks counts tiers that failed before one answered.
	Fallbacks int
}

// Attempt records one tier invocation inside a cascade.
type Attempt struct {
	Tier string
	Err  error
}

// CascadeError is returned when every eligible tier failed. It names
// each tier attempted and why it failed.
type CascadeError struct {
	Attempts []Attempt
}

func (e *CascadeError) Error() string {
	var b strings.Builder
	b.WriteString("all tiers failed")
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.Tier, a.Err)
	}
	return b.String()
}

func (e *CascadeError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// Router executes requests against the tier a Selector picks, with
// sequential fallback across the other capable tiers.
type Router struct {
	selector    *tier.Selector
	clients     map[string]llm.Client // tier name -> backend
	store       *store.Store
	windowTurns int
	logger      *slog.Logger
}

// NewRouter wires the router. clients must contain an entry for every
// configured tier name; windowTurns bounds the conversation context
// sent with each request.
func NewRouter(selector *tier.Selector, clients map[string]llm.Client, st *store.Store, windowTurns int, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if windowTurns <= 0 {
		windowTurns = 20
	}
	return &Router{
		selector:    selector,
		clients:     clients,
		store:       st,
		windowTurns: windowTurns,
		logger:      logger,
	}
}

// Execute runs one request. The tier order is: the selector's pick (or
// the pinned tier), then the remaining capable tiers in ascending
// priority order. The first tier to answer wins; if none do, the
// aggregate CascadeError reports every attempt. The exchange is
// written to the store before Execute returns, whatever the outcome.
func (r *Router) Execute(ctx context.Context, req Request) (*Result, error) {
	caps := req.Capabilities
	if len(caps) == 0 {
		caps = []string{CapabilityChat}
	}

	order, err := r.attemptOrder(ctx, req.Tier, caps)
	if err != nil {
		return nil, err
	}

	history, err := r.history(req.ConversationID)
	if err != nil {
		// A missing window degrades the answer, it does not block it.
		r.logger.Warn("conversation window unavailable", "error", err)
		history = nil
	}

	start := time.Now()
	var attempts []Attempt
	for _, t := range order {
		if err := ctx.Err(); err != nil {
			return nil, r.finish(req, nil, attempts, err)
		}

		client, ok := r.clients[t.Name]
		if !ok {
			attempts = append(attempts, Attempt{Tier: t.Name, Err: errors.New("no backend configured")})
			continue
		}

		r.logger.Debug("dispatching request",
			"tier", t.Name,
			"conversation", req.ConversationID,
			"attempt", len(attempts)+1)

		resp, err := client.Chat(ctx, req.Input, history)
		if err != nil {
			r.logger.Warn("tier failed, falling back",
				"tier", t.Name,
				"error", err)
			attempts = append(attempts, Attempt{Tier: t.Name, Err: err})
			continue
		}

		// A response that raced cancellation is not a success.
		if err := ctx.Err(); err != nil {
			return nil, r.finish(req, nil, attempts, err)
		}

		res := &Result{
			Output:    resp.Response,
			Tier:      t.Name,
			Model:     resp.Model,
			Duration:  time.Since(start),
			Fallbacks: len(attempts),
		}
		return res, r.finish(req, res, attempts, nil)
	}

	cascade := &CascadeError{Attempts: attempts}
	return nil, r.finish(req, nil, attempts, cascade)
}

// attemptOrder resolves the cascade order for one request: the
// selected (or pinned) tier first, then every other capable tier by
// ascending priority.
func (r *Router) attemptOrder(ctx context.Context, pinned string, caps []string) ([]tier.Tier, error) {
	all := r.selector.Tiers()

	var first tier.Tier
	if pinned != "" {
		found := false
		for _, t := range all {
			if t.Name == pinned {
				first, found = t, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown tier %q", pinned)
		}
		if !first.Supports(caps...) {
			return nil, fmt.Errorf("tier %q does not support %s", pinned, strings.Join(caps, ","))
		}
	} else {
		decision, err := r.selector.Select(ctx, caps...)
		if err != nil {
			return nil, err
		}
		first = decision.Selected
	}

	order := []tier.Tier{first}
	var rest []tier.Tier
	for _, t := range all {
		if t.Name == first.Name || !t.Supports(caps...) {
			continue
		}
		rest = append(rest, t)
	}
	return append(order, tier.ByPriority(rest)...), nil
}

// history assembles the bounded context window from the conversation
// buffer. Entries are trimmed whole, oldest first.
func (r *Router) history(conversationID string) ([]llm.Message, error) {
	if conversationID == "" {
		return nil, nil
	}
	turns, err := r.store.Window(conversationID, r.windowTurns)
	if err != nil {
		return nil, err
	}
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	return msgs, nil
}

// finish persists the exchange and the buffer turns. cause carries the
// execution outcome; persistence errors are joined onto it so a failed
// write is never silent.
func (r *Router) finish(req Request, res *Result, attempts []Attempt, cause error) error {
	mem := &store.Memory{
		Prompt: req.Input,
		Role:   "exchange",
		Source: "chat",
	}
	if res != nil {
		mem.Content = res.Output
		mem.Tier = res.Tier
		mem.Model = res.Model
		mem.DurationMs = res.Duration.Milliseconds()
	} else if cause != nil {
		mem.Content = ""
		mem.Role = "failed"
	}

	var errs []error
	if cause != nil {
		errs = append(errs, cause)
	}
	if err := r.store.SaveMemory(mem); err != nil {
		errs = append(errs, fmt.Errorf("persist exchange: %w", err))
	}

	if req.ConversationID != "" && res != nil {
		if err := r.store.AppendTurn(req.ConversationID, "user", req.Input); err != nil {
			errs = append(errs, fmt.Errorf("append user turn: %w", err))
		}
		if err := r.store.AppendTurn(req.ConversationID, "assistant", res.Output); err != nil {
			errs = append(errs, fmt.Errorf("append assistant turn: %w", err))
		}
	}

	if len(attempts) > 0 && res != nil {
		r.logger.Info("request served after fallback",
			"tier", res.Tier,
			"failed_tiers", len(attempts))
	}
	return errors.Join(errs...)
}
