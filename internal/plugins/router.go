package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/vivilabs/vivid/internal/observe"
)

// Router fans events out to the plugins subscribed to them.
type Router struct {
	log     *slog.Logger
	metrics *observe.Metrics

	services *Services

	mu      sync.RWMutex
	regs    map[string]Registration
	impls   map[string]Plugin
	byEvent map[string][]string
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger. Default slog.Default().
func WithRouterLogger(log *slog.Logger) RouterOption {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRouterMetrics sets the metrics sink.
func WithRouterMetrics(m *observe.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// NewRouter builds a router from a validated registration map. The inverted
// index covers enabled plugins only; ids are sorted so dispatch order is
// stable.
func NewRouter(regs map[string]Registration, services *Services, opts ...RouterOption) *Router {
	r := &Router{
		log:      slog.Default(),
		services: services,
		regs:     regs,
		impls:    make(map[string]Plugin),
		byEvent:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	for id, reg := range regs {
		if !reg.Enabled {
			continue
		}
		for _, event := range reg.Events {
			r.byEvent[event] = append(r.byEvent[event], id)
		}
	}
	for event := range r.byEvent {
		sort.Strings(r.byEvent[event])
	}
	if services != nil {
		services.router = r
	}
	return r
}

// Register binds a compiled-in plugin implementation to its registration.
// Implementations without a registration entry stay dormant.
func (r *Router) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[p.ID()] = p
}

// Dispatch delivers one event to every subscribed, enabled plugin and
// returns their results in dispatch order. A plugin returning
// should_continue=false stops the remainder for this event. Panics and
// errors are confined to the offending plugin.
func (r *Router) Dispatch(ctx context.Context, event, userID string, data, metadata map[string]any) []Result {
	if !ValidEvents[event] {
		r.log.Error("dropping unknown plugin event", "event", event)
		return nil
	}

	r.mu.RLock()
	ids := r.byEvent[event]
	r.mu.RUnlock()

	var results []Result
	for _, id := range ids {
		res, dispatched := r.dispatchOne(ctx, id, event, userID, data, metadata)
		if !dispatched {
			continue
		}
		results = append(results, res)
		if !res.ShouldContinue {
			break
		}
	}
	return results
}

// dispatchOne delivers the event to a single plugin. The second return is
// false when the plugin was skipped (condition not met, missing
// implementation).
func (r *Router) dispatchOne(ctx context.Context, id, event, userID string, data, metadata map[string]any) (res Result, dispatched bool) {
	r.mu.RLock()
	impl, ok := r.impls[id]
	reg := r.regs[id]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("registered plugin has no implementation", "plugin_id", id, "event", event)
		return Result{}, false
	}

	data, ok = applyCondition(reg.Condition, data)
	if !ok {
		return Result{}, false
	}

	pc := &Context{
		Event:    event,
		UserID:   userID,
		Data:     data,
		Metadata: metadata,
		Services: r.services,
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("plugin panicked", "plugin_id", id, "event", event, "panic", p)
			res = Result{Success: false, Message: fmt.Sprint(p), ShouldContinue: true}
			dispatched = true
			r.record(ctx, event, id, "panic")
		}
	}()

	res = r.invoke(ctx, impl, event, pc)
	if !res.Success {
		r.log.Warn("plugin reported failure", "plugin_id", id, "event", event, "message", res.Message)
		r.record(ctx, event, id, "error")
	} else {
		r.record(ctx, event, id, "ok")
	}
	return res, true
}

// invoke picks the callback family from the event name.
func (r *Router) invoke(ctx context.Context, p Plugin, event string, pc *Context) Result {
	switch {
	case strings.HasPrefix(event, "transcript."):
		return p.OnTranscript(ctx, pc)
	case strings.HasPrefix(event, "conversation."):
		return p.OnConversationComplete(ctx, pc)
	case strings.HasPrefix(event, "memory."):
		return p.OnMemoryProcessed(ctx, pc)
	case strings.HasPrefix(event, "button."):
		return p.OnButton(ctx, pc)
	default:
		return p.OnPluginAction(ctx, pc)
	}
}

func (r *Router) record(ctx context.Context, event, plugin, status string) {
	if r.metrics != nil {
		r.metrics.RecordPluginEvent(ctx, event, plugin, status)
	}
}

// applyCondition evaluates a registration condition against the event data.
// On a wake-word match it returns a copy of data extended with the extracted
// command and the untouched original transcript.
func applyCondition(cond Condition, data map[string]any) (map[string]any, bool) {
	switch cond.Type {
	case "", ConditionAlways, ConditionConditional:
		return data, true
	case ConditionWakeWord:
		transcript, _ := data["transcript"].(string)
		norm := NormalizeTranscript(transcript)
		for _, wake := range cond.WakeWords {
			nw := NormalizeTranscript(wake)
			if nw == "" || !strings.HasPrefix(norm, nw) {
				continue
			}
			out := make(map[string]any, len(data)+2)
			for k, v := range data {
				out[k] = v
			}
			out["command"] = strings.TrimSpace(strings.TrimPrefix(norm, nw))
			out["original_transcript"] = transcript
			return out, true
		}
		return nil, false
	default:
		return nil, false
	}
}

// NormalizeTranscript lowercases, maps punctuation to spaces, and collapses
// whitespace, so wake-word matching survives the provider's formatting.
func NormalizeTranscript(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
