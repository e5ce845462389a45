package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/internal/store"
)

// StarStore is the slice of conversation storage the services API needs.
type StarStore interface {
	Get(ctx context.Context, id string) (*store.Conversation, error)
	SetStarred(ctx context.Context, id string, starred bool) error
}

// Services is the API handed to plugins through their context. All methods
// are safe for concurrent use.
type Services struct {
	sessions *session.Store
	convs    StarStore
	router   *Router
	log      *slog.Logger
}

// NewServices returns the plugin services API. The router binds itself when
// constructed with this value.
func NewServices(sessions *session.Store, convs StarStore, log *slog.Logger) *Services {
	if log == nil {
		log = slog.Default()
	}
	return &Services{sessions: sessions, convs: convs, log: log}
}

// CloseConversation asks the conversation monitor to close the session's
// open conversation. The monitor consumes the flag on its next tick; the
// session itself stays active.
func (s *Services) CloseConversation(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = "plugin_request"
	}
	if err := s.sessions.SetField(ctx, sessionID, session.FieldCloseRequested, reason); err != nil {
		return fmt.Errorf("plugins: close conversation: %w", err)
	}
	s.log.Info("plugin requested conversation close", "session_id", sessionID, "reason", reason)
	return nil
}

// StarConversation toggles the starred flag on the session's current
// conversation.
func (s *Services) StarConversation(ctx context.Context, sessionID string) error {
	cid, err := s.sessions.CurrentConversation(ctx, sessionID)
	if err != nil {
		return err
	}
	if cid == "" {
		return errors.New("plugins: star conversation: no open conversation")
	}
	conv, err := s.convs.Get(ctx, cid)
	if err != nil {
		return fmt.Errorf("plugins: star conversation: %w", err)
	}
	return s.convs.SetStarred(ctx, cid, !conv.Starred)
}

// CallPlugin invokes another plugin's action callback directly and returns
// its result. Missing or disabled targets yield an error result, not an
// error return, so calling plugins can treat every outcome uniformly.
func (s *Services) CallPlugin(ctx context.Context, pluginID, action string, data map[string]any, userID string) Result {
	if userID == "" {
		userID = "system"
	}
	s.router.mu.RLock()
	impl, ok := s.router.impls[pluginID]
	reg := s.router.regs[pluginID]
	s.router.mu.RUnlock()

	if !ok || !reg.Enabled {
		return Result{
			Success:        false,
			Message:        fmt.Sprintf("plugin %s missing or disabled", pluginID),
			ShouldContinue: true,
		}
	}

	if data == nil {
		data = map[string]any{}
	}
	data["action"] = action
	pc := &Context{
		Event:    EventPluginAction,
		UserID:   userID,
		Data:     data,
		Services: s,
	}
	res := func() (res Result) {
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("plugin panicked during action", "plugin_id", pluginID, "panic", p)
				res = Result{Success: false, Message: fmt.Sprint(p), ShouldContinue: true}
			}
		}()
		return impl.OnPluginAction(ctx, pc)
	}()
	return res
}

// ButtonEvent maps a device button state to its plugin event. The second
// return is false for states with no default event (LONG_PRESS is reserved).
func ButtonEvent(state string) (string, bool) {
	switch state {
	case "SINGLE_PRESS":
		return EventButtonSinglePress, true
	case "DOUBLE_PRESS":
		return EventButtonDoublePress, true
	default:
		return "", false
	}
}
