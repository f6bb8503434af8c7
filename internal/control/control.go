// Package control implements the control endpoint's request handler:
// CREATE and DESTROY of per-user comm endpoints. Runs inline on the
// supervisor's accept goroutine: control requests mutate the socket
// registry, so they are handled serially rather than dispatched to
// worker goroutines.
package control

import (
	"log/slog"

	"github.com/privleap/privleapd/internal/registry"
	"github.com/privleap/privleapd/internal/session"
	"github.com/privleap/privleapd/internal/wire"
)

// Handler processes one accepted control connection.
type Handler struct {
	Registry *registry.Registry
	Log      *slog.Logger
}

// Handle reads exactly one CREATE/DESTROY request and replies accordingly.
// Any other message is a protocol violation: logged at ERROR, session
// closed without a reply.
func (h *Handler) Handle(s *session.Session) {
	defer s.Close()

	msg, err := s.Receive()
	if err != nil {
		h.Log.Warn("failed to read control request", "session", s.ID(), "error", err)
		return
	}

	if len(msg.Args) != 1 {
		h.Log.Error("protocol violation on control endpoint", "session", s.ID(), "type", msg.Type)
		return
	}
	user := msg.Args[0]

	switch msg.Type {
	case "CREATE":
		h.handleCreate(s, user)
	case "DESTROY":
		h.handleDestroy(s, user)
	default:
		h.Log.Error("protocol violation on control endpoint", "session", s.ID(), "type", msg.Type)
	}
}

func (h *Handler) handleCreate(s *session.Session, user string) {
	res, err := h.Registry.CreateComm(user)
	switch res {
	case registry.CreateOK:
		h.Log.Info("comm endpoint created", "user", user)
		s.SendSafe(wire.New("OK"))
	case registry.CreateExists:
		s.SendSafe(wire.New("EXISTS"))
	case registry.CreateNoSuchUser, registry.CreateFailed:
		h.Log.Error("CREATE failed", "user", user, "error", err)
		s.SendSafe(wire.New("CONTROL_ERROR"))
	}
}

func (h *Handler) handleDestroy(s *session.Session, user string) {
	switch h.Registry.DestroyComm(user) {
	case registry.DestroyOK:
		h.Log.Info("comm endpoint destroyed", "user", user)
		s.SendSafe(wire.New("OK"))
	case registry.DestroyNoUser:
		s.SendSafe(wire.New("NOUSER"))
	}
}
