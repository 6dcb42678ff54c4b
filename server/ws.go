package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/becomeliminal/nim-memory/conversation"
	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/engine"
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Type   string         `json:"type"`
	Role   string         `json:"role,omitempty"`
	Text   string         `json:"text,omitempty"`
	Seq    uint64         `json:"seq,omitempty"`
	Status *engine.Status `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (s *Server) newEngine() *engine.Engine {
	opts := []engine.Option{
		engine.WithSession(conversation.NewSession(s.gen, s.cfg.Session)),
	}
	if s.memory != nil {
		opts = append(opts, engine.WithMemory(s.memory))
	}
	if s.cfg.Reply.MaxTokens > 0 {
		opts = append(opts, engine.WithReplyOptions(s.cfg.Reply))
	}
	return engine.NewEngine(s.gen, opts...)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The connection outlives the upgrade request's context.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	eng := s.newEngine()
	defer eng.Close()

	if id := r.URL.Query().Get("character"); id != "" {
		if _, err := eng.ActivateCharacter(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("character", id).Msg("activate on connect failed")
		}
	}

	for {
		var in Frame
		if err := conn.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		out := s.dispatch(ctx, eng, in)
		if err := conn.WriteJSON(out); err != nil {
			s.log.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, eng *engine.Engine, in Frame) Frame {
	switch in.Type {
	case "message":
		role, err := core.ParseRole(in.Role)
		if err != nil {
			return Frame{Type: "error", Error: err.Error()}
		}
		if role == core.RoleUser && s.gen != nil {
			reply, err := eng.Respond(ctx, in.Text)
			if err != nil {
				return Frame{Type: "error", Error: err.Error()}
			}
			return Frame{Type: "reply", Role: string(core.RoleAssistant), Text: reply}
		}
		turn, err := eng.AddMessage(ctx, role, in.Text)
		if err != nil {
			return Frame{Type: "error", Error: err.Error()}
		}
		return Frame{Type: "ack", Seq: turn.Seq}
	case "status":
		st := eng.Status(ctx)
		return Frame{Type: "status", Status: &st}
	case "clear":
		eng.ClearAllMemory()
		return Frame{Type: "cleared"}
	case "activate":
		if _, err := eng.ActivateCharacter(ctx, in.Text); err != nil {
			return Frame{Type: "error", Error: err.Error()}
		}
		st := eng.Status(ctx)
		return Frame{Type: "status", Status: &st}
	case "context":
		return Frame{Type: "context", Text: eng.ContextFor(ctx, in.Text)}
	default:
		return Frame{Type: "error", Error: "unknown frame type " + in.Type}
	}
}
