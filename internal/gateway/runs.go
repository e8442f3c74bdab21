package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/loomworks/loom/internal/membership"
	"github.com/loomworks/loom/internal/persistence"
	"github.com/loomworks/loom/internal/runner"
)

type runView struct {
	ID        string    `json:"id"`
	GroupID   int64     `json:"group_id"`
	StartedBy int64     `json:"started_by"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toRunView(run *persistence.Run) runView {
	return runView{
		ID:        run.ID,
		GroupID:   run.GroupID,
		StartedBy: run.StartedBy,
		Status:    string(run.Status),
		Error:     run.Error,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "group")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	if _, err := s.cfg.Membership.Membership(r.Context(), userFrom(r).ID, groupID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	runs, err := s.cfg.Store.ListGroupRuns(r.Context(), groupID, 100)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]runView, 0, len(runs))
	for i := range runs {
		out = append(out, toRunView(&runs[i]))
	}
	writeJSON(w, map[string]any{"runs": out})
}

type startRunRequest struct {
	GroupID    int64           `json:"group_id"`
	Definition json.RawMessage `json:"definition"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeBody(r, &req); err != nil || req.GroupID == 0 || len(req.Definition) == 0 {
		writeError(w, http.StatusBadRequest, "group_id and definition are required")
		return
	}
	user := userFrom(r)

	member, err := s.cfg.Membership.Membership(r.Context(), user.ID, req.GroupID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !member.Owner && !member.RunGraphs {
		s.writeServiceError(w, membership.ErrNoPermission)
		return
	}

	run, err := s.cfg.Runner.Start(r.Context(), req.GroupID, user.ID, req.Definition)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSONStatus(w, http.StatusCreated, toRunView(run))
}

// lookupRun fetches a run and checks the caller is a member of its group.
// Runs outside the caller's groups look like missing runs.
func (s *Server) lookupRun(r *http.Request) (*persistence.Run, error) {
	runID := r.PathValue("run")
	run, err := s.cfg.Store.GetRun(r.Context(), runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errRunNotFound
	}
	if _, err := s.cfg.Membership.Membership(r.Context(), userFrom(r).ID, run.GroupID); err != nil {
		if errors.Is(err, membership.ErrGroupNotFound) {
			return nil, errRunNotFound
		}
		return nil, err
	}
	return run, nil
}

var errRunNotFound = errors.New("run not found")

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.lookupRun(r)
	if err != nil {
		if errors.Is(err, errRunNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, toRunView(run))
}

// chatFrame is one WebSocket message in either direction. The server
// sends {"type":"prompt"} frames carrying the latest assistant reply;
// the client answers with {"type":"message"} frames.
type chatFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	run, err := s.lookupRun(r)
	if err != nil {
		if errors.Is(err, errRunNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeServiceError(w, err)
		return
	}

	session, ok := s.cfg.Runner.Chat(run.ID)
	if !ok {
		writeError(w, http.StatusConflict, "run has no active chat")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Gateway.AllowOrigins,
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "run_id", run.ID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "chat ended")

	ctx := r.Context()
	for {
		prompt, err := session.NextPrompt(ctx)
		if err != nil {
			if errors.Is(err, runner.ErrChatClosed) {
				s.writeChatFrame(ctx, conn, chatFrame{Type: "done"})
				conn.Close(websocket.StatusNormalClosure, "run finished")
			}
			return
		}
		if !s.writeChatFrame(ctx, conn, chatFrame{Type: "prompt", Content: prompt}) {
			return
		}

		var frame chatFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			s.log.Debug("websocket read failed", "run_id", run.ID, "error", err)
			return
		}
		if frame.Type != "message" {
			s.writeChatFrame(ctx, conn, chatFrame{Type: "error", Content: "expected a message frame"})
			return
		}
		if err := session.Post(ctx, frame.Content); err != nil {
			if errors.Is(err, runner.ErrChatClosed) {
				s.writeChatFrame(ctx, conn, chatFrame{Type: "done"})
				conn.Close(websocket.StatusNormalClosure, "run finished")
			}
			return
		}
	}
}

func (s *Server) writeChatFrame(ctx context.Context, conn *websocket.Conn, frame chatFrame) bool {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, frame); err != nil {
		s.log.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}
