package gateway

import (
	"net/http"

	"github.com/loomworks/loom/internal/membership"
)

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type authResponse struct {
	UserID int64  `json:"user_id"`
	Login  string `json:"login"`
	Token  string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}
	user, token, err := s.cfg.Auth.Register(r.Context(), req.Login, req.Password)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, authResponse{UserID: user.ID, Login: user.Login, Token: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, token, err := s.cfg.Auth.Login(r.Context(), req.Login, req.Password)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, authResponse{UserID: user.ID, Login: user.Login, Token: token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Auth.Logout(r.Context(), extractToken(r)); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

type groupView struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	OwnerID int64  `json:"owner_id"`
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.cfg.Membership.Groups(r.Context(), userFrom(r).ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupView{ID: g.ID, Name: g.Name, OwnerID: g.OwnerID})
	}
	writeJSON(w, map[string]any{"groups": out})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	group, err := s.cfg.Membership.CreateGroup(r.Context(), userFrom(r).ID, req.Name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, groupView{ID: group.ID, Name: group.Name, OwnerID: group.OwnerID})
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "group")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	if err := s.cfg.Membership.DeleteGroup(r.Context(), userFrom(r).ID, groupID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "group")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	groups, err := s.cfg.Membership.LeaveGroup(r.Context(), userFrom(r).ID, groupID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupView{ID: g.ID, Name: g.Name, OwnerID: g.OwnerID})
	}
	writeJSON(w, map[string]any{"groups": out})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "group")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	members, err := s.cfg.Membership.Members(r.Context(), userFrom(r).ID, groupID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"members": members})
}

type memberRequest struct {
	UserID int64 `json:"user_id"`
	membership.PermissionPatch
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "group")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	var req memberRequest
	if err := decodeBody(r, &req); err != nil || req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	members, err := s.cfg.Membership.AddMember(r.Context(), userFrom(r).ID, groupID, req.UserID, req.PermissionPatch)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"members": members})
}

func (s *Server) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "group")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	targetID, ok := pathID(r, "user")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var patch membership.PermissionPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	members, err := s.cfg.Membership.UpdateMember(r.Context(), userFrom(r).ID, groupID, targetID, patch)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"members": members})
}

func (s *Server) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(r, "group")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	targetID, ok := pathID(r, "user")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	members, err := s.cfg.Membership.DeleteMember(r.Context(), userFrom(r).ID, groupID, targetID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"members": members})
}
