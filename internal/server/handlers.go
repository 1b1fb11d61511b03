package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/dontrlycare/m-essenger-server/internal/auth"
	"github.com/dontrlycare/m-essenger-server/internal/store"
)

// userDTO is the public shape of an account. The password hash never leaves
// the store layer.
type userDTO struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserDTO(u store.User) userDTO {
	return userDTO{
		ID:        u.ID,
		Username:  u.Username,
		AvatarURL: u.AvatarURL,
		Status:    u.Status,
		CreatedAt: u.CreatedAt,
	}
}

type authResponse struct {
	Token string  `json:"token"`
	User  userDTO `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := auth.ValidateCredentials(creds); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(creds.Password)
	if err != nil {
		s.internalError(w, "hash password", err)
		return
	}
	user, err := s.store.CreateUser(r.Context(), creds.Username, hash)
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			s.writeError(w, http.StatusConflict, "username already taken")
			return
		}
		s.internalError(w, "create user", err)
		return
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.internalError(w, "issue token", err)
		return
	}

	s.log.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	s.writeJSON(w, http.StatusCreated, authResponse{Token: token, User: toUserDTO(user)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// A wrong username and a wrong password answer identically so logins
	// cannot be used to probe which accounts exist.
	user, err := s.store.UserByUsername(r.Context(), creds.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.internalError(w, "lookup user", err)
		return
	}
	match, err := auth.ComparePassword(creds.Password, user.PasswordHash)
	if err != nil || !match {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.internalError(w, "issue token", err)
		return
	}

	s.writeJSON(w, http.StatusOK, authResponse{Token: token, User: toUserDTO(user)})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.internalError(w, "list users", err)
		return
	}
	s.writeJSON(w, http.StatusOK, lo.Map(users, func(u store.User, _ int) userDTO {
		return toUserDTO(u)
	}))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.UserByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.internalError(w, "fetch user", err)
		return
	}
	s.writeJSON(w, http.StatusOK, toUserDTO(user))
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.UpdateUserAvatar(r.Context(), requestUserID(r), req.AvatarURL)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.internalError(w, "update avatar", err)
		return
	}
	s.writeJSON(w, http.StatusOK, toUserDTO(user))
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		IsGroup      bool     `json:"is_group"`
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	callerID := requestUserID(r)
	if !lo.Contains(req.Participants, callerID) {
		req.Participants = append(req.Participants, callerID)
	}
	if len(lo.Uniq(req.Participants)) < 2 {
		s.writeError(w, http.StatusBadRequest, "at least one other participant required")
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), req.Name, req.IsGroup, req.Participants)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "participant not found")
			return
		}
		s.internalError(w, "create conversation", err)
		return
	}

	s.log.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.Int("participants", len(conv.Participants)),
		zap.Bool("group", conv.IsGroup))
	s.writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ConversationsForUser(r.Context(), requestUserID(r))
	if err != nil {
		s.internalError(w, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	s.writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	convID := r.PathValue("id")
	if !s.requireParticipant(w, r, convID) {
		return
	}

	conv, err := s.store.AddParticipant(r.Context(), convID, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "participant not found")
			return
		}
		s.internalError(w, "add participant", err)
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

type messagePage struct {
	Messages   []store.Message `json:"messages"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	if !s.requireParticipant(w, r, convID) {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	messages, next, err := s.store.Messages(r.Context(), convID, limit, r.URL.Query().Get("before"))
	if err != nil {
		s.internalError(w, "list messages", err)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	s.writeJSON(w, http.StatusOK, messagePage{Messages: messages, NextCursor: next})
}

// requireParticipant answers false and writes the response when the caller
// may not touch the conversation.
func (s *Server) requireParticipant(w http.ResponseWriter, r *http.Request, convID string) bool {
	conv, err := s.store.ConversationByID(r.Context(), convID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "conversation not found")
			return false
		}
		s.internalError(w, "fetch conversation", err)
		return false
	}
	if !lo.Contains(conv.Participants, requestUserID(r)) {
		s.writeError(w, http.StatusForbidden, "not a conversation participant")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
