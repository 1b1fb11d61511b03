package server

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/dontrlycare/m-essenger-server/internal/ws"
)

type ctxKey int

const userIDKey ctxKey = iota

func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.Handle("GET /api/users", s.authenticated(s.handleListUsers))
	mux.Handle("GET /api/users/{id}", s.authenticated(s.handleGetUser))
	mux.Handle("PATCH /api/users/me", s.authenticated(s.handleUpdateMe))

	mux.Handle("POST /api/conversations", s.authenticated(s.handleCreateConversation))
	mux.Handle("GET /api/conversations", s.authenticated(s.handleListConversations))
	mux.Handle("POST /api/conversations/{id}/participants", s.authenticated(s.handleAddParticipant))
	mux.Handle("GET /api/conversations/{id}/messages", s.authenticated(s.handleListMessages))

	// Websocket clients identify themselves in-band with an auth frame, so
	// the upgrade itself is unauthenticated.
	mux.HandleFunc("GET /ws", s.handleWS(ctx))

	return mux
}

// authenticated resolves the bearer token and stashes the caller's user id in
// the request context.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Validate(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, claims.UserID)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func requestUserID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// handleWS upgrades the connection and serves it until either side closes.
// The clients inherit the server's lifecycle context, so shutdown cancels
// every open connection.
func (s *Server) handleWS(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Upgrade(w, r)
		if err != nil {
			// Upgrade already replied to the client.
			s.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		client := ws.NewClient(ctx, conn, s.relay, s.log, ws.Config{
			ReadLimit:      s.cfg.WebSocket.ReadLimit,
			SendBufferSize: s.cfg.WebSocket.SendBufferSize,
			WriteTimeout:   s.cfg.WebSocket.WriteTimeout,
			PongTimeout:    s.cfg.WebSocket.PongTimeout,
		})
		client.Serve()
	}
}
