package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dontrlycare/m-essenger-server/internal/auth"
	"github.com/dontrlycare/m-essenger-server/internal/config"
	"github.com/dontrlycare/m-essenger-server/internal/relay"
	"github.com/dontrlycare/m-essenger-server/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	log := zap.NewNop()
	st, err := store.Open(t.TempDir(), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s := NewServer(config.Config{}, log, st, auth.NewTokenManager("test-secret", time.Hour))
	s.relay = relay.New(log, s.registry, st, relay.Options{})

	ts := httptest.NewServer(s.routes(context.Background()))
	t.Cleanup(ts.Close)
	return ts, s
}

func do(t *testing.T, method, rawURL, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, rawURL, err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func register(t *testing.T, baseURL, username string) (token, userID string) {
	t.Helper()
	resp := do(t, http.MethodPost, baseURL+"/api/auth/register", "", map[string]string{
		"username": username,
		"password": "correct-horse9",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	decodeInto(t, resp, &out)
	if out.Token == "" || out.User.ID == "" {
		t.Fatalf("register %s: incomplete response %+v", username, out)
	}
	return out.Token, out.User.ID
}

func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var out struct {
		Error string `json:"error"`
	}
	decodeInto(t, resp, &out)
	if out.Error == "" {
		t.Fatal("expected an error field in the response")
	}
	return out.Error
}

func TestRegisterAndLogin(t *testing.T) {
	ts, _ := newTestServer(t)

	_, aliceID := register(t, ts.URL, "alice")

	resp := do(t, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
		"username": "alice",
		"password": "another-pass1",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register: status %d", resp.StatusCode)
	}
	errorBody(t, resp)

	resp = do(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"username": "alice",
		"password": "correct-horse9",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	decodeInto(t, resp, &out)
	if out.Token == "" || out.User.ID != aliceID {
		t.Fatalf("unexpected login response: %+v", out)
	}

	// Wrong password and unknown username must be indistinguishable.
	wrongPass := do(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"username": "alice",
		"password": "not-the-password",
	})
	if wrongPass.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: status %d", wrongPass.StatusCode)
	}
	unknownUser := do(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"username": "nobody99",
		"password": "correct-horse9",
	})
	if unknownUser.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown user: status %d", unknownUser.StatusCode)
	}
	if errorBody(t, wrongPass) != errorBody(t, unknownUser) {
		t.Fatal("login failures must not reveal whether the account exists")
	}
}

func TestRegisterValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	cases := []map[string]string{
		{"username": "ab", "password": "long-enough-1"},
		{"username": "alice", "password": "short"},
		{"username": "bad name!", "password": "long-enough-1"},
		{"username": "", "password": ""},
	}
	for _, body := range cases {
		resp := do(t, http.MethodPost, ts.URL+"/api/auth/register", "", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("register %v: status %d", body, resp.StatusCode)
		}
		_ = resp.Body.Close()
	}
}

func TestPasswordHashNeverSerialized(t *testing.T) {
	ts, _ := newTestServer(t)

	token, aliceID := register(t, ts.URL, "alice")

	resp := do(t, http.MethodGet, ts.URL+"/api/users/"+aliceID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get user: status %d", resp.StatusCode)
	}
	var raw map[string]any
	decodeInto(t, resp, &raw)
	if _, leaked := raw["password_hash"]; leaked {
		t.Fatal("password hash leaked through the API")
	}
	if raw["username"] != "alice" {
		t.Fatalf("unexpected user payload: %v", raw)
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/users", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = do(t, http.MethodGet, ts.URL+"/api/users", "not-a-real-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestUserEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	aliceToken, _ := register(t, ts.URL, "alice")
	_, bobID := register(t, ts.URL, "bob")

	resp := do(t, http.MethodGet, ts.URL+"/api/users", aliceToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list users: status %d", resp.StatusCode)
	}
	var users []userDTO
	decodeInto(t, resp, &users)
	if len(users) != 2 || users[0].Username != "alice" || users[1].Username != "bob" {
		t.Fatalf("unexpected user list: %+v", users)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/users/"+bobID, aliceToken, nil)
	var bob userDTO
	decodeInto(t, resp, &bob)
	if bob.Username != "bob" || bob.Status != "offline" {
		t.Fatalf("unexpected user: %+v", bob)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/users/no-such-id", aliceToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown user: status %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = do(t, http.MethodPatch, ts.URL+"/api/users/me", aliceToken, map[string]string{
		"avatar_url": "https://cdn.example.com/alice.png",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update avatar: status %d", resp.StatusCode)
	}
	var me userDTO
	decodeInto(t, resp, &me)
	if me.AvatarURL != "https://cdn.example.com/alice.png" {
		t.Fatalf("avatar not updated: %+v", me)
	}
}

func TestConversationEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	aliceToken, aliceID := register(t, ts.URL, "alice")
	bobToken, bobID := register(t, ts.URL, "bob")
	_, carolID := register(t, ts.URL, "carol")
	daveToken, _ := register(t, ts.URL, "dave")

	resp := do(t, http.MethodPost, ts.URL+"/api/conversations", aliceToken, map[string]any{
		"name":         "pair",
		"participants": []string{bobID},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create conversation: status %d", resp.StatusCode)
	}
	var conv store.Conversation
	decodeInto(t, resp, &conv)
	if len(conv.Participants) != 2 {
		t.Fatalf("caller must be added to the participants: %+v", conv)
	}

	// Creating with nobody else fails, as does a ghost participant.
	resp = do(t, http.MethodPost, ts.URL+"/api/conversations", aliceToken, map[string]any{
		"participants": []string{aliceID},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("solo conversation: status %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	resp = do(t, http.MethodPost, ts.URL+"/api/conversations", aliceToken, map[string]any{
		"participants": []string{"no-such-user"},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ghost participant: status %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = do(t, http.MethodGet, ts.URL+"/api/conversations", bobToken, nil)
	var bobConvs []store.Conversation
	decodeInto(t, resp, &bobConvs)
	if len(bobConvs) != 1 || bobConvs[0].ID != conv.ID {
		t.Fatalf("unexpected conversation list: %+v", bobConvs)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/conversations", daveToken, nil)
	var daveConvs []store.Conversation
	decodeInto(t, resp, &daveConvs)
	if daveConvs == nil || len(daveConvs) != 0 {
		t.Fatalf("expected an empty list, got %+v", daveConvs)
	}

	resp = do(t, http.MethodPost, ts.URL+"/api/conversations/"+conv.ID+"/participants", aliceToken, map[string]string{
		"user_id": carolID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add participant: status %d", resp.StatusCode)
	}
	decodeInto(t, resp, &conv)
	if len(conv.Participants) != 3 {
		t.Fatalf("carol not added: %+v", conv)
	}

	resp = do(t, http.MethodPost, ts.URL+"/api/conversations/"+conv.ID+"/participants", daveToken, map[string]string{
		"user_id": carolID,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider adding participants: status %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = do(t, http.MethodPost, ts.URL+"/api/conversations/no-such-conv/participants", aliceToken, map[string]string{
		"user_id": carolID,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown conversation: status %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestMessagesEndpoint(t *testing.T) {
	ts, s := newTestServer(t)

	aliceToken, aliceID := register(t, ts.URL, "alice")
	_, bobID := register(t, ts.URL, "bob")
	daveToken, _ := register(t, ts.URL, "dave")

	resp := do(t, http.MethodPost, ts.URL+"/api/conversations", aliceToken, map[string]any{
		"participants": []string{bobID},
	})
	var conv store.Conversation
	decodeInto(t, resp, &conv)

	for _, content := range []string{"first", "second", "third"} {
		if _, err := s.store.CreateMessage(context.Background(), conv.ID, aliceID, content, ""); err != nil {
			t.Fatalf("seed message %q: %v", content, err)
		}
		time.Sleep(time.Millisecond)
	}

	listURL := ts.URL + "/api/conversations/" + conv.ID + "/messages"
	resp = do(t, http.MethodGet, listURL+"?limit=2", aliceToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list messages: status %d", resp.StatusCode)
	}
	var page struct {
		Messages   []store.Message `json:"messages"`
		NextCursor string          `json:"next_cursor"`
	}
	decodeInto(t, resp, &page)
	if len(page.Messages) != 2 || page.Messages[0].Content != "third" || page.Messages[1].Content != "second" {
		t.Fatalf("unexpected first page: %+v", page.Messages)
	}
	if page.NextCursor == "" {
		t.Fatal("expected a cursor for the next page")
	}

	query := url.Values{"limit": {"2"}, "before": {page.NextCursor}}
	resp = do(t, http.MethodGet, listURL+"?"+query.Encode(), aliceToken, nil)
	decodeInto(t, resp, &page)
	if len(page.Messages) != 1 || page.Messages[0].Content != "first" {
		t.Fatalf("unexpected second page: %+v", page.Messages)
	}

	query = url.Values{"limit": {"2"}, "before": {page.NextCursor}}
	resp = do(t, http.MethodGet, listURL+"?"+query.Encode(), aliceToken, nil)
	decodeInto(t, resp, &page)
	if len(page.Messages) != 0 {
		t.Fatalf("expected an exhausted page, got %+v", page.Messages)
	}

	resp = do(t, http.MethodGet, listURL+"?limit=zero", aliceToken, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = do(t, http.MethodGet, listURL, daveToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider reading messages: status %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}
