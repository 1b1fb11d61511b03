package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

type clientConfig struct {
	serverURL string
	username  string
	password  string
	peer      string
	role      string
	content   string
	timeout   time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock client failed: %v", err)
	}
	log.Printf("mock client role %s completed as %s", cfg.role, cfg.username)
}

func parseConfig() clientConfig {
	var cfg clientConfig
	flag.StringVar(&cfg.serverURL, "server", "http://127.0.0.1:8080", "Base URL of the messenger server")
	flag.StringVar(&cfg.username, "username", "", "Account username (defaults per role)")
	flag.StringVar(&cfg.password, "password", "mock-client-pass1", "Account password")
	flag.StringVar(&cfg.peer, "peer", "", "Peer username to chat with (defaults per role)")
	flag.StringVar(&cfg.role, "role", "sender", "Role for this client (sender|receiver)")
	flag.StringVar(&cfg.content, "content", "integration message", "Message content to relay")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the chat flow")
	flag.Parse()

	switch cfg.role {
	case "sender", "receiver":
	default:
		log.Fatalf("unsupported role %s (expected sender or receiver)", cfg.role)
	}

	if cfg.username == "" {
		cfg.username = defaultName(cfg.role)
	}
	if cfg.peer == "" {
		cfg.peer = defaultName(peerRole(cfg.role))
	}
	return cfg
}

func run(cfg clientConfig) error {
	deadline := time.Now().Add(cfg.timeout)

	token, userID, err := signIn(cfg)
	if err != nil {
		return err
	}
	log.Printf("signed in as %s (%s)", cfg.username, userID)

	conn, err := dialWS(cfg.serverURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := authenticate(conn, userID); err != nil {
		return err
	}

	if cfg.role == "sender" {
		return runSender(cfg, conn, token, userID, deadline)
	}
	return runReceiver(cfg, conn, deadline)
}

// signIn registers the account, falling back to login when it already exists.
func signIn(cfg clientConfig) (string, string, error) {
	creds := map[string]string{"username": cfg.username, "password": cfg.password}
	var out struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}

	status, err := postJSON(cfg.serverURL, "/api/auth/register", "", creds, &out)
	if err != nil {
		return "", "", err
	}
	if status == http.StatusConflict {
		status, err = postJSON(cfg.serverURL, "/api/auth/login", "", creds, &out)
		if err != nil {
			return "", "", err
		}
	}
	if out.Token == "" || out.User.ID == "" {
		return "", "", fmt.Errorf("sign in as %s: status %d", cfg.username, status)
	}
	return out.Token, out.User.ID, nil
}

func dialWS(serverURL string) (*websocket.Conn, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	_ = resp.Body.Close()
	return conn, nil
}

func authenticate(conn *websocket.Conn, userID string) error {
	if err := writeFrame(conn, map[string]string{"type": "auth", "userId": userID}); err != nil {
		return err
	}
	frame, err := readFrame(conn, time.Now().Add(5*time.Second))
	if err != nil {
		return fmt.Errorf("await auth ack: %w", err)
	}
	if frame["type"] != "auth_success" {
		return fmt.Errorf("expected auth_success, got %v", frame)
	}
	return nil
}

func runSender(cfg clientConfig, conn *websocket.Conn, token, userID string, deadline time.Time) error {
	peerID, err := lookupPeer(cfg, token, deadline)
	if err != nil {
		return err
	}
	convID, err := createConversation(cfg, token, peerID)
	if err != nil {
		return err
	}
	if err := waitOnline(cfg, token, peerID, deadline); err != nil {
		return err
	}

	err = writeFrame(conn, map[string]string{
		"type":           "message",
		"conversationId": convID,
		"senderId":       userID,
		"content":        cfg.content,
	})
	if err != nil {
		return err
	}
	log.Printf("sent message on conversation %s", convID)

	// The protocol has no delivery ack for the sender; only an error frame
	// would come back. Presence and typing frames may arrive in between.
	for {
		frame, err := readFrame(conn, time.Now().Add(2*time.Second))
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil
			}
			return fmt.Errorf("await send outcome: %w", err)
		}
		switch frame["type"] {
		case "error":
			return fmt.Errorf("server rejected message: %v", frame["error"])
		default:
			continue
		}
	}
}

func runReceiver(cfg clientConfig, conn *websocket.Conn, deadline time.Time) error {
	for time.Now().Before(deadline) {
		frame, err := readFrame(conn, deadline)
		if err != nil {
			return fmt.Errorf("await message: %w", err)
		}
		switch frame["type"] {
		case "new_message":
			if frame["content"] != cfg.content {
				return fmt.Errorf("received content mismatch: %q vs %q", frame["content"], cfg.content)
			}
			log.Printf("received message from %v", frame["sender_username"])
			return nil
		case "error":
			return fmt.Errorf("error frame: %v", frame["error"])
		default:
			continue
		}
	}
	return errors.New("timed out waiting for the message")
}

// lookupPeer polls the user directory until the peer account appears.
func lookupPeer(cfg clientConfig, token string, deadline time.Time) (string, error) {
	for time.Now().Before(deadline) {
		var users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		}
		status, err := getJSON(cfg.serverURL, "/api/users", token, &users)
		if err != nil {
			return "", err
		}
		if status == http.StatusOK {
			for _, u := range users {
				if u.Username == cfg.peer {
					return u.ID, nil
				}
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return "", fmt.Errorf("peer %s never registered", cfg.peer)
}

func waitOnline(cfg clientConfig, token, peerID string, deadline time.Time) error {
	for time.Now().Before(deadline) {
		var user struct {
			Status string `json:"status"`
		}
		status, err := getJSON(cfg.serverURL, "/api/users/"+peerID, token, &user)
		if err != nil {
			return err
		}
		if status == http.StatusOK && user.Status == "online" {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("peer %s never came online", cfg.peer)
}

func createConversation(cfg clientConfig, token, peerID string) (string, error) {
	var conv struct {
		ID string `json:"id"`
	}
	status, err := postJSON(cfg.serverURL, "/api/conversations", token, map[string]any{
		"participants": []string{peerID},
	}, &conv)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("create conversation: status %d", status)
	}
	return conv.ID, nil
}

func writeFrame(conn *websocket.Conn, frame any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func readFrame(conn *websocket.Conn, deadline time.Time) (map[string]any, error) {
	_ = conn.SetReadDeadline(deadline)
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", raw, err)
	}
	return m, nil
}

func postJSON(base, path, token string, body, out any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(req, token, out)
}

func getJSON(base, path, token string, out any) (int, error) {
	req, err := http.NewRequest(http.MethodGet, base+path, nil)
	if err != nil {
		return 0, err
	}
	return doJSON(req, token, out)
}

func doJSON(req *http.Request, token string, out any) (int, error) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func defaultName(role string) string {
	if role == "receiver" {
		return "mockreceiver"
	}
	return "mocksender"
}

func peerRole(role string) string {
	if role == "receiver" {
		return "sender"
	}
	return "receiver"
}
