package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/app"
	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/pkg/types"
)

const jwtSecret = "integration-secret"

type wireEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
}

type messageData struct {
	Message      types.Message      `json:"message"`
	Conversation types.Conversation `json:"conversation"`
}

// system is a running service plus a fake completion backend.
type system struct {
	app      *app.Application
	baseURL  string
	wsURL    string
	verifier *auth.JWTVerifier
	llmCalls atomic.Int32
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func startSystem(t *testing.T, mutate func(*config.Config)) *system {
	t.Helper()
	sys := &system{}

	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sys.llmCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Model: "model-a",
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "Recursion is a function calling itself."},
			}},
			Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 42, TotalTokens: 52},
		})
	}))
	t.Cleanup(llm.Close)

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	cfg.API.Mode = "test"
	cfg.Database.DatabasePath = filepath.Join(t.TempDir(), "integration.db")
	cfg.Auth.JWTSecret = jwtSecret
	cfg.Assistant.Enabled = true
	cfg.Assistant.BaseURL = llm.URL + "/v1"
	cfg.Assistant.APIKey = "test-key"
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	application, err := app.NewApplication(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, application.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(stopCtx)
	})

	verifier, err := auth.NewJWTVerifier(jwtSecret, "", 0)
	require.NoError(t, err)

	sys.app = application
	sys.baseURL = "http://" + application.Addr()
	sys.wsURL = "ws://" + application.Addr() + "/ws"
	sys.verifier = verifier
	return sys
}

func (s *system) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.verifier.Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *system) request(t *testing.T, method, path, token string, body interface{}, out interface{}) int {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req, err := http.NewRequest(method, s.baseURL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *system) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL, http.Header{"Authorization": []string{"Bearer " + token}})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	event := readEvent(t, conn)
	require.Equal(t, types.EventConnected, event.Type)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event wireEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

// readUntil reads events until match returns true and returns that event.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wireEvent) bool) wireEvent {
	t.Helper()
	for i := 0; i < 50; i++ {
		event := readEvent(t, conn)
		if match(event) {
			return event
		}
	}
	t.Fatal("expected event never arrived")
	return wireEvent{}
}

// newMessageCounter tallies new_message events by message id for one socket.
type newMessageCounter struct {
	t      *testing.T
	conn   *websocket.Conn
	counts map[string]int
}

func countNewMessages(t *testing.T, conn *websocket.Conn) *newMessageCounter {
	return &newMessageCounter{t: t, conn: conn, counts: make(map[string]int)}
}

func (c *newMessageCounter) readUntil(match func(wireEvent) bool) wireEvent {
	c.t.Helper()
	return readUntil(c.t, c.conn, func(e wireEvent) bool {
		if e.Type == types.EventNewMessage {
			c.counts[decodeMessage(c.t, e).Message.ID]++
		}
		return match(e)
	})
}

// drain pings the server and reads until the pong. Replies share the socket's
// queue with broadcasts, so everything sent before the ping has arrived.
func (c *newMessageCounter) drain() map[string]int {
	c.t.Helper()
	send(c.t, c.conn, map[string]string{"type": "ping", "request_id": "drain"})
	c.readUntil(func(e wireEvent) bool { return e.Type == types.EventPong && e.RequestID == "drain" })
	return c.counts
}

func isType(eventType string) func(wireEvent) bool {
	return func(e wireEvent) bool { return e.Type == eventType }
}

func isMessageFrom(t *testing.T, role string) func(wireEvent) bool {
	return func(e wireEvent) bool {
		if e.Type != types.EventNewMessage {
			return false
		}
		var data messageData
		require.NoError(t, json.Unmarshal(e.Data, &data))
		return data.Message.Role == role
	}
}

func decodeMessage(t *testing.T, e wireEvent) messageData {
	t.Helper()
	var data messageData
	require.NoError(t, json.Unmarshal(e.Data, &data))
	return data
}

func errorCode(t *testing.T, e wireEvent) string {
	t.Helper()
	require.Equal(t, types.EventError, e.Type)
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(e.Data, &body))
	return body.Code
}

