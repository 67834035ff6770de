package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/auth"
	"chatrelay/internal/conversation"
	"chatrelay/internal/database"
	"chatrelay/internal/gateway"
	"chatrelay/internal/quota"
	"chatrelay/internal/ratelimit"
	"chatrelay/pkg/apperr"
	dbconfig "chatrelay/pkg/database"
	"chatrelay/pkg/types"
)

const testSecret = "test-secret"

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *recordingBroadcaster) Broadcast(room string, event types.Event) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return 1, nil
}

func (b *recordingBroadcaster) BroadcastRooms(rooms []string, event types.Event) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return 1, nil
}

func (b *recordingBroadcaster) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type staticStats map[string]int

func (s staticStats) Stats() map[string]int { return s }

type testServer struct {
	server   *Server
	manager  *database.Manager
	verifier *auth.JWTVerifier
	rooms    *recordingBroadcaster
}

func newTestServer(t *testing.T, policies ratelimit.Policies) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "api.db")
	manager, err := database.NewManager(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	require.NoError(t, dbconfig.NewMigrationManager(manager.GetDB(), zerolog.Nop()).ApplyMigrations())

	store := conversation.NewStore(manager, conversation.DefaultLimits(), "", zerolog.Nop())
	ledger := quota.NewLedger(manager, quota.Config{DailyLimit: 2}, zerolog.Nop())
	rooms := &recordingBroadcaster{}

	gw := gateway.NewGateway(store, ledger, rooms, zerolog.Nop())
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() { _ = gw.Stop() })

	verifier, err := auth.NewJWTVerifier(testSecret, "", 0)
	require.NoError(t, err)

	policies.Normalize()
	server := NewServer(Deps{
		Conversations: store,
		Gateway:       gw,
		Quota:         ledger,
		Authenticator: auth.NewAuthenticator(verifier, manager, zerolog.Nop()),
		Limiter:       ratelimit.NewLimiter(ratelimit.NewMemoryStore(), zerolog.Nop()),
		Policies:      policies,
		Users:         manager,
		Health:        manager,
		Connections:   staticStats{"total_connections": 3},
	}, Config{}, zerolog.Nop())

	return &testServer{server: server, manager: manager, verifier: verifier, rooms: rooms}
}

func (ts *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := ts.verifier.Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:4321"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, ratelimit.DefaultPolicies())

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 3, resp.Connections["total_connections"])
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t, ratelimit.DefaultPolicies())

	ts.do(t, http.MethodGet, "/health", "", nil)
	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatrelay_http_requests_total")
}

func TestServer_RequiresAuth(t *testing.T) {
	ts := newTestServer(t, ratelimit.DefaultPolicies())

	rec := ts.do(t, http.MethodGet, "/api/chat/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperr.CodeUnauthenticated, decode[ErrorResponse](t, rec).Error.Code)

	rec = ts.do(t, http.MethodGet, "/api/chat/conversations", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_FailedAuthIsThrottled(t *testing.T) {
	policies := ratelimit.DefaultPolicies()
	policies.Auth.Max = 2
	ts := newTestServer(t, policies)

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodGet, "/api/usage", "bad", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/usage", "bad", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, apperr.CodeRateLimited, decode[ErrorResponse](t, rec).Error.Code)

	// A valid token from the same address is refused while blocked.
	rec = ts.do(t, http.MethodGet, "/api/usage", ts.token(t, "alice"), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_ConversationLifecycle(t *testing.T) {
	ts := newTestServer(t, ratelimit.DefaultPolicies())
	alice := ts.token(t, "alice")

	rec := ts.do(t, http.MethodPost, "/api/chat/conversations", alice, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[ConversationResponse](t, rec).Conversation
	assert.Equal(t, types.DefaultConversationTitle, created.Title)
	assert.Equal(t, "alice", created.OwnerID)
	assert.Equal(t, 1, ts.rooms.count(types.EventConversationCreated))

	rec = ts.do(t, http.MethodPost, "/api/chat/conversations", alice, CreateConversationRequest{Title: "Trip", Model: "gpt-4"})
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decode[ConversationResponse](t, rec).Conversation
	assert.Equal(t, "gpt-4", second.Model)

	rec = ts.do(t, http.MethodGet, "/api/chat/conversations", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ConversationListResponse](t, rec).Conversations
	require.Len(t, list, 2)
	assert.ElementsMatch(t, []string{created.ID, second.ID}, []string{list[0].ID, list[1].ID})

	rec = ts.do(t, http.MethodGet, "/api/chat/conversations?limit=1", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ConversationListResponse](t, rec).Conversations, 1)

	title := "Renamed"
	rec = ts.do(t, http.MethodPatch, "/api/chat/conversations/"+created.ID, alice, UpdateConversationRequest{Title: &title})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed", decode[ConversationResponse](t, rec).Conversation.Title)
	assert.Equal(t, 1, ts.rooms.count(types.EventConversationUpdated))

	rec = ts.do(t, http.MethodGet, "/api/chat/conversations/"+created.ID, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/chat/conversations/"+created.ID, alice, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, ts.rooms.count(types.EventConversationDeleted))

	rec = ts.do(t, http.MethodGet, "/api/chat/conversations/"+created.ID, alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_OwnershipIsolation(t *testing.T) {
	ts := newTestServer(t, ratelimit.DefaultPolicies())

	rec := ts.do(t, http.MethodPost, "/api/chat/conversations", ts.token(t, "alice"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decode[ConversationResponse](t, rec).Conversation

	mallory := ts.token(t, "mallory")
	for _, tc := range []struct {
		method string
		path   string
		body   interface{}
	}{
		{http.MethodGet, "/api/chat/conversations/" + conv.ID, nil},
		{http.MethodDelete, "/api/chat/conversations/" + conv.ID, nil},
		{http.MethodGet, "/api/chat/conversations/" + conv.ID + "/messages", nil},
		{http.MethodPost, "/api/chat/conversations/" + conv.ID + "/messages", SendMessageRequest{Content: "hi"}},
	} {
		rec := ts.do(t, tc.method, tc.path, mallory, tc.body)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}

	rec = ts.do(t, http.MethodGet, "/api/chat/conversations", mallory, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ConversationListResponse](t, rec).Conversations)

	rec = ts.do(t, http.MethodGet, "/api/usage", mallory, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[types.UsageSnapshot](t, rec).DailyPrompts)
}

func TestServer_SendMessageAndQuota(t *testing.T) {
	ts := newTestServer(t, ratelimit.DefaultPolicies())
	alice := ts.token(t, "alice")

	rec := ts.do(t, http.MethodPost, "/api/chat/conversations", alice, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decode[ConversationResponse](t, rec).Conversation
	path := "/api/chat/conversations/" + conv.ID + "/messages"

	rec = ts.do(t, http.MethodPost, path, alice, SendMessageRequest{Content: "Plan a trip to Lisbon"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sent := decode[SendMessageResponse](t, rec)
	assert.Equal(t, types.RoleUser, sent.Message.Role)
	assert.Equal(t, types.Remaining{Count: 1}, sent.Remaining)
	assert.Equal(t, "Plan a trip to Lisbon", sent.Conversation.Title)
	assert.Equal(t, 1, sent.Conversation.Metadata.MessageCount)

	rec = ts.do(t, http.MethodPost, path, alice, SendMessageRequest{Content: "   "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "content", decode[ErrorResponse](t, rec).Error.Field)

	rec = ts.do(t, http.MethodPost, path, alice, SendMessageRequest{Content: "second"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, path, alice, SendMessageRequest{Content: "third"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode[ErrorResponse](t, rec).Error
	assert.Equal(t, apperr.CodeQuotaExceeded, body.Code)
	require.NotNil(t, body.Remaining)
	assert.Equal(t, 0, *body.Remaining)
	assert.NotNil(t, body.ResetAt)

	rec = ts.do(t, http.MethodGet, path, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decode[MessageListResponse](t, rec).Messages
	require.Len(t, messages, 2)
	assert.Equal(t, "Plan a trip to Lisbon", messages[0].Content)

	rec = ts.do(t, http.MethodGet, "/api/usage", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decode[types.UsageSnapshot](t, rec)
	assert.Equal(t, 2, usage.DailyPrompts)
	assert.Equal(t, types.Remaining{Count: 0}, usage.Remaining)
}

func TestServer_MessageRateLimit(t *testing.T) {
	policies := ratelimit.DefaultPolicies()
	policies.MessagePerMinute.Max = 1
	ts := newTestServer(t, policies)
	alice := ts.token(t, "alice")

	rec := ts.do(t, http.MethodPost, "/api/chat/conversations", alice, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	path := "/api/chat/conversations/" + decode[ConversationResponse](t, rec).Conversation.ID + "/messages"

	rec = ts.do(t, http.MethodPost, path, alice, SendMessageRequest{Content: "one"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, path, alice, SendMessageRequest{Content: "two"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, apperr.CodeRateLimited, decode[ErrorResponse](t, rec).Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestServer_InvalidInput(t *testing.T) {
	ts := newTestServer(t, ratelimit.DefaultPolicies())
	alice := ts.token(t, "alice")

	rec := ts.do(t, http.MethodGet, "/api/chat/conversations?limit=abc", alice, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "limit", decode[ErrorResponse](t, rec).Error.Field)

	rec = ts.do(t, http.MethodPost, "/api/chat/conversations", alice, CreateConversationRequest{Title: strings.Repeat("t", 101)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/chat/conversations", alice, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[ConversationResponse](t, rec).Conversation.ID

	rec = ts.do(t, http.MethodPatch, "/api/chat/conversations/"+id, alice, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	blank := "  "
	rec = ts.do(t, http.MethodPatch, "/api/chat/conversations/"+id, alice, UpdateConversationRequest{Title: &blank})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CORS(t *testing.T) {
	ts := newTestServer(t, ratelimit.DefaultPolicies())
	ts.server.cfg.AllowedOrigins = []string{"https://app.example.com"}

	req := httptest.NewRequest(http.MethodOptions, "/api/chat/conversations", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/chat/conversations", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
