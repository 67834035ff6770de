package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/api"
	"chatrelay/internal/config"
	"chatrelay/pkg/apperr"
	"chatrelay/pkg/types"
)

func TestChatFlow_AssistantReplyReachesEveryDevice(t *testing.T) {
	sys := startSystem(t, nil)
	alice := sys.token(t, "alice")

	laptop := sys.dial(t, alice)
	phone := sys.dial(t, alice)

	var created api.ConversationResponse
	require.Equal(t, http.StatusCreated, sys.request(t, http.MethodPost, "/api/chat/conversations", alice, nil, &created))
	conv := created.Conversation
	assert.Equal(t, types.DefaultConversationTitle, conv.Title)

	// Sidebar notification reaches both devices through the user room.
	readUntil(t, laptop, isType(types.EventConversationCreated))
	readUntil(t, phone, isType(types.EventConversationCreated))

	send(t, laptop, map[string]string{"type": "join_conversation", "conversation_id": conv.ID})
	send(t, phone, map[string]string{"type": "join_conversation", "conversation_id": conv.ID})
	readUntil(t, laptop, isType(types.EventJoinedConversation))
	readUntil(t, phone, isType(types.EventJoinedConversation))

	send(t, laptop, map[string]string{
		"type":            "send_message",
		"conversation_id": conv.ID,
		"content":         "explain recursion",
		"request_id":      "req-1",
	})

	laptopSeen := countNewMessages(t, laptop)
	phoneSeen := countNewMessages(t, phone)

	userEvent := laptopSeen.readUntil(isMessageFrom(t, types.RoleUser))
	assert.Equal(t, "req-1", userEvent.RequestID)
	userMsg := decodeMessage(t, userEvent)
	assert.Equal(t, "explain recursion", userMsg.Message.Content)
	assert.Equal(t, 1, userMsg.Conversation.Metadata.MessageCount)

	laptopReply := decodeMessage(t, laptopSeen.readUntil(isMessageFrom(t, types.RoleAssistant)))
	phoneReply := decodeMessage(t, phoneSeen.readUntil(isMessageFrom(t, types.RoleAssistant)))
	assert.Equal(t, laptopReply.Message.ID, phoneReply.Message.ID)

	// Both devices sit in the user room and the conversation room; each
	// message still arrives exactly once per device.
	want := map[string]int{userMsg.Message.ID: 1, laptopReply.Message.ID: 1}
	assert.Equal(t, want, laptopSeen.drain())
	assert.Equal(t, want, phoneSeen.drain())
	assert.Equal(t, "model-a", laptopReply.Message.Model)
	assert.Equal(t, 42, laptopReply.Message.TokenCount)
	assert.Equal(t, 2, laptopReply.Conversation.Metadata.MessageCount)
	assert.Equal(t, 42, laptopReply.Conversation.Metadata.TotalTokens)

	var fetched api.ConversationResponse
	require.Equal(t, http.StatusOK, sys.request(t, http.MethodGet, "/api/chat/conversations/"+conv.ID, alice, nil, &fetched))
	assert.Equal(t, 2, fetched.Conversation.Metadata.MessageCount)
	assert.Equal(t, 42, fetched.Conversation.Metadata.TotalTokens)
	assert.Equal(t, "explain recursion", fetched.Conversation.Title)

	var history api.MessageListResponse
	require.Equal(t, http.StatusOK, sys.request(t, http.MethodGet, "/api/chat/conversations/"+conv.ID+"/messages", alice, nil, &history))
	require.Len(t, history.Messages, 2)
	assert.Equal(t, types.RoleUser, history.Messages[0].Role)
	assert.Empty(t, history.Messages[0].Model)
	assert.Equal(t, types.RoleAssistant, history.Messages[1].Role)
	assert.Equal(t, "model-a", history.Messages[1].Model)

	assert.Equal(t, int32(1), sys.llmCalls.Load())
}

func TestChatFlow_OwnershipIsolation(t *testing.T) {
	sys := startSystem(t, nil)
	alice := sys.token(t, "alice")

	var created api.ConversationResponse
	require.Equal(t, http.StatusCreated, sys.request(t, http.MethodPost, "/api/chat/conversations", alice, nil, &created))

	mallory := sys.dial(t, sys.token(t, "mallory"))
	send(t, mallory, map[string]string{"type": "join_conversation", "conversation_id": created.Conversation.ID, "request_id": "j1"})
	event := readUntil(t, mallory, isType(types.EventError))
	assert.Equal(t, "j1", event.RequestID)
	assert.Equal(t, string(apperr.CodeNotFound), errorCode(t, event))

	send(t, mallory, map[string]string{"type": "send_message", "conversation_id": created.Conversation.ID, "content": "hi"})
	assert.Equal(t, string(apperr.CodeNotFound), errorCode(t, readUntil(t, mallory, isType(types.EventError))))

	var history api.MessageListResponse
	require.Equal(t, http.StatusOK, sys.request(t, http.MethodGet, "/api/chat/conversations/"+created.Conversation.ID+"/messages", alice, nil, &history))
	assert.Empty(t, history.Messages)
}

func TestChatFlow_DailyQuota(t *testing.T) {
	sys := startSystem(t, func(cfg *config.Config) {
		cfg.Quota.DailyFreeLimit = 2
		cfg.Assistant.Enabled = false
	})
	alice := sys.token(t, "alice")

	var created api.ConversationResponse
	require.Equal(t, http.StatusCreated, sys.request(t, http.MethodPost, "/api/chat/conversations", alice, nil, &created))
	path := "/api/chat/conversations/" + created.Conversation.ID + "/messages"

	var sent api.SendMessageResponse
	require.Equal(t, http.StatusCreated, sys.request(t, http.MethodPost, path, alice, api.SendMessageRequest{Content: "one"}, &sent))
	assert.Equal(t, types.Remaining{Count: 1}, sent.Remaining)

	conn := sys.dial(t, alice)
	send(t, conn, map[string]string{"type": "send_message", "conversation_id": created.Conversation.ID, "content": "two"})
	readUntil(t, conn, isMessageFrom(t, types.RoleUser))

	send(t, conn, map[string]string{"type": "send_message", "conversation_id": created.Conversation.ID, "content": "three", "request_id": "q3"})
	event := readUntil(t, conn, isType(types.EventError))
	assert.Equal(t, "q3", event.RequestID)
	assert.Equal(t, string(apperr.CodeQuotaExceeded), errorCode(t, event))

	assert.Equal(t, http.StatusTooManyRequests, sys.request(t, http.MethodPost, path, alice, api.SendMessageRequest{Content: "four"}, nil))

	var usage types.UsageSnapshot
	require.Equal(t, http.StatusOK, sys.request(t, http.MethodGet, "/api/usage", alice, nil, &usage))
	assert.Equal(t, 2, usage.DailyPrompts)
	assert.Equal(t, 2, usage.TotalPrompts)
	assert.True(t, usage.ResetsAt.After(time.Now()))
}

func TestChatFlow_RejectsUnauthenticatedSocket(t *testing.T) {
	sys := startSystem(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(sys.wsURL+"?token=forged", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
