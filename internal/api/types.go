package api

import (
	"time"

	"chatrelay/pkg/apperr"
	"chatrelay/pkg/types"
)

// Request and response bodies
type (
	CreateConversationRequest struct {
		Title string `json:"title" binding:"max=400"`
		Model string `json:"model" binding:"max=100"`
	}

	UpdateConversationRequest struct {
		Title    *string `json:"title"`
		Model    *string `json:"model" binding:"omitempty,max=100"`
		Archived *bool   `json:"archived"`
	}

	SendMessageRequest struct {
		Content   string `json:"content" binding:"required"`
		RequestID string `json:"request_id" binding:"max=128"`
	}

	ConversationResponse struct {
		Conversation *types.Conversation `json:"conversation"`
	}

	ConversationListResponse struct {
		Conversations []*types.Conversation `json:"conversations"`
	}

	MessageListResponse struct {
		Messages []*types.Message `json:"messages"`
	}

	SendMessageResponse struct {
		Message      *types.Message      `json:"message"`
		Conversation *types.Conversation `json:"conversation"`
		Remaining    types.Remaining     `json:"remaining"`
	}

	HealthResponse struct {
		Status      string         `json:"status"`
		Timestamp   time.Time      `json:"timestamp"`
		Database    string         `json:"database"`
		Connections map[string]int `json:"connections,omitempty"`
	}

	ErrorResponse struct {
		Error apperr.Body `json:"error"`
	}
)
