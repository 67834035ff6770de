package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chatrelay/internal/gateway"
	"chatrelay/internal/ratelimit"
	"chatrelay/pkg/apperr"
	"chatrelay/pkg/types"
)

func (s *Server) userID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// bindOptionalJSON binds the body when one is present.
func bindOptionalJSON(c *gin.Context, dst interface{}) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.InvalidArgument("body", "invalid request body")
	}
	return nil
}

func bindJSON(c *gin.Context, dst interface{}) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return apperr.InvalidArgument("body", "invalid request body")
	}
	return nil
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, apperr.InvalidArgument("limit", "limit must be a positive integer")
	}
	return limit, nil
}

// POST /api/chat/conversations
func (s *Server) createConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}

	userID := s.userID(c)
	conv, err := s.Conversations.Create(c.Request.Context(), userID, req.Title, req.Model)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	s.Gateway.NotifyConversationCreated(userID, conv)
	c.JSON(http.StatusCreated, ConversationResponse{Conversation: conv})
}

// GET /api/chat/conversations
func (s *Server) listConversations(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	conversations, err := s.Conversations.ListRecent(c.Request.Context(), s.userID(c), limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ConversationListResponse{Conversations: conversations})
}

// GET /api/chat/conversations/:id
func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.Conversations.Get(c.Request.Context(), s.userID(c), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ConversationResponse{Conversation: conv})
}

// PATCH /api/chat/conversations/:id
func (s *Server) updateConversation(c *gin.Context) {
	var req UpdateConversationRequest
	if err := bindJSON(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}
	if req.Title == nil && req.Model == nil && req.Archived == nil {
		s.abortWithError(c, apperr.InvalidArgument("body", "nothing to update"))
		return
	}

	userID := s.userID(c)
	conv, err := s.Conversations.Update(c.Request.Context(), userID, c.Param("id"), types.ConversationUpdate{
		Title:    req.Title,
		Model:    req.Model,
		Archived: req.Archived,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	s.Gateway.NotifyConversationUpdated(userID, conv)
	c.JSON(http.StatusOK, ConversationResponse{Conversation: conv})
}

// DELETE /api/chat/conversations/:id
func (s *Server) deleteConversation(c *gin.Context) {
	userID := s.userID(c)
	conversationID := c.Param("id")

	if err := s.Conversations.Delete(c.Request.Context(), userID, conversationID); err != nil {
		s.abortWithError(c, err)
		return
	}

	s.Gateway.NotifyConversationDeleted(userID, conversationID)
	c.Status(http.StatusNoContent)
}

// GET /api/chat/conversations/:id/messages
func (s *Server) listMessages(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	messages, err := s.Conversations.ListMessages(c.Request.Context(), s.userID(c), c.Param("id"), limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageListResponse{Messages: messages})
}

// POST /api/chat/conversations/:id/messages
func (s *Server) sendMessage(c *gin.Context) {
	userID := s.userID(c)
	ctx := c.Request.Context()

	if err := s.enforceMessageLimit(ctx, userID, c.ClientIP()); err != nil {
		s.abortWithError(c, err)
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, apperr.InvalidArgument("content", "content is required"))
		return
	}

	// Persistence continues even if the client goes away mid-request.
	result, err := s.Gateway.SendUserMessage(context.WithoutCancel(ctx), gateway.SendRequest{
		UserID:         userID,
		ConversationID: c.Param("id"),
		Content:        req.Content,
		RequestID:      req.RequestID,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, SendMessageResponse{
		Message:      result.Message,
		Conversation: result.Conversation,
		Remaining:    result.Remaining,
	})
}

func (s *Server) enforceMessageLimit(ctx context.Context, userID, addr string) error {
	policy := s.Policies.Message()
	subject := ratelimit.Subject{Addr: addr}
	if policy.NeedsUser() && s.Users != nil {
		user, err := s.Users.EnsureUser(ctx, userID)
		if err != nil {
			return apperr.Persistence("load user", err)
		}
		subject.User = user
	}
	return s.Limiter.Enforce(ctx, policy, subject)
}

// GET /api/usage
func (s *Server) getUsage(c *gin.Context) {
	usage, err := s.Quota.Usage(c.Request.Context(), s.userID(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// GET /health
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Timestamp: time.Now().UTC(), Database: "healthy"}
	if s.Health != nil {
		if err := s.Health.HealthCheck(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Health check failed")
			resp.Status = "unhealthy"
			resp.Database = "unavailable"
		}
	}
	if s.Connections != nil {
		resp.Connections = s.Connections.Stats()
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
