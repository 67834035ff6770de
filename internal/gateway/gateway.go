package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/assistant"
	"chatrelay/internal/metrics"
	"chatrelay/pkg/apperr"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Store is the conversation API the gateway drives.
type Store interface {
	interfaces.ConversationStore
	interfaces.OwnershipChecker
	ValidateContent(content string) error
	RecentMessages(ctx context.Context, ownerID, conversationID string, limit int) ([]*types.Message, error)
}

// SendRequest is a user message arriving from any transport
type SendRequest struct {
	UserID         string
	ConversationID string
	Content        string
	RequestID      string
}

// SendResult describes a persisted user message. BroadcastErr is set when
// live fanout failed; the message is stored regardless.
type SendResult struct {
	Message      *types.Message
	Conversation *types.Conversation
	Remaining    types.Remaining
	BroadcastErr error
	ReplyQueued  bool
}

// MessagePayload is the data of a new_message event
type MessagePayload struct {
	Message      *types.Message      `json:"message"`
	Conversation *types.Conversation `json:"conversation"`
	Remaining    *types.Remaining    `json:"remaining,omitempty"`
}

// AssistantErrorPayload is the data of an assistant_error event
type AssistantErrorPayload struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// ConversationDeletedPayload is the data of a conversation_deleted event
type ConversationDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
}

type replyJob struct {
	userID         string
	conversationID string
	requestID      string
}

// Gateway runs the send pipeline: validate, check ownership, consume quota,
// persist, then fan out. Assistant replies are produced asynchronously by a
// small worker pool fed through a buffered channel.
type Gateway struct {
	store  Store
	ledger interfaces.QuotaLedger
	rooms  interfaces.Broadcaster

	responder    assistant.Responder
	historyLimit int
	replyTimeout time.Duration
	workers      int
	replyChannel chan replyJob

	shutdownChannel chan struct{}
	wg              sync.WaitGroup
	running         bool
	mu              sync.RWMutex
	log             zerolog.Logger
}

// NewGateway creates a gateway without an assistant
func NewGateway(store Store, ledger interfaces.QuotaLedger, rooms interfaces.Broadcaster, log zerolog.Logger) *Gateway {
	return &Gateway{
		store:  store,
		ledger: ledger,
		rooms:  rooms,
		log:    log.With().Str("component", "gateway").Logger(),
	}
}

// WithResponder enables assistant replies. Must be called before Start.
func (g *Gateway) WithResponder(responder assistant.Responder, cfg assistant.Config) *Gateway {
	defaults := assistant.DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}

	g.responder = responder
	g.historyLimit = cfg.HistoryLimit
	g.replyTimeout = cfg.Timeout
	g.workers = cfg.Workers
	g.replyChannel = make(chan replyJob, cfg.QueueSize)
	return g
}

// Start launches the reply workers
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return ErrGatewayAlreadyRunning
	}
	g.running = true
	g.shutdownChannel = make(chan struct{})

	if g.responder != nil {
		for i := 0; i < g.workers; i++ {
			g.wg.Add(1)
			go g.replyWorker(ctx)
		}
	}

	g.log.Info().Bool("assistant", g.responder != nil).Msg("Message gateway started")
	return nil
}

// Stop halts the workers and waits for in-flight replies. Queued replies
// that have not started are dropped.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return ErrGatewayNotRunning
	}
	g.running = false
	close(g.shutdownChannel)
	g.mu.Unlock()

	g.wg.Wait()

	dropped := 0
	if g.replyChannel != nil {
		for len(g.replyChannel) > 0 {
			<-g.replyChannel
			dropped++
		}
	}
	g.log.Info().Int("dropped_replies", dropped).Msg("Message gateway stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop
func (g *Gateway) IsRunning() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}

// SendUserMessage stores a user message and fans it out to the
// conversation room and the sender's user room. Quota is consumed once the
// request is known to be valid and is not refunded if persistence fails.
func (g *Gateway) SendUserMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	if !g.IsRunning() {
		return nil, ErrGatewayNotRunning
	}

	if err := g.store.ValidateContent(req.Content); err != nil {
		return nil, err
	}
	if err := g.store.Exists(ctx, req.UserID, req.ConversationID); err != nil {
		return nil, err
	}

	remaining, err := g.ledger.Consume(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	msg, conv, err := g.store.AppendMessage(ctx, req.UserID, req.ConversationID, types.NewMessage{
		Role:    types.RoleUser,
		Content: req.Content,
	})
	if err != nil {
		g.log.Error().
			Err(err).
			Str("user_id", req.UserID).
			Str("conversation_id", req.ConversationID).
			Msg("User message counted against quota but not persisted")
		return nil, err
	}

	result := &SendResult{
		Message:      msg,
		Conversation: conv,
		Remaining:    remaining,
	}

	payload := MessagePayload{Message: msg, Conversation: conv, Remaining: &remaining}
	result.BroadcastErr = g.fanout(req.UserID, conv.ID, types.EventNewMessage, payload, req.RequestID)

	if g.responder != nil {
		if err := g.enqueueReply(replyJob{userID: req.UserID, conversationID: conv.ID, requestID: req.RequestID}); err != nil {
			g.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Assistant reply not queued")
			g.notifyAssistantError(req.UserID, conv.ID, req.RequestID, "assistant is busy, please retry")
		} else {
			result.ReplyQueued = true
		}
	}

	return result, nil
}

// DeliverAssistantReply stores an assistant message and fans it out. No
// quota is consumed for assistant turns.
func (g *Gateway) DeliverAssistantReply(ctx context.Context, userID, conversationID string, reply assistant.Reply) (*types.Message, error) {
	msg, conv, err := g.store.AppendMessage(ctx, userID, conversationID, types.NewMessage{
		Role:       types.RoleAssistant,
		Content:    reply.Content,
		Model:      reply.Model,
		TokenCount: reply.TokenCount,
	})
	if err != nil {
		return nil, err
	}

	if err := g.fanout(userID, conversationID, types.EventNewMessage, MessagePayload{Message: msg, Conversation: conv}, ""); err != nil {
		g.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Assistant reply stored but not broadcast")
	}
	return msg, nil
}

// NotifyConversationCreated tells the owner's other devices about a new
// conversation.
func (g *Gateway) NotifyConversationCreated(userID string, conv *types.Conversation) {
	g.notifyUser(userID, types.NewEvent(types.EventConversationCreated, conv))
}

// NotifyConversationUpdated broadcasts a rename or archive to the owner's
// devices and to everyone watching the conversation.
func (g *Gateway) NotifyConversationUpdated(userID string, conv *types.Conversation) {
	if err := g.fanout(userID, conv.ID, types.EventConversationUpdated, conv, ""); err != nil {
		g.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Failed to broadcast conversation update")
	}
}

// NotifyConversationDeleted tells the owner's devices a conversation is gone.
func (g *Gateway) NotifyConversationDeleted(userID, conversationID string) {
	payload := ConversationDeletedPayload{ConversationID: conversationID}
	if err := g.fanout(userID, conversationID, types.EventConversationDeleted, payload, ""); err != nil {
		g.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to broadcast conversation deletion")
	}
}

func (g *Gateway) notifyUser(userID string, event types.Event) {
	if _, err := g.rooms.Broadcast(types.UserRoom(userID), event); err != nil {
		g.log.Warn().Err(err).Str("user_id", userID).Str("event", event.Type).Msg("Failed to notify user")
	}
}

// fanout delivers one copy of the event to every connection in the
// conversation room or the owner's user room. Failures are never fatal.
func (g *Gateway) fanout(userID, conversationID, eventType string, data interface{}, requestID string) error {
	event := types.NewEvent(eventType, data)
	event.RequestID = requestID

	rooms := []string{types.ConversationRoom(conversationID), types.UserRoom(userID)}
	if _, err := g.rooms.BroadcastRooms(rooms, event); err != nil {
		g.log.Warn().Err(err).Str("event", eventType).Msg("Broadcast failed after persistence")
		return fmt.Errorf("broadcast to %v: %w", rooms, err)
	}
	return nil
}

func (g *Gateway) enqueueReply(job replyJob) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.running {
		return ErrGatewayNotRunning
	}
	select {
	case g.replyChannel <- job:
		return nil
	default:
		return ErrReplyQueueFull
	}
}

func (g *Gateway) replyWorker(ctx context.Context) {
	defer g.wg.Done()

	for {
		select {
		case job := <-g.replyChannel:
			g.handleReply(job)
		case <-g.shutdownChannel:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleReply runs detached from the requesting connection so a client
// disconnect does not abort the reply.
func (g *Gateway) handleReply(job replyJob) {
	ctx, cancel := context.WithTimeout(context.Background(), g.replyTimeout)
	defer cancel()

	log := g.log.With().Str("user_id", job.userID).Str("conversation_id", job.conversationID).Logger()

	conv, err := g.store.Get(ctx, job.userID, job.conversationID)
	if err != nil {
		// Deleted while queued.
		metrics.AssistantRepliesTotal.WithLabelValues("skipped").Inc()
		log.Debug().Err(err).Msg("Conversation gone before reply")
		return
	}

	history, err := g.store.RecentMessages(ctx, job.userID, job.conversationID, g.historyLimit)
	if err != nil {
		g.replyFailed(log, job, err)
		return
	}

	reply, err := g.responder.Reply(ctx, conv, history)
	if err != nil {
		g.replyFailed(log, job, err)
		return
	}
	if reply.Model == "" {
		reply.Model = conv.Model
	}

	if _, err := g.DeliverAssistantReply(ctx, job.userID, job.conversationID, *reply); err != nil {
		g.replyFailed(log, job, err)
		return
	}
	metrics.AssistantRepliesTotal.WithLabelValues("delivered").Inc()
}

func (g *Gateway) replyFailed(log zerolog.Logger, job replyJob, err error) {
	metrics.AssistantRepliesTotal.WithLabelValues("failed").Inc()
	log.Error().Err(err).Msg("Assistant reply failed")

	msg := "assistant is unavailable, please retry"
	if apperr.Is(err, apperr.CodeInvalidArgument) {
		msg = apperr.PublicMessage(err)
	}
	g.notifyAssistantError(job.userID, job.conversationID, job.requestID, msg)
}

func (g *Gateway) notifyAssistantError(userID, conversationID, requestID, message string) {
	event := types.NewEvent(types.EventAssistantError, AssistantErrorPayload{
		ConversationID: conversationID,
		Message:        message,
	})
	event.RequestID = requestID
	g.notifyUser(userID, event)
}
