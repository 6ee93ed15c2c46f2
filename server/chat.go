package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/relay"
	"github.com/papercomputeco/chatrelay/pkg/store"
)

// conversationListLimit caps the conversation list.
const conversationListLimit = 50

type sendRequest struct {
	ConversationID int64  `json:"conversation_id" validate:"required,gt=0"`
	Message        string `json:"message" validate:"required,maxbytes"`
}

type sendResponse struct {
	Success     bool           `json:"success"`
	UserMessage *store.Message `json:"user_message"`
	AIMessage   *store.Message `json:"ai_message"`
}

type newConversationResponse struct {
	Success        bool   `json:"success"`
	ConversationID int64  `json:"conversation_id"`
	Message        string `json:"message"`
}

type conversationsResponse struct {
	Success       bool                  `json:"success"`
	Conversations []*store.Conversation `json:"conversations"`
}

type messagesResponse struct {
	Success      bool                `json:"success"`
	Conversation *store.Conversation `json:"conversation"`
	Messages     []*store.Message    `json:"messages"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// parseSend decodes and validates a send request body.
func (s *Server) parseSend(c *fiber.Ctx) (*sendRequest, error) {
	var req sendRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		s.logger.Debug("failed to parse request", zap.Error(err))
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	req.Message = strings.TrimSpace(req.Message)
	if err := s.validate.Struct(&req); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, validationMessage(err))
	}

	return &req, nil
}

// handleSendStream runs one turn and streams its events to the caller as
// server-push frames. Authorization and validation failures are answered
// with a JSON error before the stream opens.
func (s *Server) handleSendStream(c *fiber.Ctx) error {
	req, err := s.parseSend(c)
	if err != nil {
		return err
	}

	// The fiber context is recycled once the handler returns, so the turn
	// gets its own context that lives as long as the stream writer.
	ctx, cancel := context.WithCancel(context.Background())

	turn, err := s.relay.Begin(ctx, caller(c), req.ConversationID, req.Message)
	if err != nil {
		cancel()
		return relayError(err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	logger := s.logger.With(zap.Int64("conversation_id", req.ConversationID))

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		startTime := time.Now()
		for ev := range turn.Events() {
			if err := relay.WriteEvent(w, ev); err != nil {
				logger.Warn("failed to write event", zap.Error(err))
				break
			}
			if err := w.Flush(); err != nil {
				logger.Info("client disconnected", zap.Error(err))
				break
			}
		}

		logger.Debug("stream closed",
			zap.Stringer("state", turn.State()),
			zap.Duration("duration", time.Since(startTime)),
		)
	}))

	return nil
}

// handleSend runs one turn without streaming and returns the exchange.
func (s *Server) handleSend(c *fiber.Ctx) error {
	req, err := s.parseSend(c)
	if err != nil {
		return err
	}

	ex, err := s.relay.Send(c.UserContext(), caller(c), req.ConversationID, req.Message)
	if err != nil {
		return relayError(err)
	}

	return c.JSON(sendResponse{
		Success:     true,
		UserMessage: ex.UserMessage,
		AIMessage:   ex.AIMessage,
	})
}

func (s *Server) handleNewConversation(c *fiber.Ctx) error {
	conv, err := s.store.CreateConversation(c.UserContext(), caller(c).UserID, "")
	if err != nil {
		s.logger.Error("failed to create conversation", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "failed to create conversation")
	}

	return c.JSON(newConversationResponse{
		Success:        true,
		ConversationID: conv.ID,
		Message:        "conversation created",
	})
}

func (s *Server) handleListConversations(c *fiber.Ctx) error {
	convs, err := s.store.ListConversations(c.UserContext(), caller(c).UserID, conversationListLimit)
	if err != nil {
		s.logger.Error("failed to list conversations", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list conversations")
	}

	if convs == nil {
		convs = []*store.Conversation{}
	}

	return c.JSON(conversationsResponse{Success: true, Conversations: convs})
}

func (s *Server) handleGetMessages(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid conversation id")
	}

	ctx := c.UserContext()
	userID := caller(c).UserID

	conv, err := s.store.GetOwned(ctx, int64(id), &userID)
	if err != nil {
		return storeError(err)
	}

	msgs, err := s.store.RecentMessages(ctx, conv.ID, 0)
	if err != nil {
		s.logger.Error("failed to load messages", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "failed to load messages")
	}

	if msgs == nil {
		msgs = []*store.Message{}
	}

	return c.JSON(messagesResponse{Success: true, Conversation: conv, Messages: msgs})
}

func (s *Server) handleDeleteConversation(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid conversation id")
	}

	if err := s.store.DeleteConversation(c.UserContext(), int64(id), caller(c).UserID); err != nil {
		return storeError(err)
	}

	return c.JSON(statusResponse{Success: true, Message: "conversation deleted"})
}

// relayError maps relay failures raised before a turn starts to HTTP errors.
func relayError(err error) error {
	switch {
	case errors.Is(err, relay.ErrNotFoundOrForbidden):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, relay.ErrEmptyMessage):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return err
	}
}

// storeError maps a lookup failure to 404, everything else to 500.
func storeError(err error) error {
	var notFound store.ErrNotFound
	if errors.As(err, &notFound) {
		return fiber.NewError(fiber.StatusNotFound, relay.ErrNotFoundOrForbidden.Error())
	}
	return err
}

// errorHandler renders every handler error as an llm.ErrorResponse.
func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		msg := "internal error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			msg = fe.Message
		} else {
			logger.Error("request failed",
				zap.String("path", c.Path()),
				zap.Error(err),
			)
			msg = relay.Diagnose(err)
		}

		return c.Status(code).JSON(llm.ErrorResponse{Error: msg})
	}
}
