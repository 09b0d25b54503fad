package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/message"
	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// MessageHandler serves message endpoints on top of the message pipeline.
type MessageHandler struct {
	svc *message.Service
	log zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *message.Service, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{svc: svc, log: logger}
}

// CreateMessageRequest is the body of POST /channels/:channelID/messages.
type CreateMessageRequest struct {
	Content string `json:"content"`
}

// UpdateMessageRequest is the body of PATCH /channels/:channelID/messages/:messageID.
type UpdateMessageRequest struct {
	Content string `json:"content"`
}

// ListMessages handles GET /api/v1/channels/:channelID/messages.
func (h *MessageHandler) ListMessages(c fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return failUnauthorized(c)
	}
	channelID, err := paramID(c, "channelID")
	if err != nil {
		return failInvalidID(c, "channel")
	}

	var cursor message.Cursor
	if raw := c.Query("before"); raw != "" {
		if cursor.Before, err = snowflake.Parse(raw); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.MalformedCursor, "Invalid before cursor")
		}
	}
	if raw := c.Query("after"); raw != "" {
		if cursor.After, err = snowflake.Parse(raw); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.MalformedCursor, "Invalid after cursor")
		}
	}
	cursor.Limit, _ = strconv.Atoi(c.Query("limit"))

	messages, err := h.svc.List(c, channelID, userID, cursor)
	if err != nil {
		return h.fail(c, err, "list messages")
	}
	if messages == nil {
		messages = []message.Message{}
	}
	return httputil.Success(c, messages)
}

// CreateMessage handles POST /api/v1/channels/:channelID/messages.
func (h *MessageHandler) CreateMessage(c fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return failUnauthorized(c)
	}
	channelID, err := paramID(c, "channelID")
	if err != nil {
		return failInvalidID(c, "channel")
	}

	var body CreateMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}

	msg, err := h.svc.Create(c, channelID, userID, body.Content)
	if err != nil {
		return h.fail(c, err, "create message")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, msg)
}

// EditMessage handles PATCH /api/v1/channels/:channelID/messages/:messageID.
func (h *MessageHandler) EditMessage(c fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return failUnauthorized(c)
	}
	messageID, err := paramID(c, "messageID")
	if err != nil {
		return failInvalidID(c, "message")
	}

	var body UpdateMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}

	msg, err := h.svc.Update(c, messageID, userID, body.Content)
	if err != nil {
		return h.fail(c, err, "edit message")
	}
	return httputil.Success(c, msg)
}

// DeleteMessage handles DELETE /api/v1/channels/:channelID/messages/:messageID.
func (h *MessageHandler) DeleteMessage(c fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return failUnauthorized(c)
	}
	messageID, err := paramID(c, "messageID")
	if err != nil {
		return failInvalidID(c, "message")
	}

	if err := h.svc.Delete(c, messageID, userID); err != nil {
		return h.fail(c, err, "delete message")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// fail maps pipeline errors onto the wire error envelope.
func (h *MessageHandler) fail(c fiber.Ctx, err error, op string) error {
	var perr *message.PermissionError
	switch {
	case errors.As(err, &perr):
		return httputil.Fail(c, fiber.StatusForbidden, httputil.MissingPermission,
			"Missing permission: "+perr.Missing.Name())
	case errors.Is(err, message.ErrEmptyContent):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.EmptyMessage, "Message content must not be empty")
	case errors.Is(err, message.ErrContentTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.MessageTooLong, "Message content exceeds the maximum length")
	case errors.Is(err, message.ErrMalformedCursor):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.MalformedCursor, "before and after are mutually exclusive")
	case errors.Is(err, message.ErrDeleted):
		return httputil.Fail(c, fiber.StatusGone, httputil.MessageDeleted, "Message has been deleted")
	case errors.Is(err, message.ErrNotAuthor):
		return httputil.Fail(c, fiber.StatusForbidden, httputil.NotMessageAuthor, "Only the author may edit a message")
	case errors.Is(err, message.ErrNotFound), errors.Is(err, permission.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Not found")
	default:
		h.log.Error().Err(err).Str("handler", "message").Msg(op + " failed")
		return failInternal(c)
	}
}
