package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/inboxpilot/inboxpilot/internal/pkg/gmail"
	"github.com/inboxpilot/inboxpilot/internal/pkg/tokens"
	"github.com/inboxpilot/inboxpilot/internal/pkg/usercontext"
)

// MailboxService is implemented by gmail.Mailbox.
type MailboxService interface {
	List(ctx context.Context, ownerID uint, q gmail.ListQuery) (*gmail.ListResult, error)
	Get(ctx context.Context, ownerID uint, id string) (*gmail.Message, error)
	Send(ctx context.Context, ownerID uint, out gmail.Outgoing) (*gmail.SentMessage, error)
}

// MailboxController exposes Gmail operations to feature routes.
type MailboxController struct {
	mailbox  MailboxService
	validate *validator.Validate
}

// NewMailboxController creates a new mailbox controller
func NewMailboxController(mailbox MailboxService) *MailboxController {
	return &MailboxController{mailbox: mailbox, validate: validator.New()}
}

// HandleListMessages lists messages of the current user's mailbox.
// Query parameters: q, label (repeatable or comma separated), page_token, max_results.
func (mc *MailboxController) HandleListMessages(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	query := gmail.ListQuery{
		Query:     strings.TrimSpace(c.Query("q")),
		PageToken: strings.TrimSpace(c.Query("page_token")),
	}
	for _, raw := range c.Context().QueryArgs().PeekMulti("label") {
		for _, label := range strings.Split(string(raw), ",") {
			if label = strings.TrimSpace(label); label != "" {
				query.LabelIDs = append(query.LabelIDs, label)
			}
		}
	}
	if raw := c.Query("max_results"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			return jsonError(c, fiber.StatusBadRequest, "invalid_request", "max_results must be a positive number")
		}
		query.MaxResults = n
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	result, err := mc.mailbox.List(ctx, userID, query)
	if err != nil {
		return mailboxError(c, userID, "list", err)
	}
	return c.JSON(result)
}

// HandleGetMessage returns one message with headers and plain-text body.
func (mc *MailboxController) HandleGetMessage(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "message id is required")
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	msg, err := mc.mailbox.Get(ctx, userID, id)
	if err != nil {
		return mailboxError(c, userID, "get", err)
	}
	return c.JSON(msg)
}

// HandleSendMessage sends a plain-text message from the user's mailbox.
func (mc *MailboxController) HandleSendMessage(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	var out gmail.Outgoing
	if err := c.BodyParser(&out); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "invalid message body")
	}
	if err := mc.validate.Struct(out); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	sent, err := mc.mailbox.Send(ctx, userID, out)
	if err != nil {
		return mailboxError(c, userID, "send", err)
	}
	return c.Status(fiber.StatusCreated).JSON(sent)
}

// mailboxError maps token and Gmail failures to HTTP answers.
func mailboxError(c *fiber.Ctx, userID uint, op string, err error) error {
	switch {
	case tokens.NeedsReconsent(err), errors.Is(err, gmail.ErrTokenRejected):
		// A token rejected even after a fresh refresh means the grant itself
		// is no longer usable.
		fiberlog.Infof("mailbox %s: user %d must reconnect Gmail: %v", op, userID, err)
		return jsonError(c, fiber.StatusConflict, "reconnect_required", "Gmail access must be granted again")
	case errors.Is(err, tokens.ErrAuthorityUnreachable), errors.Is(err, gmail.ErrResourceUnavailable):
		fiberlog.Warnf("mailbox %s: user %d: %v", op, userID, err)
		return jsonError(c, fiber.StatusServiceUnavailable, "service_unavailable", "Gmail is temporarily unavailable, try again later")
	case errors.Is(err, gmail.ErrResourceRejected):
		return jsonError(c, fiber.StatusUnprocessableEntity, "request_rejected", "Gmail rejected the request")
	default:
		fiberlog.Errorf("mailbox %s: user %d: %v", op, userID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "mailbox operation failed")
	}
}
