package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/wire"
)

const maxBodyBytes = 64 << 10

func decodeJSON(c *gin.Context, v any) error {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("%w: request body: %v", conversation.ErrValidation, err)
	}
	return nil
}

// parsePage reads limit and before. before is an RFC 3339 timestamp.
func parsePage(c *gin.Context) (conversation.Page, error) {
	var p conversation.Page
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p, fmt.Errorf("%w: limit must be a non-negative integer", conversation.ErrValidation)
		}
		p.Limit = n
	}
	if raw := c.Query("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return p, fmt.Errorf("%w: before must be an RFC 3339 timestamp", conversation.ErrValidation)
		}
		p.Before = ts
	}
	return p.Normalize(), nil
}

func (a *API) listConversations(c *gin.Context) {
	page, err := parsePage(c)
	if err != nil {
		a.respondError(c, "list conversations", err)
		return
	}
	items, err := a.svc.List(c.Request.Context(), identity(c), c.Query("participant"), page)
	if err != nil {
		a.respondError(c, "list conversations", err)
		return
	}
	out := wire.ConversationList{Items: items}
	if len(items) == page.Limit {
		next := items[len(items)-1].LastMessageAt
		out.NextBefore = &next
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) startConversation(c *gin.Context) {
	var req chat.StartRequest
	if err := decodeJSON(c, &req); err != nil {
		a.respondError(c, "start conversation", err)
		return
	}
	res, err := a.svc.Start(c.Request.Context(), identity(c), req)
	if err != nil {
		a.respondError(c, "start conversation", err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, wire.StartResponse{Conversation: res.Conversation, Message: res.Message, Created: res.Created})
}

func (a *API) getConversation(c *gin.Context) {
	conv, err := a.svc.Get(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		a.respondError(c, "get conversation", err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (a *API) listMessages(c *gin.Context) {
	page, err := parsePage(c)
	if err != nil {
		a.respondError(c, "list messages", err)
		return
	}
	items, err := a.svc.History(c.Request.Context(), identity(c), c.Param("id"), page)
	if err != nil {
		a.respondError(c, "list messages", err)
		return
	}
	out := wire.MessageList{Items: items}
	if len(items) == page.Limit {
		next := items[0].Timestamp
		out.NextBefore = &next
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) sendMessage(c *gin.Context) {
	var msg conversation.Message
	if err := decodeJSON(c, &msg); err != nil {
		a.respondError(c, "send message", err)
		return
	}
	res, err := a.svc.Send(c.Request.Context(), identity(c), c.Param("id"), msg)
	if err != nil {
		a.respondError(c, "send message", err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res.Message)
}

func (a *API) markRead(c *gin.Context) {
	conv, err := a.svc.MarkRead(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		a.respondError(c, "mark read", err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (a *API) flag(c *gin.Context) {
	var req wire.FlagRequest
	if err := decodeJSON(c, &req); err != nil {
		a.respondError(c, "flag conversation", err)
		return
	}
	conv, err := a.svc.Flag(c.Request.Context(), identity(c), c.Param("id"), req.Reason)
	if err != nil {
		a.respondError(c, "flag conversation", err)
		return
	}
	c.JSON(http.StatusOK, conv)
}
