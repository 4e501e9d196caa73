// Package client talks to a dealroom server: REST for request/response and
// a managed WebSocket link for live events.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/wire"
)

// Header names understood by the server's gateway.
const (
	headerParticipantID   = "X-Participant-ID"
	headerParticipantRole = "X-Participant-Role"
)

// REST is the HTTP client. Every error it returns matches the taxonomy:
// network failures and 5xx become ErrStoreUnavailable so callers retry.
type REST struct {
	base        *url.URL
	participant string
	role        string
	http        *http.Client
}

// NewREST creates a client for baseURL acting as participant.
func NewREST(baseURL, participant, role string, hc *http.Client) (*REST, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	if role == "" {
		role = chat.RoleParticipant
	}
	return &REST{base: u, participant: participant, role: role, http: hc}, nil
}

// Participant returns the identity this client acts as.
func (c *REST) Participant() string { return c.participant }

func (c *REST) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%w: encode request: %v", conversation.ErrValidation, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(headerParticipantID, c.participant)
	req.Header.Set(headerParticipantRole, c.role)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %v", conversation.ErrStoreUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode %s %s: %v", conversation.ErrStoreUnavailable, method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	var body wire.Error
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		body = wire.Error{Code: codeForStatus(resp.StatusCode), Message: strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		body.Code = wire.CodeUnauthorized
	}
	if body.Message == "" {
		body.Message = resp.Status
	}
	return body.Err()
}

func codeForStatus(status int) wire.Code {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return wire.CodeValidation
	case http.StatusNotFound:
		return wire.CodeNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return wire.CodeUnauthorized
	}
	return wire.CodeUnavailable
}

func pageQuery(page conversation.Page) url.Values {
	q := url.Values{}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if !page.Before.IsZero() {
		q.Set("before", page.Before.UTC().Format(time.RFC3339Nano))
	}
	return q
}

// Start opens a conversation about a subject with a first message.
func (c *REST) Start(ctx context.Context, req chat.StartRequest) (*wire.StartResponse, error) {
	var out wire.StartResponse
	if _, err := c.do(ctx, http.MethodPost, "/conversations", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send appends msg durably and returns it as stored.
func (c *REST) Send(ctx context.Context, conversationID string, msg conversation.Message) (conversation.Message, error) {
	var out conversation.Message
	_, err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, msg, &out)
	return out, err
}

func (c *REST) Get(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	var out conversation.Conversation
	if _, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns conversations of participant, or of the caller when empty.
func (c *REST) List(ctx context.Context, participant string, page conversation.Page) (*wire.ConversationList, error) {
	q := pageQuery(page)
	if participant != "" {
		q.Set("participant", participant)
	}
	var out wire.ConversationList
	if _, err := c.do(ctx, http.MethodGet, "/conversations", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns one page of messages, oldest first.
func (c *REST) History(ctx context.Context, conversationID string, page conversation.Page) (*wire.MessageList, error) {
	var out wire.MessageList
	if _, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", pageQuery(page), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *REST) MarkRead(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	var out conversation.Conversation
	if _, err := c.do(ctx, http.MethodPut, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *REST) Flag(ctx context.Context, conversationID, reason string) (*conversation.Conversation, error) {
	var out conversation.Conversation
	if _, err := c.do(ctx, http.MethodPut, "/conversations/"+url.PathEscape(conversationID)+"/flag", nil, wire.FlagRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready probes /readyz.
func (c *REST) Ready(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/readyz", nil, nil, nil)
	return err
}

// LiveURL is the WebSocket endpoint on the same server.
func (c *REST) LiveURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + "/live"
	return u.String()
}
