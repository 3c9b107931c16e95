// Package client talks to the convsync HTTP API on behalf of one user.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"convsync/models"
)

const (
	// DefaultTimeout bounds a single HTTP request.
	DefaultTimeout = 10 * time.Second
	// DefaultSendRetries is how many times a send is retried on transient failures.
	DefaultSendRetries = 3
)

// Client is bound to one user id and is safe for concurrent use. It satisfies
// poller.Source and thread.Service.
type Client struct {
	baseURL     string
	userID      int64
	http        *http.Client
	sendRetries uint64
	newKey      func() string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithSendRetries sets how often AppendMessage retries transient failures.
func WithSendRetries(n uint64) Option {
	return func(c *Client) {
		c.sendRetries = n
	}
}

// New creates a client for the API served at baseURL, e.g. http://host:8080.
func New(baseURL string, userID int64, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/") + models.APIBasePath,
		userID:      userID,
		http:        &http.Client{Timeout: DefaultTimeout},
		sendRetries: DefaultSendRetries,
		newKey:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UserID returns the user this client acts as.
func (c *Client) UserID() int64 {
	return c.userID
}

// CreateConversation starts or reuses a conversation with participantIDs.
func (c *Client) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (*models.CreateConversationResponse, error) {
	var out models.CreateConversationResponse
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations returns the user's conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out struct {
		Conversations []models.ConversationView `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, err
	}

	conversations := make([]models.Conversation, 0, len(out.Conversations))
	for _, v := range out.Conversations {
		conversations = append(conversations, v.Conversation)
	}
	return conversations, nil
}

// GetConversation returns one conversation with its resolved display name.
func (c *Client) GetConversation(ctx context.Context, conversationID int64) (*models.ConversationView, error) {
	var out models.ConversationView
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, ""), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddParticipants adds users to a conversation.
func (c *Client) AddParticipants(ctx context.Context, conversationID int64, userIDs []int64) (*models.AddParticipantsResponse, error) {
	var out models.AddParticipantsResponse
	body := models.AddParticipantsRequest{UserIDs: userIDs}
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "/participants"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchMessages returns one page of history.
func (c *Client) FetchMessages(ctx context.Context, conversationID int64, q models.PageQuery) (*models.MessagePage, error) {
	query := url.Values{}
	if q.Before != nil {
		query.Set("before", strconv.FormatInt(*q.Before, 10))
	}
	if q.After != nil {
		query.Set("after", strconv.FormatInt(*q.After, 10))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}

	var out models.MessagePage
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "/messages"), query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendMessage sends a message. A client key is generated per call so
// transient failures can be retried without creating duplicates.
func (c *Client) AppendMessage(ctx context.Context, conversationID int64, content string, format models.ContentFormat) (*models.Message, error) {
	body := models.MessageRequest{Content: content, ContentFormat: format, ClientKey: c.newKey()}
	path := conversationPath(conversationID, "/messages")

	var out models.Message
	op := func() error {
		err := c.do(ctx, http.MethodPost, path, nil, body, &out)
		if err != nil && !errors.Is(err, models.ErrTransientIO) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.sendRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditMessage replaces the content of one of the user's messages.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID int64, content string) (*models.Message, error) {
	var out models.Message
	path := conversationPath(conversationID, "/messages/"+strconv.FormatInt(messageID, 10))
	if err := c.do(ctx, http.MethodPatch, path, nil, models.EditMessageRequest{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage soft-deletes one of the user's messages.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID int64) error {
	path := conversationPath(conversationID, "/messages/"+strconv.FormatInt(messageID, 10))
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// MarkConversationAsRead moves the user's read cursor to the newest message.
func (c *Client) MarkConversationAsRead(ctx context.Context, conversationID int64) (*models.ReadState, error) {
	var out models.ReadState
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "/read"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Presence looks up several users at once.
func (c *Client) Presence(ctx context.Context, userIDs []int64) ([]models.Presence, error) {
	parts := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		parts = append(parts, strconv.FormatInt(id, 10))
	}

	var out struct {
		Presence []models.Presence `json:"presence"`
	}
	query := url.Values{"ids": {strings.Join(parts, ",")}}
	if err := c.do(ctx, http.MethodGet, "/presence", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Presence, nil
}

func conversationPath(conversationID int64, suffix string) string {
	return "/conversations/" + strconv.FormatInt(conversationID, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set(models.HeaderUserID, strconv.FormatInt(c.userID, 10))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, models.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w: %w", method, path, models.ErrTransientIO, err)
	}
	return nil
}

// statusError maps an error response back into the chat error taxonomy.
func statusError(method, path string, resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)

	var kind error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		kind = models.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = models.ErrNotAuthorized
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		kind = models.ErrTransientIO
	default:
		kind = models.ErrInvalidInput
	}
	if payload.Error == "" {
		return fmt.Errorf("%s %s: %w (status %d)", method, path, kind, resp.StatusCode)
	}
	return fmt.Errorf("%s %s: %w: %s", method, path, kind, payload.Error)
}
