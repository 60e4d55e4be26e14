// Package apiclient is a client for the chat server's REST API.
//
// CreateMessage and the relay's send_message both store the message. A
// client that uses both for one message should set the same
// CreateMessageRequest.ID on each; the server then keeps one copy and
// broadcasts it once.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go-tgchat/internal/chat"
	"go-tgchat/internal/user"
)

type (
	Chat                 = chat.Chat
	Message              = chat.Message
	Attachment           = chat.Attachment
	CreateChatRequest    = chat.CreateChatRequest
	CreateMessageRequest = chat.CreateMessageRequest
	User                 = user.User
	UpsertUserRequest    = user.UpsertRequest
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New returns a client for baseURL, e.g. "http://localhost:8080/api".
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Chats

func (c *Client) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	var resp []Chat
	q := url.Values{"userId": {userID}}
	if err := c.do(ctx, http.MethodGet, "/chats?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CreateChat(ctx context.Context, req CreateChatRequest) (*Chat, error) {
	var resp Chat
	if err := c.do(ctx, http.MethodPost, "/chats", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Messages

// ListMessages returns the page offset messages back from the newest, in
// chronological order. Zero limit or offset leave the server defaults in place.
func (c *Client) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error) {
	q := url.Values{"chatId": {chatID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var resp []Message
	if err := c.do(ctx, http.MethodGet, "/messages?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CreateMessage(ctx context.Context, req CreateMessageRequest) (*Message, error) {
	var resp Message
	if err := c.do(ctx, http.MethodPost, "/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*Message, error) {
	var resp Message
	body := chat.EditMessageRequest{Content: content}
	if err := c.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(messageID), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) (*Message, error) {
	var resp Message
	if err := c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Users

func (c *Client) UpsertUser(ctx context.Context, req UpsertUserRequest) (*User, error) {
	var resp User
	if err := c.do(ctx, http.MethodPost, "/users", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	var resp []User
	q := url.Values{"q": {query}}
	if err := c.do(ctx, http.MethodGet, "/users/search?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var resp User
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var bodyReader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			return &APIError{Status: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
