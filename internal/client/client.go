// Package client talks to the messaging server over its REST API and
// websocket, and satisfies the chatsync Backend and realtime Subscriber
// interfaces.
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

	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client is an authenticated REST client for one user.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) ListConversations(ctx context.Context, patientID int64) ([]models.ConversationWithDoctor, error) {
	query := url.Values{}
	query.Set("patient_id", strconv.FormatInt(patientID, 10))

	var resp struct {
		Conversations []models.ConversationWithDoctor `json:"conversations"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/conversations?"+query.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *Client) CreateConversation(ctx context.Context, input models.CreateConversationInput) (*models.Conversation, error) {
	var resp struct {
		Conversation *models.Conversation `json:"conversation"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/conversations", input, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID int64) ([]models.MessageWithSender, error) {
	var resp struct {
		Messages []models.MessageWithSender `json:"messages"`
	}
	path := fmt.Sprintf("/api/v1/conversations/%d/messages", conversationID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendMessage sends the idempotency key as a header so a retried request
// is collapsed by the server.
func (c *Client) SendMessage(ctx context.Context, input models.SendMessageInput) (*models.SendResult, error) {
	headers := http.Header{}
	if input.IdempotencyKey != "" {
		headers.Set("Idempotency-Key", input.IdempotencyKey)
	}
	body := map[string]any{
		"content":      input.Content,
		"message_type": input.MessageType,
	}
	if len(input.Metadata) > 0 {
		body["metadata"] = input.Metadata
	}

	var resp models.SendResult
	path := fmt.Sprintf("/api/v1/conversations/%d/messages", input.ConversationID)
	if err := c.doRequest(ctx, http.MethodPost, path, body, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) MarkAsRead(ctx context.Context, conversationID int64, messageIDs []int64) (*models.ReadResult, error) {
	var resp struct {
		Read *models.ReadResult `json:"read"`
	}
	path := fmt.Sprintf("/api/v1/conversations/%d/read", conversationID)
	body := map[string]any{"message_ids": messageIDs}
	if err := c.doRequest(ctx, http.MethodPost, path, body, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Read, nil
}

func (c *Client) ListDoctors(ctx context.Context) ([]models.Doctor, error) {
	var resp struct {
		Doctors []models.Doctor `json:"doctors"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/doctors", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Doctors, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, headers http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		if errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
