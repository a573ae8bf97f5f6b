package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/connexi/connexi-chat/internal/domain"
)

// ErrRelayStatus is returned when the relay answers non-2xx.
var ErrRelayStatus = errors.New("relay returned non-success status")

// SendRequest is the body of POST /functions/chat-handler.
type SendRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chatId"`
}

// Client calls the relay's HTTP endpoints on behalf of the widget.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the relay at baseURL, e.g.
// "http://localhost:8080". A nil httpClient selects one with a 30 second
// timeout.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient, logger: logger}
}

// Send posts a user message to the relay. Replies arrive asynchronously over
// the websocket subscription, so the returned reply is always empty.
func (c *Client) Send(ctx context.Context, chatID, text string) (string, error) {
	body, err := json.Marshal(SendRequest{Message: text, ChatID: chatID})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/functions/chat-handler", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("send to relay: %w", err)
	}
	defer c.closeBody(resp)

	if err := checkStatus(resp); err != nil {
		return "", err
	}
	return "", nil
}

// History fetches the stored messages of a chat in order.
func (c *Client) History(ctx context.Context, chatID string) ([]domain.StoredMessage, error) {
	endpoint := c.baseURL + "/api/chats/" + url.PathEscape(chatID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer c.closeBody(resp)

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out struct {
		Messages []domain.StoredMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return out.Messages, nil
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.logger.Debug("Failed to close relay response body", "error", err)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	return fmt.Errorf("%w: %d %s", ErrRelayStatus, resp.StatusCode, body.Error)
}
