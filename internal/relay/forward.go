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
	"sync"
	"time"
)

var (
	// ErrWebhookStatus is returned when the workflow webhook answers non-2xx.
	ErrWebhookStatus = errors.New("webhook returned non-success status")
	// ErrForwarderClosed is returned by LocalForwarder after Close.
	ErrForwarderClosed = errors.New("forwarder closed")
)

type webhookPayload struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id"`
}

// WebhookForwarder posts user messages to an external workflow, which later
// answers through the receive-response endpoint.
type WebhookForwarder struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookForwarder creates a forwarder for url. A nil client selects one
// with a 30 second timeout.
func NewWebhookForwarder(url string, client *http.Client, logger *slog.Logger) *WebhookForwarder {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookForwarder{url: url, client: client, logger: logger}
}

// Forward posts {"message", "chat_id"} to the webhook.
func (f *WebhookForwarder) Forward(ctx context.Context, chatID, message string, _ ReplyFunc) error {
	body, err := json.Marshal(webhookPayload{Message: message, ChatID: chatID})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("call webhook: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Debug("Failed to close webhook response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrWebhookStatus, resp.StatusCode, bytes.TrimSpace(detail))
	}

	f.logger.Info("Message forwarded to webhook", "chat_id", chatID, "status", resp.StatusCode)
	return nil
}

// Responder produces an assistant reply, e.g. simulator.Simulator.
type Responder interface {
	Respond(ctx context.Context, text string) (string, error)
}

// LocalForwarder answers in-process through a Responder when no webhook is
// configured. Replies are produced asynchronously, like a remote workflow.
type LocalForwarder struct {
	responder Responder
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewLocalForwarder creates a forwarder backed by r.
func NewLocalForwarder(r Responder, logger *slog.Logger) *LocalForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalForwarder{responder: r, logger: logger, ctx: ctx, cancel: cancel}
}

// Forward schedules a reply and returns immediately.
func (f *LocalForwarder) Forward(_ context.Context, chatID, message string, reply ReplyFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrForwarderClosed
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		text, err := f.responder.Respond(f.ctx, message)
		if err != nil {
			if f.ctx.Err() == nil {
				f.logger.Error("Local responder failed", "error", err, "chat_id", chatID)
			}
			return
		}
		if err := reply(f.ctx, chatID, text); err != nil {
			f.logger.Error("Failed to deliver local reply", "error", err, "chat_id", chatID)
		}
	}()
	return nil
}

// Close cancels pending replies and waits for them to finish.
func (f *LocalForwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
	return nil
}
