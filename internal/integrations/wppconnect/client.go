// Package wppconnect pushes replies to WhatsApp users through a WPPConnect
// server session.
package wppconnect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"whatsapp-agent/internal/domain"
)

type sendMessageRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type sendVoiceRequest struct {
	Phone   string `json:"phone"`
	IsGroup bool   `json:"isGroup"`
	Base64  string `json:"base64"`
}

type tokenResponse struct {
	Status string `json:"status"`
	Token  string `json:"token"`
	Full   string `json:"full"`
}

// HTTPStatusError captures non-2xx responses from the WPPConnect server.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("wppconnect: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	baseURL    string
	session    string
	secretKey  string
	httpClient *http.Client

	tokenMu sync.Mutex
	token   string
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithSecretKey lets the client generate a session token when none is configured.
func WithSecretKey(secret string) Option {
	return func(c *Client) {
		c.secretKey = strings.TrimSpace(secret)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL, session string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("wppconnect: base URL must not be empty")
	}
	session = strings.TrimSpace(session)
	if session == "" {
		return nil, errors.New("wppconnect: session name must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		session:    session,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.token == "" && c.secretKey == "" {
		return nil, errors.New("wppconnect: either a token or a secret key is required")
	}
	return c, nil
}

// SendText sends a text message to phone.
func (c *Client) SendText(ctx context.Context, phone, message string) (domain.SendAck, error) {
	if strings.TrimSpace(phone) == "" {
		return domain.SendAck{}, errors.New("wppconnect: SendText: phone is required")
	}
	ack, err := c.post(ctx, "send-message", sendMessageRequest{Phone: phone, Message: message})
	if err != nil {
		return domain.SendAck{}, fmt.Errorf("wppconnect: SendText: %w", err)
	}
	return ack, nil
}

// SendVoice sends MP3 audio to phone as a voice message.
func (c *Client) SendVoice(ctx context.Context, phone string, audio []byte) (domain.SendAck, error) {
	if strings.TrimSpace(phone) == "" {
		return domain.SendAck{}, errors.New("wppconnect: SendVoice: phone is required")
	}
	if len(audio) == 0 {
		return domain.SendAck{}, errors.New("wppconnect: SendVoice: audio is required")
	}
	ack, err := c.post(ctx, "send-voice-base-64", sendVoiceRequest{
		Phone:   phone,
		IsGroup: false,
		Base64:  "data:audio/mpeg;base64," + base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		return domain.SendAck{}, fmt.Errorf("wppconnect: SendVoice: %w", err)
	}
	return ack, nil
}

// GenerateToken exchanges the server secret key for a session bearer token and caches it.
func (c *Client) GenerateToken(ctx context.Context) (string, error) {
	if c.secretKey == "" {
		return "", errors.New("wppconnect: GenerateToken: secret key is not configured")
	}
	endpoint := fmt.Sprintf("%s/api/%s/%s/generate-token", c.baseURL, url.PathEscape(c.session), url.PathEscape(c.secretKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("wppconnect: GenerateToken: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	raw, err := c.do(req, c.redact(endpoint))
	if err != nil {
		return "", fmt.Errorf("wppconnect: GenerateToken: %w", err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", fmt.Errorf("wppconnect: GenerateToken: decode response: %w", err)
	}
	if tr.Token == "" {
		return "", errors.New("wppconnect: GenerateToken: empty token in response")
	}

	c.tokenMu.Lock()
	c.token = tr.Token
	c.tokenMu.Unlock()
	return tr.Token, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	token := c.token
	c.tokenMu.Unlock()
	if token != "" {
		return token, nil
	}
	return c.GenerateToken(ctx)
}

func (c *Client) post(ctx context.Context, action string, payload any) (domain.SendAck, error) {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return domain.SendAck{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.SendAck{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/%s/%s", c.baseURL, url.PathEscape(c.session), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.SendAck{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.do(req, endpoint)
	if err != nil {
		return domain.SendAck{}, err
	}
	var ack domain.SendAck
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &ack); err != nil {
			return domain.SendAck{}, fmt.Errorf("decode response: %w", err)
		}
	}
	return ack, nil
}

func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func (c *Client) redact(endpoint string) string {
	if c.secretKey == "" {
		return endpoint
	}
	return strings.ReplaceAll(endpoint, url.PathEscape(c.secretKey), "***")
}
