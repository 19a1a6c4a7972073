// Package gemini is an LLM provider backed by the Google Gen AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"whatsapp-agent/internal/domain"
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// generator is the subset of *genai.Models used by Client.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	getter      Getter
	paramPrefix string
	temperature *float32
	newGen      func(ctx context.Context, apiKey string) (generator, error)

	genMu sync.Mutex
	gen   generator
}

type Option func(*Client)

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = genai.Ptr(float32(t))
	}
}

// NewClient creates a Client whose API key is read from
// "<paramPrefix>/gemini-api-key" on first use.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("gemini: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("gemini: parameter prefix must not be empty")
	}
	c := &Client{
		getter:      ps,
		paramPrefix: paramPrefix,
		newGen:      newModels,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newModels(ctx context.Context, apiKey string) (generator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return client.Models, nil
}

// resolveGenerator builds the SDK client on first successful use. Failures
// are not cached so a throttled key fetch recovers on the next call.
func (c *Client) resolveGenerator(ctx context.Context) (generator, error) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.gen != nil {
		return c.gen, nil
	}
	key, err := c.getter.GetParameter(ctx, c.paramPrefix+"/gemini-api-key")
	if err != nil {
		return nil, fmt.Errorf("gemini: fetch api key: %w", err)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("gemini: API key is empty")
	}
	gen, err := c.newGen(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c.gen = gen
	return gen, nil
}

// Chat sends the conversation to model. System messages become the system
// instruction; assistant turns are sent with the "model" role.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("gemini: model must not be empty")
	}
	gen, err := c.resolveGenerator(ctx)
	if err != nil {
		return "", err
	}

	contents, system := toContents(messages)
	if len(contents) == 0 {
		return "", errors.New("gemini: no user or assistant messages")
	}
	cfg := &genai.GenerateContentConfig{Temperature: c.temperature}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := gen.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("gemini: no candidates in response")
	}
	// An empty text (e.g. a function-call-only candidate) is returned as is;
	// callers decide whether to re-prompt.
	return strings.TrimSpace(resp.Text()), nil
}

func toContents(messages []domain.ChatMessage) ([]*genai.Content, string) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, strings.Join(system, "\n\n")
}
