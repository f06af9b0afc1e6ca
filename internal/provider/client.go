package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/oho/corpustree/internal/config"
)

// Client talks to an OpenAI-compatible completion/embedding endpoint
// (LM Studio, Ollama's compat layer, or a hosted API).
type Client struct {
	baseURL        string
	apiKey         string
	embeddingModel string
	chatModel      string
	httpClient     *http.Client
	contextLength  *int // cached after first probe
}

func NewClient(cfg config.ProviderConfig) *Client {
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		embeddingModel: cfg.EmbeddingModel,
		chatModel:      cfg.ChatModel,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout * float64(time.Second)),
		},
	}
}

type modelEntry struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

type modelsResponse struct {
	Data []modelEntry `json:"data"`
}

type embeddingItem struct {
	Embedding []float64 `json:"embedding"`
}

type embeddingsResponse struct {
	Data []embeddingItem `json:"data"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

// HealthCheck returns true if the provider has at least one model loaded.
func (c *Client) HealthCheck(ctx context.Context) bool {
	models, err := c.ListModels(ctx)
	return err == nil && len(models) > 0
}

// ListModels returns the ids of all loaded models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newTransportError("models", err)
	}
	defer resp.Body.Close()

	var result modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, newTransportError("models", err)
	}
	ids := make([]string, len(result.Data))
	for i, m := range result.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

var embedModelHints = []string{"embed", "e5", "bge", "gte", "nomic"}

// EmbeddingModel returns the configured embedding model, or discovers one.
func (c *Client) EmbeddingModel(ctx context.Context) (string, error) {
	if c.embeddingModel != "" {
		return c.embeddingModel, nil
	}
	models, err := c.ListModels(ctx)
	if err != nil {
		return "", err
	}
	for _, id := range models {
		lower := strings.ToLower(id)
		for _, hint := range embedModelHints {
			if strings.Contains(lower, hint) {
				c.embeddingModel = id
				return id, nil
			}
		}
	}
	if len(models) > 0 {
		c.embeddingModel = models[0]
		return models[0], nil
	}
	return "", &Error{Op: "models", Err: errNoModel("embedding")}
}

// ChatModel returns the configured chat model, or the first non-embedding one.
func (c *Client) ChatModel(ctx context.Context) (string, error) {
	if c.chatModel != "" {
		return c.chatModel, nil
	}
	models, err := c.ListModels(ctx)
	if err != nil {
		return "", err
	}
	exclude := append([]string{"whisper"}, embedModelHints...)
	for _, id := range models {
		lower := strings.ToLower(id)
		excluded := false
		for _, kw := range exclude {
			if strings.Contains(lower, kw) {
				excluded = true
				break
			}
		}
		if !excluded {
			c.chatModel = id
			return id, nil
		}
	}
	if len(models) > 0 {
		c.chatModel = models[0]
		return models[0], nil
	}
	return "", &Error{Op: "models", Err: errNoModel("chat")}
}

// Embed sends texts to the embeddings endpoint and returns one vector per
// input, in order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	model, err := c.EmbeddingModel(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"model": model,
		"input": texts,
	}
	payload, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newTransportError("embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, newHTTPError("embed", resp.StatusCode, string(b))
	}

	var result embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, newTransportError("embed", err)
	}
	if len(result.Data) != len(texts) {
		return nil, &Error{Op: "embed", Err: errCountMismatch(len(texts), len(result.Data))}
	}

	vectors := make([][]float32, len(result.Data))
	for i, item := range result.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// EmbedSingle embeds a single text.
func (c *Client) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Complete sends a system+user prompt to the chat completions endpoint and
// returns the cleaned response text (think blocks and code fences stripped).
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	model, err := c.ChatModel(ctx)
	if err != nil {
		return "", err
	}

	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": 0.1,
		"max_tokens":  maxTokens,
	}
	payload, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", newTransportError("complete", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", newHTTPError("complete", resp.StatusCode, string(b))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", newTransportError("complete", err)
	}
	if len(result.Choices) == 0 {
		return "", nil
	}
	return CleanResponse(result.Choices[0].Message.Content), nil
}

// ContextLength probes the provider's context window, caching the result.
// Falls back to 4096 when the native endpoint is unavailable; the probe
// itself never errors.
func (c *Client) ContextLength(ctx context.Context) (int, error) {
	if c.contextLength != nil {
		return *c.contextLength, nil
	}

	root := strings.TrimSuffix(c.baseURL, "/v1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root+"/api/v0/models", nil)
	fallback := 4096
	if err != nil {
		c.contextLength = &fallback
		return fallback, nil
	}
	resp, err := c.httpClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		slog.Debug("context length probe unavailable, using fallback", "tokens", fallback)
		c.contextLength = &fallback
		return fallback, nil
	}
	defer resp.Body.Close()

	var result struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.contextLength = &fallback
		return fallback, nil
	}
	for _, m := range result.Data {
		if t, ok := m["type"].(string); ok && t == "llm" {
			if v, ok := m["loaded_context_length"].(float64); ok && v > 0 {
				n := int(v)
				c.contextLength = &n
				return n, nil
			}
			if v, ok := m["max_context_length"].(float64); ok && v > 0 {
				n := int(v)
				c.contextLength = &n
				return n, nil
			}
		}
	}
	c.contextLength = &fallback
	return fallback, nil
}

func (c *Client) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// CleanResponse strips <think> blocks and markdown code fences from a model
// response, leaving the payload text.
func CleanResponse(text string) string {
	if strings.Contains(text, "</think>") {
		parts := strings.SplitN(text, "</think>", 2)
		text = parts[1]
	} else if strings.HasPrefix(text, "<think>") {
		text = ""
	}
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		var filtered []string
		for _, l := range lines {
			if !strings.HasPrefix(strings.TrimSpace(l), "```") {
				filtered = append(filtered, l)
			}
		}
		text = strings.TrimSpace(strings.Join(filtered, "\n"))
	}
	return text
}
