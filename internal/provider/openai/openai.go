// Package openai adapts the official OpenAI SDK to the narrow embedding and
// completion surfaces the build pipeline consumes. Use it instead of the
// OpenAI-compatible HTTP client when talking to the hosted API.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type Client struct {
	client         *openai.Client
	embeddingModel openai.EmbeddingModel
	chatModel      openai.ChatModel
}

func NewClient(apiKey string) *Client {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		client:         &client,
		embeddingModel: openai.EmbeddingModelTextEmbedding3Small,
		chatModel:      openai.ChatModelGPT4oMini,
	}
}

// EmbeddingModel reports the configured embedding model.
func (c *Client) EmbeddingModel(ctx context.Context) (string, error) {
	return string(c.embeddingModel), nil
}

// ChatModel reports the configured chat model.
func (c *Client) ChatModel(ctx context.Context) (string, error) {
	return string(c.chatModel), nil
}

// ContextLength reports the chat model's context window. The hosted API
// does not expose this, so it is a conservative constant for the models
// this adapter defaults to.
func (c *Client) ContextLength(ctx context.Context) (int, error) {
	return 128000, nil
}

// Embed generates one embedding per input text, in order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: c.embeddingModel,
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: requested %d, got %d", len(texts), len(resp.Data))
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		embeddings[i] = vec
	}
	return embeddings, nil
}

// Complete sends a system+user prompt and returns the response text.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		MaxTokens: openai.Int(int64(maxTokens)),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
