package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	goopenai "github.com/sashabaranov/go-openai"

	"pediatric-assistant/internal/domain"
)

// Generate streams a chat completion. Chunks arrive on the first channel;
// the second carries at most one error. Both are closed when the stream ends
// or ctx is cancelled.
func (c *Client) Generate(ctx context.Context, messages []domain.ChatMessage, temperature float64) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		sdk, err := c.sdkClient(ctx)
		if err != nil {
			errs <- err
			return
		}
		req := goopenai.ChatCompletionRequest{
			Model:       c.chatModel,
			Messages:    toSDKMessages(messages),
			Temperature: float32(temperature),
			Stream:      true,
		}
		stream, err := sdk.CreateChatCompletionStream(ctx, req)
		if err != nil {
			errs <- fmt.Errorf("openai: start stream: %w", err)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					errs <- fmt.Errorf("openai: stream: %w", err)
				}
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case chunks <- resp.Choices[0].Delta.Content:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, errs
}

// Embed returns the embedding vector of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	sdk, err := c.sdkClient(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := sdk.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: goopenai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: no embedding in response")
	}
	return resp.Data[0].Embedding, nil
}

func toSDKMessages(messages []domain.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
