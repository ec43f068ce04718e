// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// OllamaClient backs the Embedder and Client interfaces with a local
// Ollama instance, for air-gapped deployments where OpenAI is not an
// option.
type OllamaClient struct {
	llm       *ollama.LLM
	embedLLM  *ollama.LLM
	dimension int
}

// NewOllamaClient builds a client from the environment.
//
// Reads OLLAMA_BASE_URL, OLLAMA_MODEL, and OLLAMA_EMBEDDING_MODEL. The
// chat and embedding models are separate Ollama handles because Ollama
// binds one model per client.
func NewOllamaClient(dimension int) (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	chatModel := os.Getenv("OLLAMA_MODEL")
	if chatModel == "" {
		chatModel = "llama3.1"
		slog.Warn("OLLAMA_MODEL not set, defaulting to llama3.1")
	}
	embedModel := os.Getenv("OLLAMA_EMBEDDING_MODEL")
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}

	chat, err := ollama.New(ollama.WithServerURL(baseURL), ollama.WithModel(chatModel))
	if err != nil {
		return nil, fmt.Errorf("creating ollama chat client: %w", err)
	}
	embed, err := ollama.New(ollama.WithServerURL(baseURL), ollama.WithModel(embedModel))
	if err != nil {
		return nil, fmt.Errorf("creating ollama embedding client: %w", err)
	}

	slog.Info("Initializing Ollama client",
		"base_url", baseURL,
		"chat_model", chatModel,
		"embedding_model", embedModel,
		"dimension", dimension)
	return &OllamaClient{llm: chat, embedLLM: embed, dimension: dimension}, nil
}

// Embed implements the Embedder interface.
func (o *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	vectors, err := o.embedLLM.CreateEmbedding(ctx, []string{text})
	if err != nil {
		slog.Error("Ollama embedding call failed", "error", err)
		return nil, fmt.Errorf("ollama embedding call failed: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}
	return vectors[0], nil
}

// Dimension implements the Embedder interface.
func (o *OllamaClient) Dimension() int { return o.dimension }

// Complete implements the Client interface.
func (o *OllamaClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	messages := []llms.MessageContent{}
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	opts := []llms.CallOption{
		llms.WithTemperature(float64(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.JSON {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := o.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		slog.Error("Ollama generation failed", "error", err)
		return "", fmt.Errorf("ollama generation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("ollama returned no choices")
	}
	return resp.Choices[0].Content, nil
}
