// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the external collaborator clients consumed by the
// memory engine: embedding providers and judge-capable chat completion.
// Providers are selected by environment, mirroring how the rest of the
// platform wires OpenAI and Ollama backends.
package llm

import "context"

// Embedder converts text into a fixed-dimension vector.
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns the embedding for text. Provider unavailability is
	// returned as an error; callers decide how to surface it.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the configured vector dimension for this provider.
	Dimension() int
}

// CompletionRequest is a single judge-style completion call.
type CompletionRequest struct {
	System      string
	Prompt      string
	JSON        bool
	MaxTokens   int
	Temperature float32
}

// Client defines the standard interface for any LLM backend. Calls must
// be free of side effects so the caller can retry them safely.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Provider serves both embeddings and completions from one backend
// connection. OpenAI and Ollama clients both satisfy it.
type Provider interface {
	Embedder
	Client
}
